package influxdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/dispatchd/internal/infrastructure/config"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func newTestClient() (*Client, *fakeWriter) {
	w := &fakeWriter{}
	return &Client{writer: w, connected: true}, w
}

func tagValue(p *write.Point, key string) string {
	for _, tag := range p.TagList() {
		if tag.Key == key {
			return tag.Value
		}
	}
	return ""
}

func fieldValue(p *write.Point, key string) any {
	for _, f := range p.FieldList() {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:59999"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteDispatch(t *testing.T) {
	c, w := newTestClient()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c.WriteDispatch("req-1", "cat /var/log/syslog | tail -n 50", 3, at)

	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}

	p := w.points[0]
	if p.Name() != measurementDispatch {
		t.Errorf("measurement = %q, want %q", p.Name(), measurementDispatch)
	}
	if len(p.TagList()) != 0 {
		t.Errorf("tags = %v, want none", p.TagList())
	}
	if fieldValue(p, "request_id") != "req-1" {
		t.Errorf("request_id field = %v", fieldValue(p, "request_id"))
	}
	if fieldValue(p, "command") != "cat /var/log/syslog | tail -n 50" {
		t.Errorf("command field = %v", fieldValue(p, "command"))
	}
	if got := fieldValue(p, "devices"); got != int64(3) {
		t.Errorf("devices = %v (%T), want 3", got, got)
	}
	if !p.Time().Equal(at) {
		t.Errorf("time = %v, want %v", p.Time(), at)
	}
}

func TestWriteReply(t *testing.T) {
	c, w := newTestClient()

	c.WriteReply("req-1", "acu-17", true, 1500*time.Millisecond, time.Now())

	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	p := w.points[0]
	if p.Name() != measurementReply {
		t.Errorf("measurement = %q", p.Name())
	}
	if tagValue(p, "device_id") != "acu-17" || tagValue(p, "outcome") != "error" {
		t.Errorf("unexpected tags %v", p.TagList())
	}
	if got := fieldValue(p, "latency_ms"); got != int64(1500) {
		t.Errorf("latency_ms = %v (%T), want 1500", got, got)
	}
}

func TestWritesDroppedWhenClosed(t *testing.T) {
	c, w := newTestClient()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if w.flushes != 1 {
		t.Errorf("flushes on close = %d, want 1", w.flushes)
	}

	c.WriteReply("req-1", "acu-17", false, time.Second, time.Now())
	c.Flush()

	if len(w.points) != 0 {
		t.Errorf("points written after close = %d", len(w.points))
	}
	if w.flushes != 1 {
		t.Errorf("Flush after close should be a no-op")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}
}

func TestForwardErrors(t *testing.T) {
	c, _ := newTestClient()

	got := make(chan error, 1)
	c.SetOnError(func(err error) { got <- err })

	errs := make(chan error, 1)
	errs <- errors.New("bucket not found")
	close(errs)
	c.forwardErrors(errs)

	select {
	case err := <-got:
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	default:
		t.Fatal("callback not invoked")
	}
}
