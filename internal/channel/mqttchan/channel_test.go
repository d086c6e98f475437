package mqttchan

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/dispatchd/internal/dispatch"
	"github.com/nerrad567/dispatchd/internal/infrastructure/mqtt"
)

type published struct {
	topic   string
	payload []byte
	qos     byte
}

// mockBroker records publishes and captures the reply handler.
type mockBroker struct {
	mu           sync.Mutex
	topics       mqtt.Topics
	publishes    []published
	failTopics   map[string]bool
	handler      mqtt.MessageHandler
	subscribed   string
	unsubscribed string
	subErr       error
}

func newMockBroker() *mockBroker {
	return &mockBroker{topics: mqtt.NewTopics("test"), failTopics: make(map[string]bool)}
}

func (b *mockBroker) Publish(_ context.Context, topic string, payload []byte, qos byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failTopics[topic] {
		return mqtt.ErrPublishFailed
	}
	b.publishes = append(b.publishes, published{topic, payload, qos})
	return nil
}

func (b *mockBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if b.subErr != nil {
		return b.subErr
	}
	b.subscribed = topic
	b.handler = handler
	return nil
}

func (b *mockBroker) Unsubscribe(topic string) error {
	b.unsubscribed = topic
	return nil
}

func (b *mockBroker) Topics() mqtt.Topics {
	return b.topics
}

func TestNew_SubscribesToReplies(t *testing.T) {
	b := newMockBroker()
	c, err := New(b, Options{QoS: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	if b.subscribed != "test/device/+/reply" {
		t.Errorf("subscribed to %q", b.subscribed)
	}
}

func TestNew_SubscribeFails(t *testing.T) {
	b := newMockBroker()
	b.subErr = mqtt.ErrNotConnected

	if _, err := New(b, Options{}); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("New() error = %v, want ErrNotConnected", err)
	}
}

func TestSend(t *testing.T) {
	b := newMockBroker()
	c, err := New(b, Options{QoS: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	cmd := dispatch.Command{RequestID: "r1", Command: "uptime"}
	if err := c.Send(context.Background(), cmd, []string{"d1", "d2"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(b.publishes) != 2 {
		t.Fatalf("publishes = %d, want 2", len(b.publishes))
	}
	topics := []string{b.publishes[0].topic, b.publishes[1].topic}
	sort.Strings(topics)
	if topics[0] != "test/device/d1/command" || topics[1] != "test/device/d2/command" {
		t.Errorf("topics = %v", topics)
	}

	var env map[string]any
	if err := json.Unmarshal(b.publishes[0].payload, &env); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if env["command"] != "runCommand" || env["requestId"] != "r1" {
		t.Errorf("payload = %v", env)
	}
	if b.publishes[0].qos != 1 {
		t.Errorf("qos = %d, want 1", b.publishes[0].qos)
	}
}

func TestSend_PartialFailure(t *testing.T) {
	b := newMockBroker()
	b.failTopics["test/device/d2/command"] = true
	c, _ := New(b, Options{})
	defer c.Close()

	err := c.Send(context.Background(), dispatch.Command{RequestID: "r1", Command: "uptime"}, []string{"d1", "d2", "bad/id"})

	var se *dispatch.SendError
	if !errors.As(err, &se) {
		t.Fatalf("Send() error = %v, want *dispatch.SendError", err)
	}
	sort.Strings(se.Devices)
	if len(se.Devices) != 2 || se.Devices[0] != "bad/id" || se.Devices[1] != "d2" {
		t.Errorf("failed devices = %v, want [bad/id d2]", se.Devices)
	}
	if len(b.publishes) != 1 {
		t.Errorf("successful publishes = %d, want 1", len(b.publishes))
	}
}

func TestHandleReply(t *testing.T) {
	b := newMockBroker()
	c, _ := New(b, Options{ReplyBuffer: 4})
	defer c.Close()

	if err := b.handler("test/device/d7/reply", []byte(`{"requestId":"r1","output":"up"}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if err := b.handler("test/device/d8/reply", []byte(`not json`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	select {
	case r := <-c.Replies():
		if r.RequestID != "r1" || r.DeviceID != "d7" || r.Outcome.Output != "up" || r.Err != nil {
			t.Errorf("reply = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply delivered")
	}

	select {
	case r := <-c.Replies():
		if !errors.Is(r.Err, dispatch.ErrMalformedReply) {
			t.Errorf("malformed reply Err = %v", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("malformed reply not surfaced")
	}
}

func TestClose(t *testing.T) {
	b := newMockBroker()
	c, _ := New(b, Options{ReplyBuffer: 1})

	// Fill the queue so the next handler call blocks.
	b.handler("test/device/d1/reply", []byte(`{"requestId":"r1"}`)) //nolint:errcheck
	blocked := make(chan struct{})
	go func() {
		b.handler("test/device/d2/reply", []byte(`{"requestId":"r1"}`)) //nolint:errcheck
		close(blocked)
	}()
	time.Sleep(10 * time.Millisecond)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("Close() did not release a blocked handler")
	}

	if b.unsubscribed != "test/device/+/reply" {
		t.Errorf("unsubscribed from %q", b.unsubscribed)
	}

	// The buffered reply drains, then the stream ends.
	<-c.Replies()
	if _, ok := <-c.Replies(); ok {
		t.Error("Replies() not closed after Close()")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := b.handler("test/device/d3/reply", []byte(`{}`)); err != nil {
		t.Errorf("handler after Close() error = %v", err)
	}
}
