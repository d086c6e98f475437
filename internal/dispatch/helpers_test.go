package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ─── Mock Dependencies ───────────────────────────────────────────

// fakeClock is a settable clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockDirectory serves org membership from a map and counts calls.
type mockDirectory struct {
	mu      sync.Mutex
	orgs    map[int][]string
	calls   map[int]int
	failN   int   // fail this many calls before succeeding
	failErr error // error returned while failing
	delay   time.Duration
}

func newMockDirectory(orgs map[int][]string) *mockDirectory {
	return &mockDirectory{orgs: orgs, calls: make(map[int]int)}
}

func (d *mockDirectory) OrgDevices(ctx context.Context, org, _ int, creds Credentials) ([]string, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[org]++

	if d.failN > 0 {
		d.failN--
		return nil, d.failErr
	}
	if creds.Password == "wrong" {
		return nil, fmt.Errorf("login: %w", ErrCredentialsRejected)
	}
	devices, ok := d.orgs[org]
	if !ok {
		return nil, fmt.Errorf("org %d: %w", org, ErrUnknownOrg)
	}
	return devices, nil
}

func (d *mockDirectory) callCount(org int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[org]
}

// mockChannel records sends and lets tests inject replies.
type mockChannel struct {
	mu       sync.Mutex
	sends    []sentCommand
	failures []error // popped per Send call; nil entries succeed
	replies  chan Reply
	onSend   func(cmd Command, targets []string)
}

type sentCommand struct {
	cmd     Command
	targets []string
}

func newMockChannel() *mockChannel {
	return &mockChannel{replies: make(chan Reply, 64)}
}

func (c *mockChannel) Send(_ context.Context, cmd Command, targets []string) error {
	c.mu.Lock()
	c.sends = append(c.sends, sentCommand{cmd: cmd, targets: append([]string(nil), targets...)})
	var err error
	if len(c.failures) > 0 {
		err = c.failures[0]
		c.failures = c.failures[1:]
	}
	onSend := c.onSend
	c.mu.Unlock()

	if err == nil && onSend != nil {
		onSend(cmd, targets)
	}
	return err
}

func (c *mockChannel) Replies() <-chan Reply {
	return c.replies
}

func (c *mockChannel) sent() []sentCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentCommand(nil), c.sends...)
}

// recordingObserver captures observer callbacks.
type recordingObserver struct {
	mu        sync.Mutex
	published []Request
	results   []Result
}

func (o *recordingObserver) RequestPublished(req Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published = append(o.published, req)
}

func (o *recordingObserver) ResultRecorded(_ Request, res Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, res)
}

func (o *recordingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.published), len(o.results)
}

type panickingObserver struct{}

func (panickingObserver) RequestPublished(Request)        { panic("observer broke") }
func (panickingObserver) ResultRecorded(Request, Result) { panic("observer broke") }

var errTransport = errors.New("broker unavailable")

// fastRetry keeps retry tests quick.
var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func dur(d time.Duration) *time.Duration {
	return &d
}

func ok(output any) Outcome {
	return Outcome{Output: output}
}
