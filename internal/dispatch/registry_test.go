package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(clock *fakeClock) *Registry {
	opts := RegistryOptions{TTL: time.Hour}
	if clock != nil {
		opts.Now = clock.Now
	}
	return NewRegistry(opts)
}

func mustCreate(t *testing.T, r *Registry, targets ...string) Request {
	t.Helper()
	req, err := r.Create(Request{Command: "uptime", Targets: targets, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return req
}

func TestRegistry_Create(t *testing.T) {
	r := newTestRegistry(nil)

	req := mustCreate(t, r, "d2", " d1 ", "d2", "")

	if req.ID == "" {
		t.Fatal("Create() returned empty id")
	}
	if want := []string{"d1", "d2"}; fmt.Sprint(req.Targets) != fmt.Sprint(want) {
		t.Errorf("Targets = %v, want %v", req.Targets, want)
	}
	if req.IssuedAt.IsZero() {
		t.Error("IssuedAt not set")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	snap, err := r.Snapshot(req.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.State != StateCreated || snap.Complete || len(snap.Results) != 0 {
		t.Errorf("fresh snapshot = %+v", snap)
	}

	r.MarkDispatched(req.ID)
	snap, _ = r.Snapshot(req.ID)
	if snap.State != StateDispatched {
		t.Errorf("State = %q, want %q", snap.State, StateDispatched)
	}
}

func TestRegistry_CreateRejects(t *testing.T) {
	r := newTestRegistry(nil)

	if _, err := r.Create(Request{Targets: []string{" ", ""}, Timeout: time.Second}); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("empty targets error = %v, want ErrInvalidTarget", err)
	}
	if _, err := r.Create(Request{Targets: []string{"d1"}}); !errors.Is(err, ErrInvalidTimeout) {
		t.Errorf("zero timeout error = %v, want ErrInvalidTimeout", err)
	}
}

func TestRegistry_UniqueIDs(t *testing.T) {
	r := newTestRegistry(nil)
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := r.Create(Request{Command: "uptime", Targets: []string{"d1"}, Timeout: time.Minute})
			if err != nil {
				t.Errorf("Create() error = %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[req.ID] {
				t.Errorf("duplicate id %s", req.ID)
			}
			seen[req.ID] = true
		}()
	}
	wg.Wait()

	if r.Len() != 50 {
		t.Errorf("Len() = %d, want 50", r.Len())
	}
}

func TestRegistry_Record(t *testing.T) {
	r := newTestRegistry(nil)
	req := mustCreate(t, r, "d1", "d2")
	now := time.Now()

	tests := []struct {
		name   string
		id     string
		device string
		want   RecordStatus
	}{
		{"accepted", req.ID, "d1", RecordAccepted},
		{"duplicate", req.ID, "d1", RecordDuplicate},
		{"unexpected device", req.ID, "d9", RecordUnexpectedDevice},
		{"unknown request", "no-such-id", "d1", RecordUnknownRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Record(tt.id, tt.device, ok("first"), now); got != tt.want {
				t.Errorf("Record() = %v, want %v", got, tt.want)
			}
		})
	}

	snap, _ := r.Snapshot(req.ID)
	if len(snap.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(snap.Results))
	}
	if snap.State != StatePartial {
		t.Errorf("State = %q, want %q", snap.State, StatePartial)
	}
	if _, ok := snap.Results["d9"]; ok {
		t.Error("unexpected device leaked into results")
	}
}

func TestRegistry_DuplicateFirstWriterWins(t *testing.T) {
	r := newTestRegistry(nil)
	req := mustCreate(t, r, "d1")

	r.Record(req.ID, "d1", ok("first"), time.Now())
	r.Record(req.ID, "d1", ok("second"), time.Now())

	snap, _ := r.Snapshot(req.ID)
	if len(snap.Results) != 1 {
		t.Fatalf("results = %d, want exactly 1", len(snap.Results))
	}
	if got := snap.Results["d1"].Outcome.Output; got != "first" {
		t.Errorf("d1 output = %v, want first", got)
	}
	if !snap.Complete || snap.State != StateComplete {
		t.Errorf("snapshot should be complete: %+v", snap)
	}
}

func TestRegistry_ConcurrentRecords(t *testing.T) {
	r := newTestRegistry(nil)
	devices := make([]string, 200)
	for i := range devices {
		devices[i] = fmt.Sprintf("d%03d", i)
	}
	req := mustCreate(t, r, devices...)

	var wg sync.WaitGroup
	for _, d := range devices {
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Record(req.ID, d, ok(d), time.Now())
			}()
		}
	}
	wg.Wait()

	snap, _ := r.Snapshot(req.ID)
	if len(snap.Results) != len(devices) || !snap.Complete {
		t.Errorf("results = %d complete = %v, want %d and true", len(snap.Results), snap.Complete, len(devices))
	}
}

func TestRegistry_WaitCompleteWakesBeforeTimeout(t *testing.T) {
	r := newTestRegistry(nil)
	req := mustCreate(t, r, "d1", "d2")

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Record(req.ID, "d1", ok("a"), time.Now())
		time.Sleep(20 * time.Millisecond)
		r.Record(req.ID, "d2", ok("b"), time.Now())
	}()

	start := time.Now()
	snap, err := r.Wait(context.Background(), req.ID, nil, 5*time.Second)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !snap.Complete || len(snap.Results) != 2 {
		t.Errorf("snapshot = %+v, want complete with 2 results", snap)
	}
	if elapsed >= time.Second {
		t.Errorf("Wait() took %v, should return on last arrival", elapsed)
	}
}

func TestRegistry_WaitPartialAfterTimeout(t *testing.T) {
	r := newTestRegistry(nil)
	req := mustCreate(t, r, "d1", "d2", "d3")
	r.Record(req.ID, "d2", ok("b"), time.Now())

	start := time.Now()
	snap, err := r.Wait(context.Background(), req.ID, nil, 50*time.Millisecond)

	if err != nil {
		t.Fatalf("Wait() error = %v, partial results are not an error", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Wait() returned before the timeout with results missing")
	}
	if len(snap.Results) != 1 || snap.Complete {
		t.Errorf("snapshot = %+v, want 1 partial result", snap)
	}
}

func TestRegistry_WaitFilter(t *testing.T) {
	r := newTestRegistry(nil)
	req := mustCreate(t, r, "d1", "d2", "d3")
	r.Record(req.ID, "d1", ok("a"), time.Now())
	r.Record(req.ID, "d3", ok("c"), time.Now())

	t.Run("satisfied filter returns at once", func(t *testing.T) {
		start := time.Now()
		snap, err := r.Wait(context.Background(), req.ID, []string{"d1", "d3", "not-a-target"}, 5*time.Second)
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if time.Since(start) > time.Second {
			t.Error("filtered wait should not block when all filtered devices replied")
		}
		if len(snap.Results) != 2 {
			t.Errorf("results = %d, want 2", len(snap.Results))
		}
		if _, ok := snap.Results["not-a-target"]; ok {
			t.Error("non-target device in results")
		}
		if snap.Complete {
			t.Error("Complete reflects all targets, not the filter")
		}
	})

	t.Run("filter narrows output", func(t *testing.T) {
		snap, err := r.Wait(context.Background(), req.ID, []string{"d1"}, time.Second)
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if len(snap.Results) != 1 || snap.Results["d1"].DeviceID != "d1" {
			t.Errorf("results = %v, want only d1", snap.Results)
		}
	})

	t.Run("filter with no targets returns at once", func(t *testing.T) {
		snap, err := r.Wait(context.Background(), req.ID, []string{"x", "y"}, 5*time.Second)
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if len(snap.Results) != 0 {
			t.Errorf("results = %v, want none", snap.Results)
		}
	})
}

func TestRegistry_WaitCancelled(t *testing.T) {
	r := newTestRegistry(nil)
	req := mustCreate(t, r, "d1", "d2")
	r.Record(req.ID, "d1", ok("a"), time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	snap, err := r.Wait(ctx, req.ID, nil, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
	if len(snap.Results) != 1 {
		t.Errorf("cancelled wait should return partial results, got %d", len(snap.Results))
	}

	// The entry is untouched by the abandoned wait.
	if got := r.Record(req.ID, "d2", ok("b"), time.Now()); got != RecordAccepted {
		t.Errorf("Record() after cancelled wait = %v, want accepted", got)
	}
	after, err := r.Snapshot(req.ID)
	if err != nil || !after.Complete {
		t.Errorf("Snapshot() = %+v, %v; want complete", after, err)
	}
}

func TestRegistry_NoLostWakeups(t *testing.T) {
	r := newTestRegistry(nil)
	req := mustCreate(t, r, "d1", "d2")

	// Call A blocks before the reply.
	type waitResult struct {
		snap Snapshot
		err  error
	}
	aDone := make(chan waitResult, 1)
	go func() {
		snap, err := r.Wait(context.Background(), req.ID, []string{"d1"}, 5*time.Second)
		aDone <- waitResult{snap, err}
	}()

	time.Sleep(20 * time.Millisecond)
	r.Record(req.ID, "d1", ok("hello"), time.Now())

	// Call B arrives after the reply and returns immediately.
	start := time.Now()
	snapB, err := r.Wait(context.Background(), req.ID, []string{"d1"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait() B error = %v", err)
	}
	if time.Since(start) > time.Second || len(snapB.Results) != 1 {
		t.Errorf("call B did not return immediately with the reply: %+v", snapB)
	}

	select {
	case a := <-aDone:
		if a.err != nil || len(a.snap.Results) != 1 {
			t.Errorf("call A = %+v, %v; want the reply", a.snap, a.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call A was never woken")
	}
}

func TestRegistry_ManyWaitersWake(t *testing.T) {
	r := newTestRegistry(nil)
	req := mustCreate(t, r, "d1")

	const waiters = 20
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := r.Wait(context.Background(), req.ID, nil, 5*time.Second)
			if err == nil && !snap.Complete {
				err = errors.New("woke incomplete")
			}
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	r.Record(req.ID, "d1", ok("x"), time.Now())
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("waiter error = %v", err)
		}
	}
}

func TestRegistry_LazyExpiry(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	req := mustCreate(t, r, "d1")

	clock.Advance(time.Hour)

	if _, err := r.Snapshot(req.ID); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Snapshot() after TTL error = %v, want ErrUnknownRequest", err)
	}
	if got := r.Record(req.ID, "d1", ok("late"), clock.Now()); got != RecordUnknownRequest {
		t.Errorf("Record() after TTL = %v, want RecordUnknownRequest", got)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after lazy eviction", r.Len())
	}
}

func TestRegistry_Sweep(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	old := mustCreate(t, r, "d1")
	clock.Advance(30 * time.Minute)
	fresh := mustCreate(t, r, "d1")
	clock.Advance(30 * time.Minute)

	if n := r.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, err := r.Snapshot(old.ID); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("old request error = %v, want ErrUnknownRequest", err)
	}
	if _, err := r.Snapshot(fresh.ID); err != nil {
		t.Errorf("fresh request error = %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_ExpiryWakesWaiter(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	req := mustCreate(t, r, "d1")

	done := make(chan error, 1)
	go func() {
		_, err := r.Wait(context.Background(), req.ID, nil, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	clock.Advance(time.Hour)
	r.Sweep()

	select {
	case err := <-done:
		if !errors.Is(err, ErrUnknownRequest) {
			t.Errorf("Wait() error = %v, want ErrUnknownRequest", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by expiry")
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := newTestRegistry(nil)
	req := mustCreate(t, r, "d1")

	if !r.Remove(req.ID) {
		t.Error("Remove() = false for live request")
	}
	if r.Remove(req.ID) {
		t.Error("Remove() = true for removed request")
	}
	if _, err := r.Wait(context.Background(), req.ID, nil, time.Second); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Wait() after Remove error = %v", err)
	}
}

func TestRegistry_Run(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	mustCreate(t, r, "d1")
	clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for r.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not evict expired request")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestRecordStatus_String(t *testing.T) {
	tests := map[RecordStatus]string{
		RecordAccepted:         "accepted",
		RecordDuplicate:        "duplicate",
		RecordUnknownRequest:   "unknown_request",
		RecordUnexpectedDevice: "unexpected_device",
		RecordMalformed:        "malformed",
		RecordStatus(99):       "unknown",
	}
	for status, want := range tests {
		if got := status.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", status, got, want)
		}
	}
}
