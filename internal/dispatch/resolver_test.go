package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

var testCreds = &Credentials{Username: "ops", Password: "hunter2"}

func TestResolver_Resolve(t *testing.T) {
	dir := newMockDirectory(map[int][]string{
		1: {"d3", "d1"},
		2: {"d1", "d4"},
		3: {},
	})

	tests := []struct {
		name    string
		dir     Directory
		spec    TargetSpec
		want    []string
		wantErr error
	}{
		{
			name: "explicit devices only",
			spec: TargetSpec{Devices: []string{"d2", "d1", "d2", " "}},
			want: []string{"d1", "d2"},
		},
		{
			name: "union of devices and orgs",
			dir:  dir,
			spec: TargetSpec{Devices: []string{"d2"}, Orgs: []int{1, 2, 1}, Credentials: testCreds},
			want: []string{"d1", "d2", "d3", "d4"},
		},
		{
			name:    "nothing to resolve",
			spec:    TargetSpec{Devices: []string{" ", ""}},
			wantErr: ErrInvalidTarget,
		},
		{
			name:    "orgs without credentials",
			dir:     dir,
			spec:    TargetSpec{Orgs: []int{1}},
			wantErr: ErrAuthRequired,
		},
		{
			name:    "orgs with half credentials",
			dir:     dir,
			spec:    TargetSpec{Orgs: []int{1}, Credentials: &Credentials{Username: "ops"}},
			wantErr: ErrAuthRequired,
		},
		{
			name:    "orgs without directory",
			spec:    TargetSpec{Orgs: []int{1}, Credentials: testCreds},
			wantErr: ErrResolution,
		},
		{
			name:    "org with no members",
			dir:     dir,
			spec:    TargetSpec{Orgs: []int{3}, Credentials: testCreds},
			wantErr: ErrInvalidTarget,
		},
		{
			name:    "unknown org",
			dir:     dir,
			spec:    TargetSpec{Devices: []string{"d1"}, Orgs: []int{99}, Credentials: testCreds},
			wantErr: ErrUnknownOrg,
		},
		{
			name:    "rejected credentials",
			dir:     dir,
			spec:    TargetSpec{Orgs: []int{1}, Credentials: &Credentials{Username: "ops", Password: "wrong"}},
			wantErr: ErrCredentialsRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.dir, ResolverOptions{Retry: fastRetry})
			got, err := r.Resolve(context.Background(), tt.spec)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolver_DirectoryErrorsWrapResolution(t *testing.T) {
	dir := newMockDirectory(map[int][]string{})
	r := NewResolver(dir, ResolverOptions{Retry: fastRetry})

	_, err := r.Resolve(context.Background(), TargetSpec{Orgs: []int{7}, Credentials: testCreds})
	if !errors.Is(err, ErrResolution) || !errors.Is(err, ErrUnknownOrg) {
		t.Errorf("Resolve() error = %v, want ErrResolution wrapping ErrUnknownOrg", err)
	}
	if n := dir.callCount(7); n != 1 {
		t.Errorf("unknown org looked up %d times, permanent errors must not retry", n)
	}
}

func TestResolver_RetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		failN     int
		wantErr   bool
		wantCalls int
	}{
		{"recovers after two failures", 2, false, 3},
		{"gives up after max attempts", 5, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newMockDirectory(map[int][]string{1: {"d1"}})
			dir.failN = tt.failN
			dir.failErr = errors.New("connection reset")
			r := NewResolver(dir, ResolverOptions{Retry: fastRetry})

			got, err := r.Resolve(context.Background(), TargetSpec{Orgs: []int{1}, Credentials: testCreds})
			if tt.wantErr {
				if !errors.Is(err, ErrResolution) {
					t.Errorf("Resolve() error = %v, want ErrResolution", err)
				}
			} else if err != nil || len(got) != 1 {
				t.Errorf("Resolve() = %v, %v; want [d1]", got, err)
			}
			if n := dir.callCount(1); n != tt.wantCalls {
				t.Errorf("directory calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestResolver_MaxDevices(t *testing.T) {
	r := NewResolver(nil, ResolverOptions{MaxDevices: 2})

	if _, err := r.Resolve(context.Background(), TargetSpec{Devices: []string{"a", "b"}}); err != nil {
		t.Errorf("Resolve() at limit error = %v", err)
	}
	_, err := r.Resolve(context.Background(), TargetSpec{Devices: []string{"a", "b", "c"}})
	if !errors.Is(err, ErrTooManyDevices) {
		t.Errorf("Resolve() over limit error = %v, want ErrTooManyDevices", err)
	}
}

func TestResolver_CoalescesConcurrentLookups(t *testing.T) {
	dir := newMockDirectory(map[int][]string{1: {"d1", "d2"}})
	dir.delay = 50 * time.Millisecond
	r := NewResolver(dir, ResolverOptions{Retry: fastRetry})

	const callers = 10
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Resolve(context.Background(), TargetSpec{Orgs: []int{1}, Credentials: testCreds})
			if err != nil || len(got) != 2 {
				t.Errorf("Resolve() = %v, %v", got, err)
			}
		}()
	}
	wg.Wait()

	if n := dir.callCount(1); n >= callers {
		t.Errorf("directory calls = %d, want fewer than %d", n, callers)
	}
}

func TestResolver_CancelledContext(t *testing.T) {
	dir := newMockDirectory(map[int][]string{1: {"d1"}})
	dir.delay = time.Second
	r := NewResolver(dir, ResolverOptions{Retry: fastRetry})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Resolve(ctx, TargetSpec{Orgs: []int{1}, Credentials: testCreds})
	if !errors.Is(err, ErrResolution) {
		t.Errorf("Resolve() error = %v, want ErrResolution", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Resolve() did not stop on context deadline")
	}
}

func TestFlightKey(t *testing.T) {
	key := flightKey(1, 2, Credentials{Username: "ops", Password: "hunter2"})

	if strings.Contains(key, "hunter2") {
		t.Errorf("flight key %q leaks the password", key)
	}
	if key == flightKey(1, 2, Credentials{Username: "ops", Password: "other"}) {
		t.Error("different passwords share a flight key")
	}
	if key == flightKey(1, 3, Credentials{Username: "ops", Password: "hunter2"}) {
		t.Error("different namespaces share a flight key")
	}
}
