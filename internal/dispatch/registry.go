package dispatch

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// DefaultRetentionTTL is how long a request stays queryable when no TTL is configured.
const DefaultRetentionTTL = 24 * time.Hour

// shardCount is the number of independently locked partitions of the registry.
const shardCount = 32

// RecordStatus is the result of recording a reply.
type RecordStatus int

const (
	RecordAccepted RecordStatus = iota
	RecordDuplicate
	RecordUnknownRequest
	RecordUnexpectedDevice
	RecordMalformed
)

func (s RecordStatus) String() string {
	switch s {
	case RecordAccepted:
		return replyAccepted
	case RecordDuplicate:
		return replyDuplicate
	case RecordUnknownRequest:
		return replyUnknown
	case RecordUnexpectedDevice:
		return replyUnexpected
	case RecordMalformed:
		return replyMalformed
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of a registry entry.
type Snapshot struct {
	Request Request
	// Results holds received results, restricted to the device filter
	// when one was given.
	Results map[string]Result
	State   State
	// Complete is true once every target has replied.
	Complete bool
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// TTL is the retention window measured from issue time.
	TTL time.Duration
	// Now overrides the clock. Tests only.
	Now    func() time.Time
	Logger Logger
}

// Registry maps request ids to their targets and accumulating results.
//
// Lookups go through 32 shards keyed by xxhash of the id, so unrelated
// requests never contend on one lock. Each entry has its own mutex and a
// broadcast channel that is closed on every accepted result and on expiry.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	shards [shardCount]shard
	ttl    time.Duration
	now    func() time.Time
	logger Logger
	size   atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	req      Request
	targets  map[string]struct{}
	deadline time.Time

	mu         sync.Mutex
	results    map[string]Result
	dispatched bool
	expired    bool
	notify     chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		ttl:    opts.TTL,
		now:    opts.Now,
		logger: opts.Logger,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultRetentionTTL
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r
}

// TTL returns the retention window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

func (r *Registry) shardFor(id string) *shard {
	return &r.shards[xxhash.Sum64String(id)%shardCount]
}

// Create registers a new request with a fresh id and issue time.
// req.Targets is normalised (trimmed, deduplicated, sorted); ID and
// IssuedAt are assigned. The returned Request must not be modified.
func (r *Registry) Create(req Request) (Request, error) {
	targets := normalizeDevices(req.Targets)
	if len(targets) == 0 {
		return Request{}, ErrInvalidTarget
	}
	if req.Timeout <= 0 {
		return Request{}, ErrInvalidTimeout
	}

	req.Targets = targets
	req.Orgs = slices.Clone(req.Orgs)
	req.IssuedAt = r.now()

	e := &entry{
		targets: make(map[string]struct{}, len(targets)),
		results: make(map[string]Result, len(targets)),
		notify:  make(chan struct{}),
	}
	for _, d := range targets {
		e.targets[d] = struct{}{}
	}
	e.deadline = req.IssuedAt.Add(r.ttl)

	for {
		req.ID = uuid.NewString()
		e.req = req

		s := r.shardFor(req.ID)
		s.mu.Lock()
		if _, exists := s.entries[req.ID]; exists {
			s.mu.Unlock()
			continue
		}
		s.entries[req.ID] = e
		s.mu.Unlock()
		break
	}

	registryEntries.Set(float64(r.size.Add(1)))
	return req, nil
}

// MarkDispatched moves a request from Created to Dispatched.
func (r *Registry) MarkDispatched(id string) {
	if e := r.lookup(id); e != nil {
		e.mu.Lock()
		e.dispatched = true
		e.mu.Unlock()
	}
}

// Record stores one device's outcome. The first result per device wins.
//
// Replies for unknown or expired requests and from devices outside the
// target set are logged and reported through the status, never as errors.
func (r *Registry) Record(id, device string, outcome Outcome, at time.Time) RecordStatus {
	e := r.lookup(id)
	if e == nil {
		r.logger.Debug("reply for unknown or expired request", "request_id", id, "device_id", device)
		return RecordUnknownRequest
	}
	if _, ok := e.targets[device]; !ok {
		r.logger.Warn("reply from device outside target set", "request_id", id, "device_id", device)
		return RecordUnexpectedDevice
	}

	e.mu.Lock()
	if !e.liveLocked(r.now()) {
		e.mu.Unlock()
		r.logger.Debug("reply for unknown or expired request", "request_id", id, "device_id", device)
		return RecordUnknownRequest
	}
	if _, dup := e.results[device]; dup {
		e.mu.Unlock()
		r.logger.Info("duplicate reply ignored", "request_id", id, "device_id", device)
		return RecordDuplicate
	}
	e.results[device] = Result{DeviceID: device, Outcome: outcome, ReceivedAt: at}
	close(e.notify)
	e.notify = make(chan struct{})
	e.mu.Unlock()

	return RecordAccepted
}

// Request returns the immutable part of a live request.
func (r *Registry) Request(id string) (Request, error) {
	e := r.lookup(id)
	if e == nil {
		return Request{}, ErrUnknownRequest
	}
	return e.req, nil
}

// Snapshot returns the current state of a request.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	e := r.lookup(id)
	if e == nil {
		return Snapshot{}, ErrUnknownRequest
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.liveLocked(r.now()) {
		return Snapshot{}, ErrUnknownRequest
	}
	return e.snapshotLocked(nil), nil
}

// Wait blocks until every awaited device has replied, timeout elapses, or
// ctx is done, and returns what has accumulated.
//
// devices narrows which targets are awaited and returned; entries outside
// the target set are ignored, so a filter with no targets returns at once.
// An elapsed timeout is not an error. A cancelled ctx returns the partial
// snapshot together with ctx.Err(); the entry itself is unaffected.
func (r *Registry) Wait(ctx context.Context, id string, devices []string, timeout time.Duration) (Snapshot, error) {
	e := r.lookup(id)
	if e == nil {
		return Snapshot{}, ErrUnknownRequest
	}
	filter := e.filterSet(devices)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		e.mu.Lock()
		if !e.liveLocked(r.now()) {
			e.mu.Unlock()
			return Snapshot{}, ErrUnknownRequest
		}
		if e.satisfiedLocked(filter) {
			snap := e.snapshotLocked(filter)
			e.mu.Unlock()
			return snap, nil
		}
		wake := e.notify
		e.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return r.finalSnapshot(e, filter)
		case <-ctx.Done():
			snap, err := r.finalSnapshot(e, filter)
			if err != nil {
				return snap, err
			}
			return snap, ctx.Err()
		}
	}
}

func (r *Registry) finalSnapshot(e *entry, filter map[string]struct{}) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.liveLocked(r.now()) {
		return Snapshot{}, ErrUnknownRequest
	}
	return e.snapshotLocked(filter), nil
}

// Remove deletes a request and wakes its waiters, who then see
// ErrUnknownRequest. It reports whether the request existed.
func (r *Registry) Remove(id string) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	e.expire()
	registryEntries.Set(float64(r.size.Add(-1)))
	return true
}

// Sweep evicts every entry past its retention deadline and returns how many
// were removed. Entries are deleted under the shard lock before being marked
// expired, so a concurrent reader either finishes first or sees the expiry.
func (r *Registry) Sweep() int {
	now := r.now()
	var evicted []*entry

	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			if !now.Before(e.deadline) {
				delete(s.entries, id)
				evicted = append(evicted, e)
			}
		}
		s.mu.Unlock()
	}

	for _, e := range evicted {
		e.expire()
	}
	if n := len(evicted); n > 0 {
		registryEntries.Set(float64(r.size.Add(int64(-n))))
		registryExpiredTotal.Add(float64(n))
	}
	return len(evicted)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("expired requests evicted", "count", n, "remaining", r.Len())
			}
		}
	}
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// lookup returns the entry for id, evicting it first if its deadline passed.
func (r *Registry) lookup(id string) *entry {
	s := r.shardFor(id)
	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()

	if e == nil {
		return nil
	}
	if !r.now().Before(e.deadline) {
		r.evict(s, id, e)
		return nil
	}
	return e
}

func (r *Registry) evict(s *shard, id string, e *entry) {
	s.mu.Lock()
	removed := s.entries[id] == e
	if removed {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	e.expire()
	if removed {
		registryEntries.Set(float64(r.size.Add(-1)))
		registryExpiredTotal.Inc()
	}
}

func (e *entry) expire() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.expired {
		e.expired = true
		close(e.notify)
	}
}

// liveLocked reports whether the entry may still be read. Caller holds e.mu.
func (e *entry) liveLocked(now time.Time) bool {
	return !e.expired && now.Before(e.deadline)
}

// filterSet maps a device filter onto the target set. nil means "all targets".
func (e *entry) filterSet(devices []string) map[string]struct{} {
	if len(devices) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		d = strings.TrimSpace(d)
		if _, ok := e.targets[d]; ok {
			set[d] = struct{}{}
		}
	}
	return set
}

func (e *entry) satisfiedLocked(filter map[string]struct{}) bool {
	if filter == nil {
		return len(e.results) == len(e.targets)
	}
	for d := range filter {
		if _, ok := e.results[d]; !ok {
			return false
		}
	}
	return true
}

func (e *entry) snapshotLocked(filter map[string]struct{}) Snapshot {
	results := make(map[string]Result, len(e.results))
	for d, res := range e.results {
		if filter != nil {
			if _, ok := filter[d]; !ok {
				continue
			}
		}
		results[d] = res
	}

	complete := len(e.results) == len(e.targets)
	state := StateCreated
	switch {
	case complete:
		state = StateComplete
	case len(e.results) > 0:
		state = StatePartial
	case e.dispatched:
		state = StateDispatched
	}

	return Snapshot{
		Request:  e.req,
		Results:  results,
		State:    state,
		Complete: complete,
	}
}

// normalizeDevices trims, drops empties, deduplicates and sorts.
func normalizeDevices(devices []string) []string {
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
