package archive

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nerrad567/dispatchd/internal/dispatch"
)

const (
	// DefaultQueueSize bounds writes waiting for the database.
	DefaultQueueSize = 4096

	// writeTimeout bounds each database write.
	writeTimeout = 5 * time.Second
)

// Recorder archives requests and results as a dispatch.Observer.
//
// Observer callbacks only enqueue; Run performs the writes. When the queue
// is full the write is dropped and counted rather than stalling dispatch.
type Recorder struct {
	repo    Repository
	queue   chan write
	logger  dispatch.Logger
	dropped atomic.Int64
}

type write struct {
	req    dispatch.Request
	result *dispatch.Result
}

// NewRecorder creates a recorder writing to repo.
func NewRecorder(repo Repository, queueSize int, logger dispatch.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Recorder{
		repo:   repo,
		queue:  make(chan write, queueSize),
		logger: logger,
	}
}

// RequestPublished queues the request for archiving.
func (r *Recorder) RequestPublished(req dispatch.Request) {
	r.enqueue(write{req: req})
}

// ResultRecorded queues the result for archiving.
func (r *Recorder) ResultRecorded(req dispatch.Request, result dispatch.Result) {
	r.enqueue(write{req: req, result: &result})
}

func (r *Recorder) enqueue(w write) {
	select {
	case r.queue <- w:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("archive queue full, dropping write", "request_id", w.req.ID, "dropped_total", n)
	}
}

// Dropped returns how many writes were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run writes queued entries until ctx is done, then flushes what is left.
// Writes are not cut short by ctx; each is bounded by its own timeout.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case w := <-r.queue:
			r.apply(ctx, w)
		case <-ctx.Done():
			r.drain(ctx)
			return
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case w := <-r.queue:
			r.apply(ctx, w)
		default:
			return
		}
	}
}

func (r *Recorder) apply(ctx context.Context, w write) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	// A reply can be recorded while the command is still being sent, ahead
	// of RequestPublished, so every result first ensures its request row.
	err := r.repo.SaveRequest(ctx, w.req)
	if err == nil && w.result != nil {
		err = r.repo.SaveResult(ctx, w.req.ID, *w.result)
	}
	if err != nil {
		r.logger.Error("archive write failed", "request_id", w.req.ID, "error", err)
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
