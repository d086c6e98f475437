package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// DefaultTimeout applies when a call carries no timeout. Default: 60s.
	DefaultTimeout time.Duration
	// MaxTimeout rejects longer timeouts. Zero means no limit.
	MaxTimeout time.Duration
	// PublishWait makes Publish wait for results like Results does.
	PublishWait bool
	// SendRetry bounds retries of a failed channel send.
	SendRetry RetryPolicy
	Logger    Logger
}

// PublishRequest is one publish call.
type PublishRequest struct {
	Command string
	Targets TargetSpec
	// Timeout is the per-request timeout; nil means the default.
	Timeout *time.Duration
}

// ResultsQuery is one results call.
type ResultsQuery struct {
	RequestID string
	// Devices narrows which targets are awaited and returned.
	Devices []string
	// Timeout bounds the wait; nil means the default.
	Timeout *time.Duration
}

// ResultSet is the answer to Publish or Results.
type ResultSet struct {
	RequestID string
	Targets   []string
	Results   map[string]Result
	State     State
	Complete  bool
}

// Engine implements publish and bounded-wait results over a resolver,
// a registry and a channel.
//
// Thread Safety: Publish and Results are safe for concurrent use.
type Engine struct {
	resolver  *Resolver
	registry  *Registry
	channel   Channel
	observers []Observer
	opts      EngineOptions
	logger    Logger
}

// NewEngine wires the engine. Observers see every successful publish.
func NewEngine(resolver *Resolver, registry *Registry, channel Channel, opts EngineOptions, observers ...Observer) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	opts.SendRetry = opts.SendRetry.orDefault()

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Engine{
		resolver:  resolver,
		registry:  registry,
		channel:   channel,
		observers: observers,
		opts:      opts,
		logger:    logger,
	}
}

// Publish resolves targets, registers the request and sends the command to
// exactly the resolved devices. The registry entry exists before the first
// send so no reply can outrun it; if the send fails after retries the entry
// is removed and ErrDispatch returned.
//
// The request id is returned immediately unless PublishWait is set, in
// which case Publish waits for results as Results would.
func (e *Engine) Publish(ctx context.Context, req PublishRequest) (ResultSet, error) {
	rs, err := e.publish(ctx, req)
	switch {
	case err == nil:
		publishesTotal.WithLabelValues(outcomeOK).Inc()
	case errors.Is(err, ErrDispatch):
		publishesTotal.WithLabelValues(outcomeDispatch).Inc()
	case errors.Is(err, ErrResolution):
		publishesTotal.WithLabelValues(outcomeResolution).Inc()
	default:
		publishesTotal.WithLabelValues(outcomeInvalid).Inc()
	}
	return rs, err
}

func (e *Engine) publish(ctx context.Context, req PublishRequest) (ResultSet, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return ResultSet{}, ErrMissingCommand
	}
	timeout, err := e.timeout(req.Timeout)
	if err != nil {
		return ResultSet{}, err
	}

	targets, err := e.resolver.Resolve(ctx, req.Targets)
	if err != nil {
		return ResultSet{}, err
	}
	targetsPerRequest.Observe(float64(len(targets)))

	created, err := e.registry.Create(Request{
		Command: command,
		Targets: targets,
		Orgs:    req.Targets.Orgs,
		Timeout: timeout,
	})
	if err != nil {
		return ResultSet{}, err
	}

	if err := e.send(ctx, created); err != nil {
		e.registry.Remove(created.ID)
		e.logger.Error("dispatch failed, request rolled back",
			"request_id", created.ID, "devices", len(created.Targets), "error", err)
		return ResultSet{}, fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	e.registry.MarkDispatched(created.ID)

	for _, o := range e.observers {
		notify(e.logger, created.ID, func() { o.RequestPublished(created) })
	}
	e.logger.Info("request published",
		"request_id", created.ID, "command", command, "devices", len(created.Targets), "orgs", len(created.Orgs))

	if !e.opts.PublishWait {
		return ResultSet{
			RequestID: created.ID,
			Targets:   created.Targets,
			Results:   map[string]Result{},
			State:     StateDispatched,
		}, nil
	}

	return e.wait(ctx, created.ID, nil, timeout)
}

// send delivers the command, retrying only the devices a partial failure
// names.
func (e *Engine) send(ctx context.Context, req Request) error {
	cmd := Command{RequestID: req.ID, Command: req.Command}
	remaining := req.Targets

	_, err := retry(ctx, e.opts.SendRetry, func() (struct{}, error) {
		err := e.channel.Send(ctx, cmd, remaining)
		if err == nil {
			return struct{}{}, nil
		}
		var se *SendError
		if errors.As(err, &se) && len(se.Devices) > 0 {
			remaining = se.Devices
		}
		if ctx.Err() != nil {
			return struct{}{}, permanent(err)
		}
		return struct{}{}, err
	}, func(err error, next time.Duration) {
		sendRetriesTotal.Inc()
		e.logger.Warn("command send failed, retrying",
			"request_id", req.ID, "devices", len(remaining), "retry_in", next, "error", err)
	})
	return err
}

// Results returns whatever has accumulated for a request, waiting up to the
// timeout for missing devices. A partial result is not an error.
func (e *Engine) Results(ctx context.Context, q ResultsQuery) (ResultSet, error) {
	id := strings.TrimSpace(q.RequestID)
	if id == "" {
		return ResultSet{}, ErrMissingRequestID
	}
	timeout, err := e.timeout(q.Timeout)
	if err != nil {
		return ResultSet{}, err
	}
	return e.wait(ctx, id, q.Devices, timeout)
}

func (e *Engine) wait(ctx context.Context, id string, devices []string, timeout time.Duration) (ResultSet, error) {
	start := time.Now()
	snap, err := e.registry.Wait(ctx, id, devices, timeout)

	outcome := waitPartial
	switch {
	case errors.Is(err, ErrUnknownRequest):
		outcome = waitUnknown
	case err != nil:
		outcome = waitCancelled
	case snap.Complete:
		outcome = waitComplete
	}
	resultsWaitDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if errors.Is(err, ErrUnknownRequest) {
		return ResultSet{RequestID: id, Results: map[string]Result{}}, err
	}

	rs := ResultSet{
		RequestID: id,
		Targets:   snap.Request.Targets,
		Results:   snap.Results,
		State:     snap.State,
		Complete:  snap.Complete,
	}
	if rs.Results == nil {
		rs.Results = map[string]Result{}
	}
	return rs, err
}

// timeout applies the default and validates bounds.
func (e *Engine) timeout(t *time.Duration) (time.Duration, error) {
	if t == nil {
		return e.opts.DefaultTimeout, nil
	}
	if *t <= 0 {
		return 0, fmt.Errorf("%w: must be positive, got %v", ErrInvalidTimeout, *t)
	}
	if e.opts.MaxTimeout > 0 && *t > e.opts.MaxTimeout {
		return 0, fmt.Errorf("%w: %v exceeds maximum %v", ErrInvalidTimeout, *t, e.opts.MaxTimeout)
	}
	return *t, nil
}

// Registry exposes the engine's registry for health and history views.
func (e *Engine) Registry() *Registry {
	return e.registry
}
