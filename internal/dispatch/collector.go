package dispatch

import (
	"context"
	"time"
)

// Collector drains a channel's replies into the registry.
type Collector struct {
	registry  *Registry
	observers []Observer
	logger    Logger
}

// NewCollector creates a collector feeding registry. Observers are
// notified in order for every accepted result.
func NewCollector(registry *Registry, logger Logger, observers ...Observer) *Collector {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Collector{
		registry:  registry,
		observers: observers,
		logger:    logger,
	}
}

// Run consumes replies until ctx is done or replies is closed.
func (c *Collector) Run(ctx context.Context, replies <-chan Reply) {
	for {
		select {
		case <-ctx.Done():
			return
		case reply, ok := <-replies:
			if !ok {
				c.logger.Info("reply stream closed, collector stopping")
				return
			}
			c.Ingest(reply)
		}
	}
}

// Ingest validates and records one reply, returning how it was handled.
// Malformed replies are logged and dropped.
func (c *Collector) Ingest(reply Reply) RecordStatus {
	if err := reply.validate(); err != nil {
		repliesTotal.WithLabelValues(replyMalformed).Inc()
		c.logger.Warn("dropping malformed reply",
			"request_id", reply.RequestID, "device_id", reply.DeviceID, "error", err)
		return RecordMalformed
	}

	at := reply.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	status := c.registry.Record(reply.RequestID, reply.DeviceID, reply.Outcome, at)
	repliesTotal.WithLabelValues(status.String()).Inc()
	if status != RecordAccepted || len(c.observers) == 0 {
		return status
	}

	req, err := c.registry.Request(reply.RequestID)
	if err != nil {
		// Expired between record and lookup.
		return status
	}
	result := Result{DeviceID: reply.DeviceID, Outcome: reply.Outcome, ReceivedAt: at}
	for _, o := range c.observers {
		notify(c.logger, req.ID, func() { o.ResultRecorded(req, result) })
	}
	return status
}
