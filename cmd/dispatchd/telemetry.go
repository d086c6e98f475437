package main

import (
	"time"

	"github.com/nerrad567/dispatchd/internal/dispatch"
)

// telemetryWriter is the subset of the InfluxDB client used for metrics.
type telemetryWriter interface {
	WriteDispatch(requestID, command string, devices int, at time.Time)
	WriteReply(requestID, deviceID string, failed bool, latency time.Duration, at time.Time)
}

// telemetryObserver forwards engine and collector events to the time-series
// store. Writes are non-blocking and batched by the client.
type telemetryObserver struct {
	w telemetryWriter
}

// RequestPublished records a fan-out.
func (o telemetryObserver) RequestPublished(req dispatch.Request) {
	o.w.WriteDispatch(req.ID, req.Command, len(req.Targets), req.IssuedAt)
}

// ResultRecorded records one reply and its round-trip latency.
func (o telemetryObserver) ResultRecorded(req dispatch.Request, result dispatch.Result) {
	latency := result.ReceivedAt.Sub(req.IssuedAt)
	if latency < 0 {
		latency = 0
	}
	o.w.WriteReply(req.ID, result.DeviceID, result.Outcome.Failed(), latency, result.ReceivedAt)
}
