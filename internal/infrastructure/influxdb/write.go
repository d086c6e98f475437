package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementDispatch = "dispatch"
	measurementReply    = "dispatch_reply"
)

// WriteDispatch records one published request.
//
// Commands are free-form text, so they are stored as a field next to the
// request id rather than as a tag.
//
// Example:
//
//	client.WriteDispatch(id, "uptime", 12, time.Now())
func (c *Client) WriteDispatch(requestID, command string, devices int, at time.Time) {
	c.writePoint(measurementDispatch,
		nil,
		map[string]any{
			"request_id": requestID,
			"command":    command,
			"devices":    devices,
		},
		at,
	)
}

// WriteReply records one accepted device reply and how long after issue it arrived.
func (c *Client) WriteReply(requestID, deviceID string, failed bool, latency time.Duration, at time.Time) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	c.writePoint(measurementReply,
		map[string]string{
			"device_id": deviceID,
			"outcome":   outcome,
		},
		map[string]any{
			"request_id": requestID,
			"latency_ms": latency.Milliseconds(),
		},
		at,
	)
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
