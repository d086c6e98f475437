package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// commandName is the verb devices expect in every command envelope.
const commandName = "runCommand"

// Command is what the channel delivers to every target device.
type Command struct {
	RequestID string
	Command   string
}

// Reply is one message surfaced by a channel.
//
// Err is set when the transport could not decode the message; the
// collector treats such replies, and replies lacking either id, as malformed.
type Reply struct {
	RequestID  string
	DeviceID   string
	Outcome    Outcome
	ReceivedAt time.Time
	Err        error
}

// Channel is the transport between dispatchd and devices.
//
// Send must deliver cmd to every device in targets. If only some devices
// could not be reached it returns a *SendError naming them, so the caller
// can retry those alone. Replies is closed when the channel shuts down.
type Channel interface {
	Send(ctx context.Context, cmd Command, targets []string) error
	Replies() <-chan Reply
}

// SendError reports the devices a Send could not reach.
type SendError struct {
	Devices []string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %d device(s) failed: %v", len(e.Devices), e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// commandEnvelope is the JSON body of a command.
type commandEnvelope struct {
	Command   string      `json:"command"`
	RequestID string      `json:"requestId"`
	Data      commandData `json:"data"`
}

type commandData struct {
	Command string `json:"command"`
}

// replyEnvelope is the JSON body of a device reply.
type replyEnvelope struct {
	RequestID string          `json:"requestId"`
	DeviceID  string          `json:"deviceId"`
	Output    json.RawMessage `json:"output"`
	Error     string          `json:"error"`
}

// EncodeCommand renders the command envelope sent to devices:
//
//	{"command":"runCommand","requestId":"…","data":{"command":"uptime"}}
func EncodeCommand(cmd Command) ([]byte, error) {
	b, err := json.Marshal(commandEnvelope{
		Command:   commandName,
		RequestID: cmd.RequestID,
		Data:      commandData{Command: cmd.Command},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	return b, nil
}

// DecodeReply parses a device reply. fallbackDevice is used when the
// payload omits deviceId (MQTT carries it in the topic). Decoding errors
// are returned inside Reply.Err so the collector can account for them.
func DecodeReply(payload []byte, fallbackDevice string, receivedAt time.Time) Reply {
	reply := Reply{ReceivedAt: receivedAt}

	var env replyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		reply.Err = fmt.Errorf("%w: %w", ErrMalformedReply, err)
		return reply
	}

	reply.RequestID = strings.TrimSpace(env.RequestID)
	reply.DeviceID = strings.TrimSpace(env.DeviceID)
	if reply.DeviceID == "" {
		reply.DeviceID = fallbackDevice
	}
	reply.Outcome.Error = env.Error

	if len(env.Output) > 0 {
		var output any
		if err := json.Unmarshal(env.Output, &output); err != nil {
			reply.Err = fmt.Errorf("%w: output: %w", ErrMalformedReply, err)
			return reply
		}
		reply.Outcome.Output = output
	}
	return reply
}

// validate reports why a reply cannot be recorded, or nil.
func (r Reply) validate() error {
	switch {
	case r.Err != nil:
		return r.Err
	case r.RequestID == "":
		return fmt.Errorf("%w: missing request id", ErrMalformedReply)
	case r.DeviceID == "":
		return fmt.Errorf("%w: missing device id", ErrMalformedReply)
	}
	return nil
}
