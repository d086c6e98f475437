package dispatch

import (
	"context"
	"time"
)

// DefaultTimeout applies when a caller does not supply a timeout.
const DefaultTimeout = 60 * time.Second

// Outcome is what a device reported for a command.
// A non-empty Error marks a failed execution; Output is any JSON value.
type Outcome struct {
	Output any    `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Failed reports whether the device reported an error.
func (o Outcome) Failed() bool {
	return o.Error != ""
}

// Result is one device's reply to a request.
type Result struct {
	DeviceID   string    `json:"deviceId"`
	Outcome    Outcome   `json:"outcome"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Request is a dispatched command and its resolved targets.
// It is immutable once created.
type Request struct {
	ID       string        `json:"requestId"`
	Command  string        `json:"command"`
	Targets  []string      `json:"devices"`
	Orgs     []int         `json:"orgs,omitempty"`
	IssuedAt time.Time     `json:"issuedAt"`
	Timeout  time.Duration `json:"timeout"`
}

// State is the lifecycle position of a request.
type State string

// Request states. Partial repeats while results arrive and an entry stays
// Complete until it expires. Expiry evicts the entry, so it is never a
// reported state: lookups fail with ErrUnknownRequest instead.
const (
	StateCreated    State = "created"
	StateDispatched State = "dispatched"
	StatePartial    State = "partial"
	StateComplete   State = "complete"
)

// Credentials authenticate org expansion against the directory.
// They are passed per request and never stored.
type Credentials struct {
	Username string
	Password string
}

// Valid reports whether both fields are set.
func (c *Credentials) Valid() bool {
	return c != nil && c.Username != "" && c.Password != ""
}

// TargetSpec is a raw, unresolved target description.
type TargetSpec struct {
	Devices     []string
	Orgs        []int
	Namespace   int
	Credentials *Credentials
}

// Directory expands an org into its member devices.
//
// Implementations return ErrUnknownOrg or ErrCredentialsRejected (wrapped)
// for permanent failures; anything else is treated as transient and retried.
type Directory interface {
	OrgDevices(ctx context.Context, org, namespace int, creds Credentials) ([]string, error)
}

// Logger defines the logging interface used across the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
