package dispatch

import "errors"

// Sentinel errors for the dispatch engine.
// Callers check them with errors.Is; the API maps each to a response status.
var (
	// ErrInvalidTarget is returned when neither devices nor orgs are given,
	// or the target set resolves to no devices.
	ErrInvalidTarget = errors.New("no devices provided")

	// ErrMissingCommand is returned when publish is called without a command.
	ErrMissingCommand = errors.New("command is required")

	// ErrMissingRequestID is returned when results is called without a request id.
	ErrMissingRequestID = errors.New("requestId is required")

	// ErrAuthRequired is returned when orgs are given without a username and password.
	ErrAuthRequired = errors.New("username and password are required to aggregate devices by org")

	// ErrResolution is returned when the directory cannot expand an org.
	ErrResolution = errors.New("target resolution failed")

	// ErrUnknownOrg is returned by a Directory for an org it does not know.
	// It is never retried.
	ErrUnknownOrg = errors.New("unknown org")

	// ErrCredentialsRejected is returned by a Directory that refused the
	// supplied credentials. It is never retried.
	ErrCredentialsRejected = errors.New("directory rejected credentials")

	// ErrTooManyDevices is returned when the resolved target set exceeds the configured cap.
	ErrTooManyDevices = errors.New("too many devices")

	// ErrUnknownRequest is returned for a request id that was never issued or has expired.
	ErrUnknownRequest = errors.New("unknown or expired request")

	// ErrInvalidTimeout is returned for a zero, negative or over-limit timeout.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrMalformedReply marks a reply that lacks a request or device id.
	// It is logged and counted, never returned to an API caller.
	ErrMalformedReply = errors.New("malformed reply")

	// ErrDispatch is returned when the transport would not accept the command.
	ErrDispatch = errors.New("dispatch failed")
)
