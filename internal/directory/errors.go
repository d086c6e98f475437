package directory

import "errors"

var (
	// ErrUnexpectedStatus is returned for directory responses that are
	// neither success nor a recognised permanent failure. It is retried.
	ErrUnexpectedStatus = errors.New("directory: unexpected response status")

	// ErrInvalidResponse is returned when a response body cannot be decoded.
	ErrInvalidResponse = errors.New("directory: invalid response body")

	// ErrInvalidConfig is returned for unusable directory settings.
	ErrInvalidConfig = errors.New("directory: invalid configuration")
)
