package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/dispatchd/internal/dispatch"
)

// Error represents a structured error response for non-dispatch endpoints.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeInternal    = "internal_error"
	ErrCodeUnavailable = "unavailable"
)

// Envelope messages.
const (
	msgOK        = "OK"
	msgError     = "Error"
	msgNoResults = "No results found. Either the requestId is incorrect, or wait longer for responses."
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// dispatchStatus maps an engine error to an HTTP status.
func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrCredentialsRejected):
		return http.StatusUnauthorized
	case errors.Is(err, dispatch.ErrResolution), errors.Is(err, dispatch.ErrDispatch):
		return http.StatusBadGateway
	case errors.Is(err, dispatch.ErrInvalidTarget),
		errors.Is(err, dispatch.ErrInvalidTimeout),
		errors.Is(err, dispatch.ErrTooManyDevices),
		errors.Is(err, dispatch.ErrAuthRequired),
		errors.Is(err, dispatch.ErrMissingCommand),
		errors.Is(err, dispatch.ErrMissingRequestID):
		return http.StatusBadRequest
	case errors.Is(err, errBadBody):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
