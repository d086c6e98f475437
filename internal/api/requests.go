package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/dispatchd/internal/archive"
	"github.com/nerrad567/dispatchd/internal/dispatch"
)

// handleListRequests returns paginated archived requests, newest first.
//
// Query parameters:
//   - command: filter by exact command text
//   - status: filter by dispatched, partial or complete
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "request archive not configured")
		return
	}

	q := r.URL.Query()
	filter := archive.Filter{
		Command: q.Get("command"),
		Status:  dispatch.State(q.Get("status")),
	}
	switch filter.Status {
	case "", dispatch.StateDispatched, dispatch.StatePartial, dispatch.StateComplete:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "status must be dispatched, partial or complete")
		return
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.archive.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list archived requests", "error", err)
		writeInternalError(w, "failed to list requests")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleGetRequest returns one archived request with every device result.
// Unlike POST /results it never waits and survives registry expiry.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "request archive not configured")
		return
	}

	id := chi.URLParam(r, "id")
	entry, err := s.archive.Get(r.Context(), id)
	if errors.Is(err, archive.ErrNotFound) {
		writeNotFound(w, "request not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get archived request", "request_id", id, "error", err)
		writeInternalError(w, "failed to get request")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}
