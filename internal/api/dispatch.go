package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/nerrad567/dispatchd/internal/dispatch"
)

// defaultNamespaceID is the directory namespace used when publish omits one.
const defaultNamespaceID = 1000

// maxTimeoutSeconds keeps a caller-supplied timeout inside time.Duration.
const maxTimeoutSeconds = float64(math.MaxInt64 / int64(time.Second))

var errBadBody = errors.New("invalid request body")

// publishRequest is the POST /publish body.
type publishRequest struct {
	Devices     []string `json:"devices"`
	Command     string   `json:"command"`
	Orgs        []int    `json:"orgs"`
	Timeout     *float64 `json:"timeout"` // seconds
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	NamespaceID *int     `json:"namespaceId"`
}

// resultsRequest is the POST /results body.
type resultsRequest struct {
	Devices   []string `json:"devices"`
	RequestID string   `json:"requestId"`
	Timeout   *float64 `json:"timeout"` // seconds
}

// envelope is the response of both dispatch endpoints.
// Results is never nil so it always serialises as an object.
type envelope struct {
	RequestID string                      `json:"requestId,omitempty"`
	Results   map[string]dispatch.Outcome `json:"results"`
	Devices   []string                    `json:"devices,omitempty"`
	State     dispatch.State              `json:"state,omitempty"`
	Complete  bool                        `json:"complete"`
	Error     *string                     `json:"error"`
	Message   string                      `json:"message"`
}

// handlePublish resolves targets, dispatches the command and returns the
// request id (and results, when the engine waits on publish).
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body publishRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeDispatchError(w, "", err)
		return
	}

	timeout, err := secondsTimeout(body.Timeout)
	if err != nil {
		s.writeDispatchError(w, "", err)
		return
	}

	ns := defaultNamespaceID
	if body.NamespaceID != nil {
		ns = *body.NamespaceID
	}

	var creds *dispatch.Credentials
	if body.Username != "" || body.Password != "" {
		creds = &dispatch.Credentials{Username: body.Username, Password: body.Password}
	}

	rs, err := s.engine.Publish(r.Context(), dispatch.PublishRequest{
		Command: body.Command,
		Targets: dispatch.TargetSpec{
			Devices:     body.Devices,
			Orgs:        body.Orgs,
			Namespace:   ns,
			Credentials: creds,
		},
		Timeout: timeout,
	})
	if err != nil {
		s.writeDispatchError(w, rs.RequestID, err)
		return
	}

	env := newEnvelope(rs)
	env.Devices = rs.Targets
	env.Message = msgOK
	writeJSON(w, http.StatusOK, env)
}

// handleResults waits up to the timeout for replies to a request.
// Whatever arrived by then is returned; a partial set is not an error.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	var body resultsRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeDispatchError(w, "", err)
		return
	}

	timeout, err := secondsTimeout(body.Timeout)
	if err != nil {
		s.writeDispatchError(w, body.RequestID, err)
		return
	}

	rs, err := s.engine.Results(r.Context(), dispatch.ResultsQuery{
		RequestID: body.RequestID,
		Devices:   body.Devices,
		Timeout:   timeout,
	})
	if err != nil {
		if r.Context().Err() != nil {
			// Caller went away; nobody is left to read a response.
			return
		}
		s.writeDispatchError(w, body.RequestID, err)
		return
	}

	env := newEnvelope(rs)
	env.Message = msgOK
	if len(env.Results) == 0 {
		env.Message = msgNoResults
	}
	writeJSON(w, http.StatusOK, env)
}

// writeDispatchError writes the envelope for a call that could not be satisfied.
func (s *Server) writeDispatchError(w http.ResponseWriter, requestID string, err error) {
	status := dispatchStatus(err)
	msg := s.errorText(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("dispatch call failed", "request_id", requestID, "status", status, "error", err)
	} else {
		s.logger.Debug("dispatch call rejected", "request_id", requestID, "status", status, "error", err)
	}
	writeJSON(w, status, envelope{
		RequestID: requestID,
		Results:   map[string]dispatch.Outcome{},
		Error:     &msg,
		Message:   msgError,
	})
}

// errorText is the envelope error string for err.
func (s *Server) errorText(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrTooManyDevices) && s.maxDevices > 0:
		return fmt.Sprintf("Request is for too many devices. Max allowed: %d", s.maxDevices)
	case errors.Is(err, dispatch.ErrAuthRequired):
		return "You must provide a directory username and password to aggregate devices by org"
	case errors.Is(err, dispatch.ErrInvalidTarget):
		return "No devices provided"
	default:
		return err.Error()
	}
}

func newEnvelope(rs dispatch.ResultSet) envelope {
	results := make(map[string]dispatch.Outcome, len(rs.Results))
	for device, res := range rs.Results {
		results[device] = res.Outcome
	}
	return envelope{
		RequestID: rs.RequestID,
		Results:   results,
		State:     rs.State,
		Complete:  rs.Complete,
	}
}

// decodeBody decodes a JSON request body. Unknown fields are ignored.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadBody, err)
	}
	return nil
}

// secondsTimeout converts an optional seconds value into an engine timeout.
// Validation of zero and negative values is left to the engine.
func secondsTimeout(seconds *float64) (*time.Duration, error) {
	if seconds == nil {
		return nil, nil //nolint:nilnil // nil means "use the default"
	}
	if math.Abs(*seconds) > maxTimeoutSeconds {
		return nil, fmt.Errorf("%w: %v seconds is out of range", dispatch.ErrInvalidTimeout, *seconds)
	}
	d := time.Duration(*seconds * float64(time.Second))
	return &d, nil
}
