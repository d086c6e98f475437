package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/dispatchd/internal/dispatch"
)

// ErrNotFound is returned when a request is not in the archive.
var ErrNotFound = errors.New("archive: request not found")

// Entry is one archived request with its results.
type Entry struct {
	ID        string         `json:"requestId"`
	Command   string         `json:"command"`
	Devices   []string       `json:"devices"`
	Orgs      []int          `json:"orgs"`
	IssuedAt  time.Time      `json:"issuedAt"`
	TimeoutMS int64          `json:"timeoutMs"`
	Status    dispatch.State `json:"status"`
	Results   []DeviceResult `json:"results,omitempty"`
}

// DeviceResult is one archived device reply.
type DeviceResult struct {
	DeviceID   string    `json:"deviceId"`
	Output     any       `json:"output"`
	Error      string    `json:"error,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Filter controls which requests List returns.
type Filter struct {
	Command string         // optional: exact command text
	Status  dispatch.State // optional: dispatched, partial or complete
	Limit   int            // default 50, max 200
	Offset  int            // pagination offset
}

// ListResult contains one page of archived requests, without results.
type ListResult struct {
	Requests []Entry `json:"requests"`
	Total    int     `json:"total"`
	Limit    int     `json:"limit"`
	Offset   int     `json:"offset"`
}

// Repository defines the archive operations.
type Repository interface {
	SaveRequest(ctx context.Context, req dispatch.Request) error
	SaveResult(ctx context.Context, requestID string, result dispatch.Result) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores the archive in the dispatch_requests and
// device_results tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new archive repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveRequest inserts a dispatched request. Saving the same id twice is a no-op.
func (r *SQLiteRepository) SaveRequest(ctx context.Context, req dispatch.Request) error {
	devices, err := json.Marshal(req.Targets)
	if err != nil {
		return fmt.Errorf("marshalling devices: %w", err)
	}
	orgs := req.Orgs
	if orgs == nil {
		orgs = []int{}
	}
	orgsJSON, err := json.Marshal(orgs)
	if err != nil {
		return fmt.Errorf("marshalling orgs: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO dispatch_requests (id, command, devices, orgs, issued_at, timeout_ms, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		req.ID, req.Command, string(devices), string(orgsJSON),
		req.IssuedAt.UTC().Format(time.RFC3339Nano),
		req.Timeout.Milliseconds(),
		string(dispatch.StateDispatched),
	)
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

// SaveResult stores a device result and advances the request status to
// partial or complete. The first result per device is kept.
func (r *SQLiteRepository) SaveResult(ctx context.Context, requestID string, result dispatch.Result) error {
	var output *string
	if result.Outcome.Output != nil {
		b, err := json.Marshal(result.Outcome.Output)
		if err != nil {
			return fmt.Errorf("marshalling output: %w", err)
		}
		s := string(b)
		output = &s
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	res, err := tx.ExecContext(ctx,
		`INSERT INTO device_results (request_id, device_id, output, error, received_at)
		 SELECT ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM dispatch_requests WHERE id = ?)
		 ON CONFLICT(request_id, device_id) DO NOTHING`,
		requestID, result.DeviceID, output, result.Outcome.Error,
		result.ReceivedAt.UTC().Format(time.RFC3339Nano),
		requestID,
	)
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		// Duplicate device, or a request that was never archived.
		return requestExists(ctx, tx, requestID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE dispatch_requests SET status = CASE
		     WHEN (SELECT COUNT(*) FROM device_results WHERE request_id = ?) >= json_array_length(devices) THEN ?
		     ELSE ? END
		 WHERE id = ?`,
		requestID, string(dispatch.StateComplete), string(dispatch.StatePartial), requestID,
	)
	if err != nil {
		return fmt.Errorf("updating request status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing result: %w", err)
	}
	return nil
}

func requestExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM dispatch_requests WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("checking request: %w", err)
	}
	return nil
}

// Get returns a request and all of its results, ordered by device id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Entry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, command, devices, orgs, issued_at, timeout_ms, status
		 FROM dispatch_requests WHERE id = ?`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT device_id, output, error, received_at
		 FROM device_results WHERE request_id = ? ORDER BY device_id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var res DeviceResult
		var output sql.NullString
		var receivedAt string
		if err := rows.Scan(&res.DeviceID, &output, &res.Error, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		if output.Valid {
			if err := json.Unmarshal([]byte(output.String), &res.Output); err != nil {
				return nil, fmt.Errorf("decoding output for %s: %w", res.DeviceID, err)
			}
		}
		if res.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt); err != nil {
			return nil, fmt.Errorf("parsing received_at %q: %w", receivedAt, err)
		}
		e.Results = append(e.Results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}
	return e, nil
}

// List returns requests matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for history queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Command != "" {
		conditions = append(conditions, "command = ?")
		args = append(args, filter.Command)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM dispatch_requests %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting requests: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, command, devices, orgs, issued_at, timeout_ms, status
		 FROM dispatch_requests %s ORDER BY issued_at DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating requests: %w", err)
	}

	return &ListResult{
		Requests: entries,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var devices, orgs, issuedAt, status string
	var timeoutMS int64

	if err := s.Scan(&e.ID, &e.Command, &devices, &orgs, &issuedAt, &timeoutMS, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning request: %w", err)
	}
	if err := json.Unmarshal([]byte(devices), &e.Devices); err != nil {
		return nil, fmt.Errorf("decoding devices for %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(orgs), &e.Orgs); err != nil {
		return nil, fmt.Errorf("decoding orgs for %s: %w", e.ID, err)
	}

	t, err := time.Parse(time.RFC3339Nano, issuedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing issued_at %q: %w", issuedAt, err)
	}
	e.IssuedAt = t
	e.TimeoutMS = timeoutMS
	e.Status = dispatch.State(status)
	return &e, nil
}
