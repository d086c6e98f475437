package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/dispatchd/internal/dispatch"
	"github.com/nerrad567/dispatchd/internal/infrastructure/database"
	"github.com/nerrad567/dispatchd/migrations"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

var issued = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testRequest(id string, offset time.Duration, devices ...string) dispatch.Request {
	return dispatch.Request{
		ID:       id,
		Command:  "uptime",
		Targets:  devices,
		IssuedAt: issued.Add(offset),
		Timeout:  90 * time.Second,
	}
}

func result(device string, output any, errText string) dispatch.Result {
	return dispatch.Result{
		DeviceID:   device,
		Outcome:    dispatch.Outcome{Output: output, Error: errText},
		ReceivedAt: issued.Add(time.Second),
	}
}

func TestSaveAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	req := testRequest("r1", 0, "d1", "d2")
	req.Orgs = []int{42}
	if err := repo.SaveRequest(ctx, req); err != nil {
		t.Fatalf("SaveRequest() error = %v", err)
	}

	got, err := repo.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Command != "uptime" || fmt.Sprint(got.Devices) != "[d1 d2]" || fmt.Sprint(got.Orgs) != "[42]" {
		t.Errorf("Get() = %+v", got)
	}
	if !got.IssuedAt.Equal(req.IssuedAt) || got.TimeoutMS != 90000 {
		t.Errorf("IssuedAt = %v TimeoutMS = %d", got.IssuedAt, got.TimeoutMS)
	}
	if got.Status != dispatch.StateDispatched || len(got.Results) != 0 {
		t.Errorf("fresh entry status = %q results = %d", got.Status, len(got.Results))
	}
}

func TestSaveResult_AdvancesStatus(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	if err := repo.SaveRequest(ctx, testRequest("r1", 0, "d1", "d2")); err != nil {
		t.Fatalf("SaveRequest() error = %v", err)
	}

	steps := []struct {
		res  dispatch.Result
		want dispatch.State
	}{
		{result("d2", map[string]any{"load": 0.5}, ""), dispatch.StatePartial},
		{result("d2", "late duplicate", ""), dispatch.StatePartial},
		{result("d1", nil, "command not found"), dispatch.StateComplete},
	}

	for i, step := range steps {
		if err := repo.SaveResult(ctx, "r1", step.res); err != nil {
			t.Fatalf("step %d: SaveResult() error = %v", i, err)
		}
		got, err := repo.Get(ctx, "r1")
		if err != nil {
			t.Fatalf("step %d: Get() error = %v", i, err)
		}
		if got.Status != step.want {
			t.Errorf("step %d: status = %q, want %q", i, got.Status, step.want)
		}
	}

	got, _ := repo.Get(ctx, "r1")
	if len(got.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(got.Results))
	}
	d1, d2 := got.Results[0], got.Results[1]
	if d1.DeviceID != "d1" || d1.Output != nil || d1.Error != "command not found" {
		t.Errorf("d1 = %+v", d1)
	}
	if out, ok := d2.Output.(map[string]any); !ok || out["load"] != 0.5 {
		t.Errorf("d2 output = %#v, first reply should be kept", d2.Output)
	}
	if !d2.ReceivedAt.Equal(issued.Add(time.Second)) {
		t.Errorf("d2 ReceivedAt = %v", d2.ReceivedAt)
	}
}

func TestNotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if err := repo.SaveResult(ctx, "missing", result("d1", "x", "")); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveResult() error = %v, want ErrNotFound", err)
	}
}

func TestSaveRequest_Idempotent(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()
	req := testRequest("r1", 0, "d1")

	for range 2 {
		if err := repo.SaveRequest(ctx, req); err != nil {
			t.Fatalf("SaveRequest() error = %v", err)
		}
	}
	list, err := repo.List(ctx, Filter{})
	if err != nil || list.Total != 1 {
		t.Errorf("List() = %+v, %v; want one request", list, err)
	}
}

func TestList(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	for i := range 5 {
		req := testRequest(fmt.Sprintf("r%d", i), time.Duration(i)*time.Minute, "d1")
		if i%2 == 1 {
			req.Command = "reboot"
		}
		if err := repo.SaveRequest(ctx, req); err != nil {
			t.Fatalf("SaveRequest() error = %v", err)
		}
	}
	if err := repo.SaveResult(ctx, "r4", result("d1", "ok", "")); err != nil {
		t.Fatalf("SaveResult() error = %v", err)
	}

	tests := []struct {
		name      string
		filter    Filter
		wantIDs   string
		wantTotal int
	}{
		{"all newest first", Filter{}, "[r4 r3 r2 r1 r0]", 5},
		{"by command", Filter{Command: "reboot"}, "[r3 r1]", 2},
		{"by status", Filter{Status: dispatch.StateComplete}, "[r4]", 1},
		{"paginated", Filter{Limit: 2, Offset: 1}, "[r3 r2]", 5},
		{"negative offset clamps", Filter{Limit: 1, Offset: -3}, "[r4]", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			ids := make([]string, len(got.Requests))
			for i, e := range got.Requests {
				ids[i] = e.ID
			}
			if fmt.Sprint(ids) != tt.wantIDs || got.Total != tt.wantTotal {
				t.Errorf("List() = %v (total %d), want %s (total %d)", ids, got.Total, tt.wantIDs, tt.wantTotal)
			}
		})
	}

	empty, err := repo.List(ctx, Filter{Command: "nothing"})
	if err != nil || empty.Requests == nil || empty.Limit != 50 {
		t.Errorf("empty List() = %+v, %v", empty, err)
	}
}
