package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNullInt64(t *testing.T) {
	tests := []struct {
		name      string
		input     int64
		wantValid bool
	}{
		{"zero returns invalid", 0, false},
		{"positive value returns valid", 123, true},
		{"negative value returns valid", -456, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nullInt64(tt.input)
			if got.Valid != tt.wantValid {
				t.Errorf("nullInt64(%d).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			}
			if got.Valid && got.Int64 != tt.input {
				t.Errorf("nullInt64(%d).Int64 = %d", tt.input, got.Int64)
			}
		})
	}
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"sim_runs", true},
		{"", false},
		{"x'; DROP TABLE sim_runs; --", false},
		{"compute_units2", true},
	}
	for _, tt := range tests {
		if got := isValidIdentifier(tt.in); got != tt.want {
			t.Errorf("isValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// createTestStorage creates a new SQLite storage with a temporary database.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "sim.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createRun(t *testing.T, s *SQLiteStorage, id string, started time.Time) *Run {
	t.Helper()
	market := 10
	run := &Run{
		ID:        id,
		Kind:      "close-market",
		Market:    &market,
		Cluster:   "localnet",
		StartedAt: started,
		Status:    RunStatusRunning,
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func TestNewSQLiteStorage_InvalidPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSQLiteStorage(filepath.Join(file, "sim.db")); err == nil {
		t.Error("expected error for a path below a regular file")
	}
}

func TestColumnMigrationsApplied(t *testing.T) {
	s := createTestStorage(t)
	for _, c := range []struct{ table, column string }{
		{"sim_runs", "cluster"},
		{"sim_runs", "commit_sha"},
		{"sim_events", "compute_units"},
	} {
		if !s.columnExists(c.table, c.column) {
			t.Errorf("column %s.%s missing", c.table, c.column)
		}
	}
	if s.columnExists("sim_runs", "nope") {
		t.Error("columnExists reported a missing column")
	}
}

func TestCreateGetCompleteRun(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "run-1", time.Now().UTC())

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Kind != "close-market" || got.Market == nil || *got.Market != 10 || got.Status != RunStatusRunning {
		t.Errorf("GetRun = %+v", got)
	}
	if got.EndedAt != nil {
		t.Error("running run has EndedAt")
	}

	summary := map[string]int{"settled": 3}
	if err := s.CompleteRun(ctx, "run-1", RunStatusFailed, "settle exhausted", summary); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	got, _ = s.GetRun(ctx, "run-1")
	if got.Status != RunStatusFailed || got.Error != "settle exhausted" || got.EndedAt == nil {
		t.Errorf("completed run = %+v", got)
	}
	var decoded map[string]int
	if err := json.Unmarshal(got.Summary, &decoded); err != nil || decoded["settled"] != 3 {
		t.Errorf("summary = %s", got.Summary)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := createTestStorage(t)
	got, err := s.GetRun(context.Background(), "missing")
	if err != nil || got != nil {
		t.Errorf("GetRun(missing) = %v, %v", got, err)
	}
	if err := s.CompleteRun(context.Background(), "missing", RunStatusCompleted, "", nil); err == nil {
		t.Error("CompleteRun(missing) succeeded")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := createTestStorage(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		createRun(t, s, id, base.Add(time.Duration(i)*time.Minute))
	}

	page, err := s.ListRuns(context.Background(), 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Runs) != 2 {
		t.Fatalf("page = total %d len %d", page.Total, len(page.Runs))
	}
	if page.Runs[0].ID != "c" || page.Runs[1].ID != "b" {
		t.Errorf("order = %s,%s", page.Runs[0].ID, page.Runs[1].ID)
	}
}

func TestEvents(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "run-1", time.Now().UTC())

	ev := &Event{
		RunID:        "run-1",
		Name:         "settle_pnl",
		Timestamp:    time.Now().UTC(),
		Parameters:   json.RawMessage(`{"user_index":1,"market_index":10}`),
		Slot:         42,
		Signature:    "sig",
		ComputeUnits: 12000,
	}
	if err := s.InsertEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID == 0 {
		t.Error("InsertEvent did not set ID")
	}
	bulk := []Event{
		{Name: "close_position", Timestamp: time.Now().UTC(), Error: "user not in market", ComputeUnits: -1},
		{Name: "settle_lp", Timestamp: time.Now().UTC(), ComputeUnits: 9000},
	}
	if err := s.BulkInsertEvents(ctx, "run-1", bulk); err != nil {
		t.Fatal(err)
	}

	page, err := s.GetEvents(ctx, "run-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Events) != 3 {
		t.Fatalf("events = %d/%d", len(page.Events), page.Total)
	}
	first := page.Events[0]
	if first.Slot != 42 || first.Signature != "sig" || string(first.Parameters) != `{"user_index":1,"market_index":10}` {
		t.Errorf("first event = %+v", first)
	}
	if page.Events[1].Error != "user not in market" || page.Events[1].ComputeUnits != -1 {
		t.Errorf("second event = %+v", page.Events[1])
	}
}

func TestBulkInsertEvents_Empty(t *testing.T) {
	s := createTestStorage(t)
	if err := s.BulkInsertEvents(context.Background(), "run-1", nil); err != nil {
		t.Errorf("BulkInsertEvents(nil) = %v", err)
	}
}

func TestSnapshotsAndCascadeDelete(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "run-1", time.Now().UTC())

	for _, phase := range []string{PhaseInitial, PhaseFinal} {
		snap := &Snapshot{RunID: "run-1", Phase: phase, Kind: "perp", MarketIndex: 10, Data: json.RawMessage(`{"status":"active"}`)}
		if err := s.InsertSnapshot(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.InsertEvent(ctx, &Event{RunID: "run-1", Name: "settle_lp", Timestamp: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	snaps, err := s.GetSnapshots(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 || snaps[0].Phase != PhaseInitial || snaps[1].Phase != PhaseFinal {
		t.Fatalf("snapshots = %+v", snaps)
	}

	if err := s.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	snaps, _ = s.GetSnapshots(ctx, "run-1")
	page, _ := s.GetEvents(ctx, "run-1", 10, 0)
	if len(snaps) != 0 || page.Total != 0 {
		t.Errorf("cascade left %d snapshots and %d events", len(snaps), page.Total)
	}
}
