package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) the database at dbPath.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sim_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		market INTEGER,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		status TEXT NOT NULL,
		error TEXT,
		summary TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sim_runs_started ON sim_runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS sim_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES sim_runs(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		parameters TEXT,
		slot INTEGER,
		signature TEXT,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sim_events_run ON sim_events(run_id);

	CREATE TABLE IF NOT EXISTS market_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES sim_runs(id) ON DELETE CASCADE,
		phase TEXT NOT NULL,
		kind TEXT NOT NULL,
		market_index INTEGER NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_market_snapshots_run ON market_snapshots(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema version
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"sim_runs", "cluster", "ALTER TABLE sim_runs ADD COLUMN cluster TEXT"},
		{"sim_runs", "commit_sha", "ALTER TABLE sim_runs ADD COLUMN commit_sha TEXT"},
		{"sim_events", "compute_units", "ALTER TABLE sim_events ADD COLUMN compute_units INTEGER DEFAULT -1"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				slog.Warn("migration failed",
					slog.String("table", m.table),
					slog.String("column", m.column),
					slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// columnExists checks if a column exists in a table. Identifiers are
// validated before being interpolated.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier reports whether s only holds alphanumerics and underscores.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	var market sql.NullInt64
	if run.Market != nil {
		market = sql.NullInt64{Int64: int64(*run.Market), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sim_runs (id, kind, market, started_at, status, cluster, commit_sha)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Kind, market, run.StartedAt, run.Status, nullString(run.Cluster), nullString(run.Commit))
	return err
}

// CompleteRun sets the final status, error and JSON summary of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id string, status RunStatus, errMsg string, summary any) error {
	var summaryJSON sql.NullString
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		summaryJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sim_runs SET ended_at = ?, status = ?, error = ?, summary = ?
		WHERE id = ?
	`, time.Now(), status, nullString(errMsg), summaryJSON, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

const runColumns = `id, kind, market, started_at, ended_at, status, error, summary, cluster, commit_sha`

// GetRun returns a run, or nil when it does not exist.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sim_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sim_runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM sim_runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{Runs: runs, Total: total, Limit: limit, Offset: offset}, nil
}

// DeleteRun deletes a run with its events and snapshots.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sim_runs WHERE id = ?", id)
	return err
}

const insertEvent = `
	INSERT INTO sim_events (run_id, name, timestamp, parameters, slot, signature, error, compute_units)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

// InsertEvent appends one event and sets its ID.
func (s *SQLiteStorage) InsertEvent(ctx context.Context, ev *Event) error {
	res, err := s.db.ExecContext(ctx, insertEvent, eventArgs(ev.RunID, ev)...)
	if err != nil {
		return err
	}
	ev.ID, err = res.LastInsertId()
	return err
}

// BulkInsertEvents inserts events in a single transaction.
func (s *SQLiteStorage) BulkInsertEvents(ctx context.Context, runID string, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := stmt.ExecContext(ctx, eventArgs(runID, &events[i])...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func eventArgs(runID string, ev *Event) []any {
	var params sql.NullString
	if len(ev.Parameters) > 0 {
		params = sql.NullString{String: string(ev.Parameters), Valid: true}
	}
	return []any{runID, ev.Name, ev.Timestamp, params, nullInt64(int64(ev.Slot)),
		nullString(ev.Signature), nullString(ev.Error), ev.ComputeUnits}
}

// GetEvents returns a page of a run's events in insertion order.
func (s *SQLiteStorage) GetEvents(ctx context.Context, runID string, limit, offset int) (*PaginatedEvents, error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sim_events WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, timestamp, parameters, slot, signature, error, COALESCE(compute_units, -1)
		FROM sim_events
		WHERE run_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		var params, signature, errMsg sql.NullString
		var slot sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Name, &ev.Timestamp, &params, &slot,
			&signature, &errMsg, &ev.ComputeUnits); err != nil {
			return nil, err
		}
		if params.Valid {
			ev.Parameters = json.RawMessage(params.String)
		}
		if slot.Valid {
			ev.Slot = uint64(slot.Int64)
		}
		ev.Signature = signature.String
		ev.Error = errMsg.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedEvents{Events: events, Total: total, Limit: limit, Offset: offset}, nil
}

// InsertSnapshot stores a market snapshot.
func (s *SQLiteStorage) InsertSnapshot(ctx context.Context, snap *Snapshot) error {
	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_snapshots (run_id, phase, kind, market_index, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.RunID, snap.Phase, snap.Kind, snap.MarketIndex, string(snap.Data), created)
	return err
}

// GetSnapshots returns a run's snapshots in insertion order.
func (s *SQLiteStorage) GetSnapshots(ctx context.Context, runID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, phase, kind, market_index, data, created_at
		FROM market_snapshots
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snaps := []Snapshot{}
	for rows.Next() {
		var snap Snapshot
		var data string
		if err := rows.Scan(&snap.RunID, &snap.Phase, &snap.Kind, &snap.MarketIndex, &data, &snap.CreatedAt); err != nil {
			return nil, err
		}
		snap.Data = json.RawMessage(data)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var market sql.NullInt64
	var endedAt sql.NullTime
	var errMsg, summary, cluster, commit sql.NullString

	if err := row.Scan(&run.ID, &run.Kind, &market, &run.StartedAt, &endedAt, &run.Status,
		&errMsg, &summary, &cluster, &commit); err != nil {
		return nil, err
	}
	if market.Valid {
		m := int(market.Int64)
		run.Market = &m
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if summary.Valid && summary.String != "" {
		if json.Valid([]byte(summary.String)) {
			run.Summary = json.RawMessage(summary.String)
		} else {
			slog.Warn("invalid run summary JSON", slog.String("run_id", run.ID))
		}
	}
	run.Error = errMsg.String
	run.Cluster = cluster.String
	run.Commit = commit.String
	return &run, nil
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

var _ Storage = (*SQLiteStorage)(nil)
