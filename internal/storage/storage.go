package storage

import "context"

// Storage defines the persistence interface for simulation history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, status RunStatus, errMsg string, summary any) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error

	// Events and market snapshots recorded while a run is active
	InsertEvent(ctx context.Context, ev *Event) error
	BulkInsertEvents(ctx context.Context, runID string, events []Event) error
	GetEvents(ctx context.Context, runID string, limit, offset int) (*PaginatedEvents, error)
	InsertSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshots(ctx context.Context, runID string) ([]Snapshot, error)

	// Lifecycle
	Close() error
}
