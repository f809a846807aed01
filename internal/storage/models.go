// Package storage persists simulation runs, their events and market snapshots.
package storage

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one invocation of a scenario.
type Run struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Market    *int            `json:"market,omitempty"`
	Cluster   string          `json:"cluster,omitempty"`
	Commit    string          `json:"commit,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
	Status    RunStatus       `json:"status"`
	Error     string          `json:"error,omitempty"`
	Summary   json.RawMessage `json:"summary,omitempty"`
}

// Event is an action or user event sent during a run.
type Event struct {
	ID           int64           `json:"id"`
	RunID        string          `json:"runId"`
	Name         string          `json:"name"`
	Timestamp    time.Time       `json:"timestamp"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Slot         uint64          `json:"slot,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	Error        string          `json:"error,omitempty"`
	ComputeUnits int64           `json:"computeUnits"`
}

// Snapshot phases.
const (
	PhaseInitial = "initial"
	PhaseFinal   = "final"
)

// Snapshot is a market state tuple captured before or after a workflow.
type Snapshot struct {
	RunID       string          `json:"runId"`
	Phase       string          `json:"phase"`
	Kind        string          `json:"kind"`
	MarketIndex uint16          `json:"marketIndex"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// PaginatedRuns is a page of runs.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// PaginatedEvents is a page of a run's events.
type PaginatedEvents struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}
