// Package types contains public API types for the simulation harness.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// RunKind names a workflow.
type RunKind string

const (
	KindCloseMarket      RunKind = "close-market"
	KindExperiment       RunKind = "experiment"
	KindOracleJump       RunKind = "oracle-jump"
	KindMoveOracle       RunKind = "move-oracle"
	KindQuoteToZero      RunKind = "quote-to-zero"
	KindExchangeBehavior RunKind = "exchange-behavior"
	KindCreateTester     RunKind = "create-tester"
	KindValidate         RunKind = "validate"
	KindReplay           RunKind = "replay"
)

// RunStatus represents the current run state.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Phase is the step a workflow is currently executing.
type Phase string

const (
	PhaseNone             Phase = ""
	PhaseLoadingUsers     Phase = "loading_users"
	PhaseRecordingInitial Phase = "recording_initial"
	PhaseScheduling       Phase = "scheduling_expiry"
	PhaseRemovingLP       Phase = "removing_liquidity"
	PhaseSettlingMarket   Phase = "settling_market"
	PhaseSettlingUsers    Phase = "settling_users"
	PhaseRecordingFinal   Phase = "recording_final"
	PhaseCancelingOrders  Phase = "canceling_orders"
	PhaseMovingOracle     Phase = "moving_oracle"
	PhaseWaitingForKeeper Phase = "waiting_for_keeper"
	PhaseExecutingActions Phase = "executing_actions"
	PhaseReplaying        Phase = "replaying"
	PhaseValidating       Phase = "validating"
)

// StatusResponse is the response for GET /v1/status.
type StatusResponse struct {
	Status    RunStatus  `json:"status"`
	RunID     string     `json:"runId,omitempty"`
	Kind      RunKind    `json:"kind,omitempty"`
	Market    *int       `json:"market,omitempty"`
	Phase     Phase      `json:"phase,omitempty"`
	Message   string     `json:"message,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ElapsedMs int64      `json:"elapsedMs"`
	Events    int        `json:"events"`
	Failures  int        `json:"failures"`
	LastEvent string     `json:"lastEvent,omitempty"`
	Error     string     `json:"error,omitempty"`
	// Seq increases with every change and orders streamed updates.
	Seq uint64 `json:"seq"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version,omitempty"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ReadinessCheck is one dependency check of GET /ready.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ReadyResponse is the response for GET /ready.
type ReadyResponse struct {
	Ready  bool             `json:"ready"`
	Slot   uint64           `json:"slot,omitempty"`
	Checks []ReadinessCheck `json:"checks"`
}

// ErrorResponse is returned for failed API requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
