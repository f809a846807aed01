// Package simulator tracks workflow runs: their status, the events they
// send and the market snapshots they record.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/perpsim/internal/event"
	"github.com/gateway-fm/perpsim/internal/metrics"
	"github.com/gateway-fm/perpsim/internal/storage"
	"github.com/gateway-fm/perpsim/pkg/types"
)

// ErrRunActive is returned by Start while another run is in progress.
var ErrRunActive = errors.New("a run is already in progress")

// Runner owns the single active run and the last known status.
type Runner struct {
	store   storage.Storage
	metrics *metrics.PrometheusMetrics
	cluster string
	commit  string
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	status types.StatusResponse
	active *Run
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Store is optional; without it runs are tracked in memory only.
	Store   storage.Storage
	Metrics *metrics.PrometheusMetrics
	Cluster string
	Commit  string
	Logger  *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Metrics.SetRunStatus(string(types.StatusIdle))
	return &Runner{
		store:   cfg.Store,
		metrics: cfg.Metrics,
		cluster: cfg.Cluster,
		commit:  cfg.Commit,
		logger:  logger,
		now:     time.Now,
		status:  types.StatusResponse{Status: types.StatusIdle},
	}
}

// Status returns the current run status.
func (r *Runner) Status() types.StatusResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.status
	switch {
	case s.StartedAt != nil && s.EndedAt != nil:
		s.ElapsedMs = s.EndedAt.Sub(*s.StartedAt).Milliseconds()
	case s.StartedAt != nil:
		s.ElapsedMs = r.now().Sub(*s.StartedAt).Milliseconds()
	}
	return s
}

// Store returns the backing storage, or nil.
func (r *Runner) Store() storage.Storage {
	return r.store
}

// Start begins a run of kind. market is nil for workflows that are not
// bound to one perp market.
func (r *Runner) Start(ctx context.Context, kind types.RunKind, market *int) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, ErrRunActive
	}

	now := r.now().UTC()
	run := &Run{
		runner: r,
		id:     uuid.NewString(),
		kind:   kind,
	}
	if r.store != nil {
		if err := r.store.CreateRun(ctx, &storage.Run{
			ID:        run.id,
			Kind:      string(kind),
			Market:    market,
			Cluster:   r.cluster,
			Commit:    r.commit,
			StartedAt: now,
			Status:    storage.RunStatusRunning,
		}); err != nil {
			return nil, fmt.Errorf("create run: %w", err)
		}
	}

	r.active = run
	r.status = types.StatusResponse{
		Status:    types.StatusRunning,
		RunID:     run.id,
		Kind:      kind,
		Market:    market,
		StartedAt: &now,
		Seq:       r.status.Seq + 1,
	}
	r.metrics.SetRunStatus(string(types.StatusRunning))
	r.logger.Info("run started",
		slog.String("run_id", run.id),
		slog.String("kind", string(kind)))
	return run, nil
}

func (r *Runner) update(run *Run, fn func(*types.StatusResponse)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != run {
		return
	}
	fn(&r.status)
	r.status.Seq++
}

// Run is an active workflow run. It implements event.Sink.
type Run struct {
	runner *Runner
	id     string
	kind   types.RunKind
	once   sync.Once
}

var _ event.Sink = (*Run)(nil)

// ID returns the run ID.
func (run *Run) ID() string { return run.id }

// Kind returns the workflow kind.
func (run *Run) Kind() types.RunKind { return run.kind }

// SetPhase records the step the workflow is executing.
func (run *Run) SetPhase(phase types.Phase, message string) {
	run.runner.update(run, func(s *types.StatusResponse) {
		s.Phase = phase
		s.Message = message
	})
	run.runner.logger.Info("run phase",
		slog.String("run_id", run.id),
		slog.String("phase", string(phase)),
		slog.String("message", message))
}

// Record stores an event outcome. Storage failures are logged.
func (run *Run) Record(ctx context.Context, rec event.Record) {
	run.runner.update(run, func(s *types.StatusResponse) {
		s.Events++
		if rec.Error != "" {
			s.Failures++
		}
		s.LastEvent = rec.Name
	})
	if run.runner.store == nil {
		return
	}
	ev := &storage.Event{
		RunID:        run.id,
		Name:         rec.Name,
		Timestamp:    rec.Timestamp,
		Parameters:   rec.Parameters,
		Slot:         rec.Slot,
		Signature:    rec.Signature,
		Error:        rec.Error,
		ComputeUnits: rec.ComputeUnits,
	}
	if err := run.runner.store.InsertEvent(ctx, ev); err != nil {
		run.runner.logger.Warn("failed to store event",
			slog.String("run_id", run.id),
			slog.String("event", rec.Name),
			slog.String("error", err.Error()))
	}
}

// Snapshot stores a market state tuple. Storage failures are logged.
func (run *Run) Snapshot(ctx context.Context, phase, kind string, market uint16, data any) {
	if run.runner.store == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		run.runner.logger.Warn("failed to encode snapshot", slog.String("error", err.Error()))
		return
	}
	if err := run.runner.store.InsertSnapshot(ctx, &storage.Snapshot{
		RunID:       run.id,
		Phase:       phase,
		Kind:        kind,
		MarketIndex: market,
		Data:        raw,
		CreatedAt:   run.runner.now().UTC(),
	}); err != nil {
		run.runner.logger.Warn("failed to store snapshot",
			slog.String("run_id", run.id),
			slog.String("error", err.Error()))
	}
}

// Finish ends the run as completed when runErr is nil, else failed.
// Only the first call has an effect.
func (run *Run) Finish(ctx context.Context, runErr error, summary any) {
	run.once.Do(func() {
		r := run.runner
		status, apiStatus, msg := storage.RunStatusCompleted, types.StatusCompleted, ""
		if runErr != nil {
			status, apiStatus, msg = storage.RunStatusFailed, types.StatusFailed, runErr.Error()
		}

		if r.store != nil {
			if err := r.store.CompleteRun(ctx, run.id, status, msg, summary); err != nil {
				r.logger.Warn("failed to complete run",
					slog.String("run_id", run.id),
					slog.String("error", err.Error()))
			}
		}

		now := r.now().UTC()
		r.mu.Lock()
		r.status.Status = apiStatus
		r.status.Error = msg
		r.status.EndedAt = &now
		r.status.Phase = types.PhaseNone
		r.status.Seq++
		r.active = nil
		r.mu.Unlock()

		r.metrics.SetRunStatus(string(apiStatus))
		attrs := []any{slog.String("run_id", run.id), slog.String("status", string(apiStatus))}
		if runErr != nil {
			attrs = append(attrs, slog.String("error", msg))
			r.logger.Error("run finished", attrs...)
			return
		}
		r.logger.Info("run finished", attrs...)
	})
}
