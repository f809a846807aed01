package scenario

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/perpsim/internal/action"
	"github.com/gateway-fm/perpsim/pkg/types"
)

// ExperimentSummary counts the outcomes of an experiment.
type ExperimentSummary struct {
	Actions   int            `json:"actions"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	ByKind    map[string]int `json:"byKind"`
	Errors    map[string]int `json:"errors,omitempty"`
}

// Experiment generates and executes n random admin actions.
func Experiment(ctx context.Context, d Deps, gen *action.Generator, exec *action.Executor, n int) (ExperimentSummary, error) {
	d.defaults()
	d.Recorder.SetPhase(types.PhaseExecutingActions, fmt.Sprintf("%d actions", n))

	results, err := action.Experiment(ctx, gen, exec, n)
	summary := ExperimentSummary{ByKind: make(map[string]int)}
	for _, r := range results {
		summary.Actions++
		summary.ByKind[string(r.Action.Kind)]++
		if r.OK() {
			summary.Succeeded++
			continue
		}
		summary.Failed++
		if summary.Errors == nil {
			summary.Errors = make(map[string]int)
		}
		summary.Errors[r.ErrorMessage]++
	}
	d.Logger.Info("experiment finished",
		slog.Int("actions", summary.Actions),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed))
	if err != nil {
		return summary, fmt.Errorf("experiment: %w", err)
	}
	return summary, nil
}
