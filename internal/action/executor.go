package action

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/event"
	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/metrics"
	"github.com/gateway-fm/perpsim/internal/oracle"
	"github.com/gateway-fm/perpsim/internal/ratelimit"
)

// Result is the outcome of executing an action. Execution failures are
// reported here rather than returned.
type Result struct {
	Action       Action
	Old          string
	New          string
	Signature    solana.Signature
	Err          error
	ErrorMessage string
	Elapsed      time.Duration
}

// OK reports whether the action was applied.
func (r Result) OK() bool { return r.Err == nil }

// Executor submits actions through an admin client.
type Executor struct {
	admin   exchange.Admin
	limiter *ratelimit.Limiter
	sink    event.Sink
	metrics *metrics.PrometheusMetrics
	logger  *slog.Logger
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// RatePerSec paces actions; zero is unlimited.
	RatePerSec float64
	Sink       event.Sink
	Metrics    *metrics.PrometheusMetrics
	Logger     *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(admin exchange.Admin, cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		admin:   admin,
		limiter: ratelimit.New(cfg.RatePerSec),
		sink:    cfg.Sink,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// Execute submits a. It returns an error only when ctx is done before the
// action could be paced.
func (e *Executor) Execute(ctx context.Context, a Action) (Result, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return Result{Action: a}, err
	}

	start := time.Now()
	res := Result{Action: a}
	var tx exchange.TxResult
	var err error

	switch a.Kind {
	case UpdateCurve:
		res.Old, res.New, tx, err = e.updateCurve(ctx, a)
	case UpdateK:
		res.Old, res.New, tx, err = e.updateK(ctx, a)
	case UpdateIMF:
		res.Old, res.New, tx, err = e.updateIMF(ctx, a)
	case UpdateOracle:
		res.Old, res.New, tx, err = e.updateOracle(ctx, a)
	default:
		err = fmt.Errorf("unknown action kind %q", a.Kind)
	}
	res.Elapsed = time.Since(start)
	res.Signature = tx.Signature

	attrs := []any{
		slog.String("kind", string(a.Kind)),
		slog.Int("market", int(a.Market)),
		slog.String("old", res.Old),
		slog.String("new", res.New),
	}
	if err != nil {
		res.Err = err
		res.ErrorMessage = exchange.ErrorMessage(err)
		e.logger.Warn("action failed", append(attrs, slog.String("error", res.ErrorMessage))...)
	} else {
		e.logger.Info("action applied", append(attrs, slog.String("signature", tx.Signature.String()))...)
	}

	e.metrics.RecordAction(string(a.Kind), err == nil)
	if a.Kind == UpdateOracle && err == nil {
		e.metrics.SetOraclePrice("perp", strconv.Itoa(int(a.Market)), a.OraclePrice)
	}
	if e.sink != nil {
		rec := event.Record{
			Name:         string(a.Kind),
			Timestamp:    start,
			Parameters:   a.Parameters(),
			Slot:         tx.Slot,
			Error:        res.ErrorMessage,
			ComputeUnits: exchange.ParseComputeUnits(tx.Logs),
		}
		if !tx.Signature.IsZero() {
			rec.Signature = tx.Signature.String()
		}
		e.sink.Record(ctx, rec)
	}
	return res, nil
}

func (e *Executor) updateCurve(ctx context.Context, a Action) (string, string, exchange.TxResult, error) {
	pm, err := e.admin.PerpMarket(ctx, a.Market)
	if err != nil {
		return "", a.NewPeg.String(), exchange.TxResult{}, err
	}
	tx, err := e.admin.RepegCurve(ctx, a.NewPeg, a.Market)
	return pm.AMM.PegMultiplier.String(), a.NewPeg.String(), tx, err
}

func (e *Executor) updateK(ctx context.Context, a Action) (string, string, exchange.TxResult, error) {
	pm, err := e.admin.PerpMarket(ctx, a.Market)
	if err != nil {
		return "", a.SqrtK.String(), exchange.TxResult{}, err
	}
	tx, err := e.admin.UpdateK(ctx, a.SqrtK, a.Market)
	return pm.AMM.SqrtK.String(), a.SqrtK.String(), tx, err
}

func (e *Executor) updateIMF(ctx context.Context, a Action) (string, string, exchange.TxResult, error) {
	next := fmt.Sprintf("%d/%d", a.IMFFactor, a.UnrealizedPnLIMFFactor)
	pm, err := e.admin.PerpMarket(ctx, a.Market)
	if err != nil {
		return "", next, exchange.TxResult{}, err
	}
	tx, err := e.admin.UpdatePerpMarketIMFFactor(ctx, a.Market, a.IMFFactor, a.UnrealizedPnLIMFFactor)
	return fmt.Sprintf("%d/%d", pm.IMFFactor, pm.UnrealizedPnLIMFFactor), next, tx, err
}

func (e *Executor) updateOracle(ctx context.Context, a Action) (string, string, exchange.TxResult, error) {
	next := strconv.FormatInt(a.OraclePrice, 10)
	price, err := e.admin.OraclePriceForPerp(ctx, a.Market)
	if err != nil {
		return "", next, exchange.TxResult{}, err
	}
	tx, err := oracle.SetPrice(ctx, e.admin, a.Oracle, a.OraclePrice)
	return strconv.FormatInt(price.Price, 10), next, tx, err
}

// Experiment generates and executes n actions. It stops early only when
// ctx is done or an action cannot be generated.
func Experiment(ctx context.Context, gen *Generator, exec *Executor, n int) ([]Result, error) {
	results := make([]Result, 0, n)
	for range n {
		a, err := gen.Next(ctx, exec.admin)
		if err != nil {
			return results, err
		}
		res, err := exec.Execute(ctx, a)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}
