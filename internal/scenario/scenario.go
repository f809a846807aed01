// Package scenario implements the simulation workflows: closing a market,
// oracle shocks, order cancellation and action experiments.
package scenario

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/chain"
	"github.com/gateway-fm/perpsim/internal/event"
	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/metrics"
	"github.com/gateway-fm/perpsim/internal/report"
	"github.com/gateway-fm/perpsim/pkg/types"
)

var (
	// ErrSettleExhausted is returned when users are still unsettled after
	// the last settlement attempt.
	ErrSettleExhausted = errors.New("settle attempts exhausted")

	// ErrOrdersRemaining is returned when open orders survive cancellation.
	ErrOrdersRemaining = errors.New("open orders remaining")
)

// Default workflow timings.
const (
	DefaultExpiryOffset      = 50 * time.Second
	DefaultLPRemovalWait     = 5 * time.Second
	DefaultLPSettleWait      = 15 * time.Second
	DefaultMarketSettleWait  = 30 * time.Second
	DefaultCancelWait        = 30 * time.Second
	DefaultKeeperPoll        = time.Second
	DefaultKeeperWait        = 30 * time.Second
	DefaultAirdropWait       = 3 * time.Second
	DefaultInitializeWait    = 15 * time.Second
	DefaultSubscribeWait     = 3 * time.Second
	DefaultOracleSettle      = 30 * time.Second
	DefaultQuoteSettle       = 15 * time.Second
	DefaultSetupWait         = 30 * time.Second
	DefaultMaxSettleAttempts = 5
)

// TesterAirdropLamports is the airdrop a new tester wallet receives.
const TesterAirdropLamports = 10_000_000_000

// Timings are the pauses between workflow steps.
type Timings struct {
	// ExpiryOffset is added to the current block time to schedule expiries.
	ExpiryOffset time.Duration `yaml:"expiry_offset"`
	// LPRemovalWait follows each remove_liquidity.
	LPRemovalWait time.Duration `yaml:"lp_removal_wait"`
	// LPSettleWait precedes the check that no LP shares remain.
	LPSettleWait time.Duration `yaml:"lp_settle_wait"`
	// MarketSettleWait follows settle_expired_market.
	MarketSettleWait time.Duration `yaml:"market_settle_wait"`
	// CancelWait follows order cancellation.
	CancelWait time.Duration `yaml:"cancel_wait"`
	// KeeperPoll is the flag file polling interval.
	KeeperPoll time.Duration `yaml:"keeper_poll"`
	// KeeperWait follows the keeper flag.
	KeeperWait     time.Duration `yaml:"keeper_wait"`
	AirdropWait    time.Duration `yaml:"airdrop_wait"`
	InitializeWait time.Duration `yaml:"initialize_wait"`
	SubscribeWait  time.Duration `yaml:"subscribe_wait"`
	// OracleSettle follows a perp oracle move, QuoteSettle a quote oracle move.
	OracleSettle time.Duration `yaml:"oracle_settle"`
	QuoteSettle  time.Duration `yaml:"quote_settle"`
	// SetupWait follows agent loading.
	SetupWait time.Duration `yaml:"setup_wait"`

	MaxSettleAttempts int `yaml:"max_settle_attempts"`
}

// DefaultTimings returns the workflow timings used against a local validator.
func DefaultTimings() Timings {
	return Timings{
		ExpiryOffset:      DefaultExpiryOffset,
		LPRemovalWait:     DefaultLPRemovalWait,
		LPSettleWait:      DefaultLPSettleWait,
		MarketSettleWait:  DefaultMarketSettleWait,
		CancelWait:        DefaultCancelWait,
		KeeperPoll:        DefaultKeeperPoll,
		KeeperWait:        DefaultKeeperWait,
		AirdropWait:       DefaultAirdropWait,
		InitializeWait:    DefaultInitializeWait,
		SubscribeWait:     DefaultSubscribeWait,
		OracleSettle:      DefaultOracleSettle,
		QuoteSettle:       DefaultQuoteSettle,
		SetupWait:         DefaultSetupWait,
		MaxSettleAttempts: DefaultMaxSettleAttempts,
	}
}

// Waiter pauses a workflow between steps.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// SleepWaiter waits for wall-clock time.
type SleepWaiter struct{}

// Wait implements Waiter.
func (SleepWaiter) Wait(ctx context.Context, d time.Duration) error {
	return chain.Sleep(ctx, d)
}

// SlotCounter blocks until n new slots are produced.
type SlotCounter interface {
	WaitSlots(ctx context.Context, n int) error
}

// SlotWaiter converts each pause into a number of slots. On a validator
// that produces slots slower than nominal this waits longer than d.
type SlotWaiter struct {
	Slots        SlotCounter
	SlotDuration time.Duration
}

// Wait implements Waiter.
func (w SlotWaiter) Wait(ctx context.Context, d time.Duration) error {
	slotDuration := w.SlotDuration
	if slotDuration <= 0 {
		slotDuration = chain.DefaultSlotDuration
	}
	n := int((d + slotDuration - 1) / slotDuration)
	return w.Slots.WaitSlots(ctx, n)
}

// Recorder receives workflow progress. *simulator.Run implements it.
type Recorder interface {
	SetPhase(phase types.Phase, message string)
	Snapshot(ctx context.Context, phase, kind string, market uint16, data any)
}

type nopRecorder struct{}

func (nopRecorder) SetPhase(types.Phase, string)                         {}
func (nopRecorder) Snapshot(context.Context, string, string, uint16, any) {}

// Deps are the collaborators shared by the workflows.
type Deps struct {
	Ledger  chain.Ledger
	Admin   exchange.Admin
	Agents  []exchange.Agent
	Results *report.Builder
	// Sink receives per-user settle outcomes; optional.
	Sink     event.Sink
	Recorder Recorder
	Waiter   Waiter
	Metrics  *metrics.PrometheusMetrics
	Timings  Timings
	Logger   *slog.Logger
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Waiter == nil {
		d.Waiter = SleepWaiter{}
	}
	if d.Results == nil {
		d.Results = report.NewBuilder(context.Background(), report.BuilderConfig{Logger: d.Logger})
	}
	if d.Timings.MaxSettleAttempts <= 0 {
		d.Timings.MaxSettleAttempts = DefaultMaxSettleAttempts
	}
}

func (d *Deps) wait(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	return d.Waiter.Wait(ctx, dur)
}

// confirm waits for sig and logs a failed confirmation. It never fails the
// workflow.
func (d *Deps) confirm(ctx context.Context, step string, sig solana.Signature) chain.Confirmation {
	c := d.Ledger.Confirm(ctx, sig)
	if c.OK() {
		d.Logger.Info("confirmed transaction",
			slog.String("step", step),
			slog.String("signature", sig.String()))
		return c
	}
	d.Metrics.RecordUnconfirmed(step)
	attrs := []any{
		slog.String("step", step),
		slog.String("signature", sig.String()),
		slog.String("status", string(c.Status)),
	}
	if c.Err != nil {
		attrs = append(attrs, slog.String("error", c.Err.Error()))
	}
	d.Logger.Warn("failed to confirm transaction", attrs...)
	return c
}

// spotBalances reads the insurance fund and vault balances of m.
func (d *Deps) spotBalances(ctx context.Context, m *exchange.SpotMarket) (report.Balance, report.Balance) {
	read := func(kind string, account solana.PublicKey) report.Balance {
		ui, ok, err := d.Ledger.TokenBalance(ctx, account)
		if err != nil {
			d.Logger.Warn("failed to read token balance",
				slog.String("account", account.String()),
				slog.String("kind", kind),
				slog.String("error", err.Error()))
			return report.Balance{}
		}
		return report.Balance{UI: ui, OK: ok}
	}
	return read("insurance_fund", m.InsuranceFund.Vault), read("vault", m.Vault)
}
