package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/metrics"
)

// Record is a persisted event or action outcome.
type Record struct {
	Name         string
	Timestamp    time.Time
	Parameters   json.RawMessage
	Slot         uint64
	Signature    string
	Error        string
	ComputeUnits int64
}

// Sink receives records. Implementations must not block for long.
type Sink interface {
	Record(ctx context.Context, rec Record)
}

// SlotReader reads the current ledger slot.
type SlotReader interface {
	Slot(ctx context.Context) (uint64, error)
}

// Outcome is the result of sending an event.
type Outcome struct {
	Event     Event
	Slot      uint64
	Signature solana.Signature
	// Skipped is set when the event had nothing to do.
	Skipped      bool
	Err          error
	ErrorMessage string
	ComputeUnits int64
}

// Failed reports whether the event was sent and failed.
func (o Outcome) Failed() bool { return o.Err != nil }

// Sender runs events and records their outcomes.
type Sender struct {
	slots         SlotReader
	sink          Sink
	metrics       *metrics.PrometheusMetrics
	silentSuccess bool
	silentFail    bool
	logger        *slog.Logger
}

// Config for creating a Sender.
type Config struct {
	Slots         SlotReader
	Sink          Sink
	Metrics       *metrics.PrometheusMetrics
	SilentSuccess bool
	SilentFail    bool
	Logger        *slog.Logger
}

// NewSender creates a Sender.
func NewSender(cfg Config) *Sender {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		slots:         cfg.Slots,
		sink:          cfg.Sink,
		metrics:       cfg.Metrics,
		silentSuccess: cfg.SilentSuccess,
		silentFail:    cfg.SilentFail,
		logger:        logger,
	}
}

// Send runs ev with agent on the agent's first sub-account.
func (s *Sender) Send(ctx context.Context, agent exchange.Agent, ev Event) Outcome {
	out := Outcome{Event: ev, ComputeUnits: -1}
	if s.slots != nil {
		slot, err := s.slots.Slot(ctx)
		if err != nil {
			s.logger.Warn("failed to read slot", slog.String("error", err.Error()))
		}
		out.Slot = slot
	}

	res, skipped, err := run(ctx, agent, ev, s.logger)
	out.Skipped = skipped
	out.Signature = res.Signature
	out.ComputeUnits = exchange.ParseComputeUnits(res.Logs)
	if err != nil {
		out.Err = err
		out.ErrorMessage = exchange.ErrorMessage(err)
	}

	attrs := []any{
		slog.String("event", string(ev.Name)),
		slog.Int("user_index", ev.UserIndex),
		slog.Int("market", int(ev.MarketIndex)),
	}
	switch {
	case skipped:
		s.logger.Debug("event skipped", attrs...)
		return out
	case err != nil && !s.silentFail:
		s.logger.Warn("event failed", append(attrs, slog.String("error", out.ErrorMessage))...)
	case err == nil && !s.silentSuccess:
		s.logger.Info("event succeeded", append(attrs,
			slog.String("signature", res.Signature.String()),
			slog.Int64("compute_units", out.ComputeUnits))...)
	}

	s.metrics.RecordEvent(string(ev.Name), err == nil, out.ComputeUnits)
	if s.sink != nil {
		rec := Record{
			Name:         string(ev.Name),
			Timestamp:    time.Now(),
			Parameters:   ev.Parameters(),
			Slot:         out.Slot,
			Error:        out.ErrorMessage,
			ComputeUnits: out.ComputeUnits,
		}
		if !res.Signature.IsZero() {
			rec.Signature = res.Signature.String()
		}
		s.sink.Record(ctx, rec)
	}
	return out
}

func run(ctx context.Context, agent exchange.Agent, ev Event, logger *slog.Logger) (exchange.TxResult, bool, error) {
	subs := agent.SubAccountIDs()
	if len(subs) == 0 {
		return exchange.TxResult{}, false, errors.New("agent has no sub-accounts")
	}
	sub := subs[0]

	switch ev.Name {
	case SettleLP:
		res, err := agent.SettleLP(ctx, ev.MarketIndex, sub)
		return res, false, err

	case SettlePnL:
		pos, err := agent.PerpPosition(ctx, ev.MarketIndex, sub)
		if err != nil {
			return exchange.TxResult{}, false, err
		}
		if pos == nil || pos.BaseAssetAmount == 0 {
			return exchange.TxResult{}, true, nil
		}
		user, err := agent.UserAccount(ctx, sub)
		if err != nil {
			return exchange.TxResult{}, false, err
		}
		addr, err := agent.UserAccountAddress(sub)
		if err != nil {
			return exchange.TxResult{}, false, err
		}
		res, err := agent.SettlePnL(ctx, addr, user, ev.MarketIndex)
		return res, false, err

	case ClosePosition:
		user, err := agent.UserAccount(ctx, sub)
		if err != nil {
			return exchange.TxResult{}, false, err
		}
		var pos *exchange.PerpPosition
		for i := range user.PerpPositions {
			if user.PerpPositions[i].MarketIndex == ev.MarketIndex {
				pos = &user.PerpPositions[i]
				break
			}
		}
		if pos == nil {
			return exchange.TxResult{}, false, ErrNotInMarket
		}
		direction := "short"
		if pos.BaseAssetAmount < 0 {
			direction = "long"
		}
		logger.Info("closing position",
			slog.Int64("base", max(pos.BaseAssetAmount, -pos.BaseAssetAmount)),
			slog.String("direction", direction))
		res, err := agent.ClosePosition(ctx, ev.MarketIndex, sub)
		return res, false, err
	}
	return exchange.TxResult{}, false, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Name)
}

// Replay runs rows in order. UserIndex selects from agents.
func (s *Sender) Replay(ctx context.Context, agents []exchange.Agent, rows []Row) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(rows))
	for i, r := range rows {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		ev, err := FromRow(r)
		if err != nil {
			return outcomes, fmt.Errorf("row %d: %w", i, err)
		}
		if ev.UserIndex < 0 || ev.UserIndex >= len(agents) {
			return outcomes, fmt.Errorf("row %d: user index %d out of range (%d agents)", i, ev.UserIndex, len(agents))
		}
		outcomes = append(outcomes, s.Send(ctx, agents[ev.UserIndex], ev))
	}
	return outcomes, nil
}
