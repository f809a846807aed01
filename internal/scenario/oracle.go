package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/perpsim/internal/oracle"
	"github.com/gateway-fm/perpsim/pkg/types"
)

// Direction of a 40% oracle move.
type Direction string

// Directions.
const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ParseDirection parses "up" or "down".
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionUp, DirectionDown:
		return Direction(s), nil
	}
	return "", fmt.Errorf("invalid direction %q: want up or down", s)
}

func (d *Deps) mover(settle time.Duration) *oracle.Mover {
	return oracle.NewMover(d.Admin, oracle.MoverConfig{Settle: settle, Metrics: d.Metrics, Logger: d.Logger})
}

// OracleJump moves the perp oracle once, or until ctx is done when
// cfg.Repeat is set.
func OracleJump(ctx context.Context, d Deps, cfg oracle.JumpConfig) error {
	d.defaults()
	d.Recorder.SetPhase(types.PhaseMovingOracle, fmt.Sprintf("market %d", cfg.Market))
	return d.mover(d.Timings.OracleSettle).Jump(ctx, cfg)
}

// MoveOracle moves the perp oracle of market up 40% or down to a fifth.
func MoveOracle(ctx context.Context, d Deps, market uint16, dir Direction) (int64, error) {
	d.defaults()
	d.Recorder.SetPhase(types.PhaseMovingOracle, fmt.Sprintf("market %d %s", market, dir))
	m := d.mover(d.Timings.OracleSettle)

	var price int64
	var err error
	switch dir {
	case DirectionUp:
		price, err = m.MoveUp40(ctx, market)
	case DirectionDown:
		price, err = m.MoveDown40(ctx, market)
	default:
		return 0, fmt.Errorf("invalid direction %q", dir)
	}
	if err != nil {
		return 0, err
	}
	d.Logger.Info("oracle moved",
		slog.Int("market", int(market)),
		slog.String("direction", string(dir)),
		slog.Int64("price", price))
	return price, nil
}

// QuoteToZero drops the quote spot market oracle to zero.
func QuoteToZero(ctx context.Context, d Deps) error {
	d.defaults()
	d.Recorder.SetPhase(types.PhaseMovingOracle, "quote")
	return d.mover(d.Timings.QuoteSettle).QuoteToZero(ctx)
}
