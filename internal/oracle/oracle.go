// Package oracle moves mock oracle prices for perp and spot markets.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/chain"
	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/metrics"
)

var (
	// ErrNoDelta is returned by Jump when neither or both deltas are set.
	ErrNoDelta = errors.New("need to provide price or pct delta")

	// ErrPriceMismatch is returned when the exchange does not report the
	// price that was just set.
	ErrPriceMismatch = errors.New("oracle price mismatch")

	// ErrPriceOverflow is returned when a price does not fit the feed's
	// exponent.
	ErrPriceOverflow = errors.New("oracle price overflows feed")
)

// FeedValue converts a price in PRICE_PRECISION units into the raw value
// of a feed with the given exponent. It returns ErrPriceOverflow when the
// rescaled value does not fit the feed.
func FeedValue(price int64, exponent int32) (int64, error) {
	shift := -int64(exponent) - int64(exchange.PriceExp)
	if shift == 0 {
		return price, nil
	}
	v := big.NewInt(price)
	p := new(big.Int).Exp(big.NewInt(10), big.NewInt(max(shift, -shift)), nil)
	if shift > 0 {
		v.Mul(v, p)
	} else {
		v.Quo(v, p)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("%w: price %d at exponent %d", ErrPriceOverflow, price, exponent)
	}
	return v.Int64(), nil
}

// SetPrice pushes price (PRICE_PRECISION units) into the oracle feed.
func SetPrice(ctx context.Context, admin exchange.Admin, oracle solana.PublicKey, price int64) (exchange.TxResult, error) {
	feed, err := admin.OracleFeed(ctx, oracle)
	if err != nil {
		return exchange.TxResult{}, fmt.Errorf("read oracle feed %s: %w", oracle, err)
	}
	value, err := FeedValue(price, feed.Exponent)
	if err != nil {
		return exchange.TxResult{}, err
	}
	res, err := admin.SetOracleFeed(ctx, oracle, value)
	if err != nil {
		return res, fmt.Errorf("set oracle %s price %d: %w", oracle, price, err)
	}
	return res, nil
}

// Mover applies price moves through an admin client.
type Mover struct {
	admin   exchange.Admin
	settle  time.Duration
	metrics *metrics.PrometheusMetrics
	logger  *slog.Logger
}

// MoverConfig configures a Mover.
type MoverConfig struct {
	// Settle is how long to wait after a move before re-reading the price.
	Settle  time.Duration
	Metrics *metrics.PrometheusMetrics
	Logger  *slog.Logger
}

// NewMover creates a Mover.
func NewMover(admin exchange.Admin, cfg MoverConfig) *Mover {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mover{admin: admin, settle: cfg.Settle, metrics: cfg.Metrics, logger: logger}
}

// JumpConfig configures repeated perp oracle jumps.
type JumpConfig struct {
	Market   uint16
	Interval time.Duration
	// Exactly one of PriceDelta and PctDelta must be set.
	PriceDelta *int64
	PctDelta   *float64
	// Repeat keeps jumping until the context is done.
	Repeat bool
}

// Jump moves the perp market oracle by an absolute or fractional delta.
func (m *Mover) Jump(ctx context.Context, cfg JumpConfig) error {
	if (cfg.PriceDelta == nil) == (cfg.PctDelta == nil) {
		return ErrNoDelta
	}
	next := func(price int64) int64 {
		if cfg.PriceDelta != nil {
			return price + *cfg.PriceDelta
		}
		return int64(float64(price) * (1 + *cfg.PctDelta))
	}

	for {
		if _, err := m.movePerp(ctx, cfg.Market, next); err != nil {
			return err
		}
		if err := chain.Sleep(ctx, cfg.Interval); err != nil {
			return err
		}
		if err := m.admin.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		if !cfg.Repeat {
			return nil
		}
	}
}

func (m *Mover) movePerp(ctx context.Context, market uint16, next func(int64) int64) (int64, error) {
	pm, err := m.admin.PerpMarket(ctx, market)
	if err != nil {
		return 0, fmt.Errorf("read perp market %d: %w", market, err)
	}
	price, err := m.admin.OraclePriceForPerp(ctx, market)
	if err != nil {
		return 0, fmt.Errorf("read perp market %d oracle: %w", market, err)
	}
	newPrice := next(price.Price)
	m.logger.Info("moving perp oracle",
		slog.Int("market", int(market)),
		slog.Int64("old_price", price.Price),
		slog.Int64("new_price", newPrice))

	res, err := SetPrice(ctx, m.admin, pm.AMM.Oracle, newPrice)
	if err != nil {
		return 0, err
	}
	m.metrics.SetOraclePrice("perp", strconv.Itoa(int(market)), newPrice)
	m.logger.Info("oracle price set",
		slog.Int("market", int(market)),
		slog.Int64("price", newPrice),
		slog.String("signature", res.Signature.String()))
	return newPrice, nil
}

// MoveBy scales the perp market oracle price by factor, waits, and checks
// the exchange reports the new price. Liquidation duration is set to zero
// first. When rails is non-nil the oracle guard rails are replaced too.
func (m *Mover) MoveBy(ctx context.Context, market uint16, factor float64, rails *exchange.OracleGuardRails) (int64, error) {
	if _, err := m.admin.UpdateLiquidationDuration(ctx, 0); err != nil {
		return 0, fmt.Errorf("update liquidation duration: %w", err)
	}
	if rails != nil {
		if _, err := m.admin.UpdateOracleGuardRails(ctx, *rails); err != nil {
			return 0, fmt.Errorf("update oracle guard rails: %w", err)
		}
	}

	newPrice, err := m.movePerp(ctx, market, func(p int64) int64 { return int64(float64(p) * factor) })
	if err != nil {
		return 0, err
	}
	if err := m.settleAndRefresh(ctx); err != nil {
		return 0, err
	}

	got, err := m.admin.OraclePriceForPerp(ctx, market)
	if err != nil {
		return 0, fmt.Errorf("read perp market %d oracle: %w", market, err)
	}
	if got.Price != newPrice {
		return 0, fmt.Errorf("%w: oracle price %d dne %d", ErrPriceMismatch, got.Price, newPrice)
	}
	return newPrice, nil
}

// RelaxedGuardRails are the guard rails used for large downward moves.
func RelaxedGuardRails() exchange.OracleGuardRails {
	return exchange.OracleGuardRails{
		PriceDivergence: exchange.PriceDivergenceGuardRails{
			MarkOraclePercentDivergence:     1_000_000,
			OracleTwap5MinPercentDivergence: 1_000_000,
		},
		Validity: exchange.ValidityGuardRails{
			SlotsBeforeStaleForAMM:    1_000_000,
			SlotsBeforeStaleForMargin: 1_000_000,
			ConfidenceIntervalMaxSize: 1_000_000,
			TooVolatileRatio:          1_000_000,
		},
	}
}

// MoveUp40 raises the perp oracle price by 40%.
func (m *Mover) MoveUp40(ctx context.Context, market uint16) (int64, error) {
	return m.MoveBy(ctx, market, 1.4, nil)
}

// MoveDown40 drops the perp oracle price to a fifth, relaxing guard rails.
func (m *Mover) MoveDown40(ctx context.Context, market uint16) (int64, error) {
	rails := RelaxedGuardRails()
	return m.MoveBy(ctx, market, 0.2, &rails)
}

// QuoteToZero sets the quote spot market oracle to zero.
func (m *Mover) QuoteToZero(ctx context.Context) error {
	sm, err := m.admin.SpotMarket(ctx, 0)
	if err != nil {
		return fmt.Errorf("read spot market 0: %w", err)
	}
	res, err := SetPrice(ctx, m.admin, sm.Oracle, 0)
	if err != nil {
		return err
	}
	m.metrics.SetOraclePrice("spot", "0", 0)
	m.logger.Info("oracle price set",
		slog.String("market_type", "spot"),
		slog.Int("market", 0),
		slog.Int64("price", 0),
		slog.String("signature", res.Signature.String()))

	if err := m.settleAndRefresh(ctx); err != nil {
		return err
	}
	got, err := m.admin.OraclePriceForSpot(ctx, 0)
	if err != nil {
		return fmt.Errorf("read spot market 0 oracle: %w", err)
	}
	if got.Price != 0 {
		return fmt.Errorf("%w: oracle price %d dne 0", ErrPriceMismatch, got.Price)
	}
	return nil
}

func (m *Mover) settleAndRefresh(ctx context.Context) error {
	if err := chain.Sleep(ctx, m.settle); err != nil {
		return err
	}
	if err := m.admin.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return nil
}
