package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/event"
	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/invariant"
	"github.com/gateway-fm/perpsim/internal/report"
	"github.com/gateway-fm/perpsim/internal/storage"
	"github.com/gateway-fm/perpsim/pkg/types"
)

// Snapshot kinds.
const (
	SnapshotPerp          = "perp"
	SnapshotSpot          = "spot"
	SnapshotExpiredMarket = "expired_market"
)

// CloseMarket delists a perp market and settles every agent in it:
//
//  1. record the initial perp and spot markets
//  2. zero the perp auction duration and LP cooldown
//  3. schedule the perp and spot expiries at block time + ExpiryOffset
//  4. remove every agent's LP shares, checking the market total each time
//  5. check that no LP shares remain
//  6. confirm the expiry transactions
//  7. settle the expired market and record its settlement prices
//  8. settle every agent's PnL, retrying failed users
//
// The caller records the final markets and posts the report.
func CloseMarket(ctx context.Context, d Deps, market uint16) error {
	d.defaults()
	log := d.Logger.With(slog.Int("market", int(market)))

	d.Recorder.SetPhase(types.PhaseRecordingInitial, "")
	if err := d.Admin.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	perp, err := d.Admin.PerpMarket(ctx, market)
	if err != nil {
		return fmt.Errorf("read perp market %d: %w", market, err)
	}
	d.Results.AddInitialPerpMarket(perp)
	d.Recorder.Snapshot(ctx, storage.PhaseInitial, SnapshotPerp, market, report.NewPerpMarketTuple(perp))

	spots, err := d.Admin.SpotMarkets(ctx)
	if err != nil {
		return fmt.Errorf("read spot markets: %w", err)
	}
	for _, sm := range spots {
		ifBalance, vaultBalance := d.spotBalances(ctx, sm)
		log.Info("spot market balances",
			slog.String("spot_market", strings.TrimSpace(sm.Name)),
			slog.Bool("insurance_fund_known", ifBalance.OK),
			slog.Float64("insurance_fund", ifBalance.UI),
			slog.Bool("vault_known", vaultBalance.OK),
			slog.Float64("vault", vaultBalance.UI))
		d.Results.AddInitialSpotMarket(ifBalance, vaultBalance, sm)
		d.Recorder.Snapshot(ctx, storage.PhaseInitial, SnapshotSpot, sm.MarketIndex,
			report.NewSpotMarketTuple(ifBalance, vaultBalance, sm))
	}

	d.Recorder.SetPhase(types.PhaseScheduling, "")
	if _, err := d.Admin.UpdatePerpAuctionDuration(ctx, 0); err != nil {
		return fmt.Errorf("update perp auction duration: %w", err)
	}
	if _, err := d.Admin.UpdateLPCooldownTime(ctx, 0); err != nil {
		return fmt.Errorf("update lp cooldown time: %w", err)
	}

	expirySigs, err := scheduleExpiries(ctx, d, market, spots)
	if err != nil {
		return err
	}

	d.Recorder.SetPhase(types.PhaseRemovingLP, fmt.Sprintf("%d agents", len(d.Agents)))
	before := orZero(perp.AMM.UserLPShares)
	log.Info("removing all user liquidity",
		slog.Int("agents", len(d.Agents)),
		slog.String("user_lp_shares", before.String()))
	removed, err := removeLiquidity(ctx, d, market, before)
	if err != nil {
		return err
	}

	if err := d.wait(ctx, d.Timings.LPSettleWait); err != nil {
		return err
	}
	if err := d.Admin.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if perp, err = d.Admin.PerpMarket(ctx, market); err != nil {
		return fmt.Errorf("read perp market %d: %w", market, err)
	}
	log.Info("liquidity removed",
		slog.String("user_lp_shares_before", before.String()),
		slog.String("removed_lp_shares", removed.String()),
		slog.Bool("all_removed", before.Cmp(removed) == 0))
	if err := invariant.LPSharesZero(market, perp.AMM.UserLPShares); err != nil {
		return err
	}

	log.Info("waiting for expiry")
	for _, sig := range expirySigs {
		d.confirm(ctx, "update_expiry", sig)
	}

	d.Recorder.SetPhase(types.PhaseSettlingMarket, "")
	log.Info("settling expired market",
		slog.String("base_asset_amount_with_unsettled_lp", orZero(perp.AMM.BaseAssetAmountWithUnsettledLP).String()),
		slog.String("user_lp_shares", orZero(perp.AMM.UserLPShares).String()))
	res, err := d.Admin.SettleExpiredMarket(ctx, market)
	if err != nil {
		return fmt.Errorf("settle expired market %d: %w", market, err)
	}
	d.confirm(ctx, "settle_expired_market", res.Signature)
	if err := d.wait(ctx, d.Timings.MarketSettleWait); err != nil {
		return err
	}
	if err := d.Admin.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if perp, err = d.Admin.PerpMarket(ctx, market); err != nil {
		return fmt.Errorf("read perp market %d: %w", market, err)
	}
	expired := report.NewExpiredMarket(perp)
	log.Info("market settled",
		slog.String("status", string(expired.Status)),
		slog.String("expiry_price", expired.ExpiryPrice.String()),
		slog.String("last_oracle_price_twap", expired.LastOraclePriceTwap.String()),
		slog.String("last_oracle_price", expired.LastOraclePrice.String()))
	d.Results.AddSettledExpiredMarket(expired)
	d.Recorder.Snapshot(ctx, storage.PhaseFinal, SnapshotExpiredMarket, market, expired)

	d.Recorder.SetPhase(types.PhaseSettlingUsers, "")
	return settleUsers(ctx, d, market)
}

func scheduleExpiries(ctx context.Context, d Deps, market uint16, spots []*exchange.SpotMarket) ([]solana.Signature, error) {
	slot, err := d.Ledger.Slot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read slot: %w", err)
	}
	blockTime, err := d.Ledger.BlockTime(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("read block time for slot %d: %w", slot, err)
	}
	expiry := blockTime + int64(d.Timings.ExpiryOffset/time.Second)
	d.Logger.Info("updating expiries",
		slog.Int("market", int(market)),
		slog.Uint64("slot", slot),
		slog.Int64("block_time", blockTime),
		slog.Int64("expiry_ts", expiry))

	var sigs []solana.Signature
	res, err := d.Admin.UpdatePerpMarketExpiry(ctx, market, expiry)
	if err != nil {
		return nil, fmt.Errorf("update perp market %d expiry: %w", market, err)
	}
	sigs = append(sigs, res.Signature)
	for _, sm := range spots {
		res, err := d.Admin.UpdateSpotMarketExpiry(ctx, sm.MarketIndex, expiry)
		if err != nil {
			return nil, fmt.Errorf("update spot market %d expiry: %w", sm.MarketIndex, err)
		}
		sigs = append(sigs, res.Signature)
	}
	return sigs, nil
}

// removeLiquidity removes every agent's LP shares and returns the total
// removed. After each removal the market's user LP shares must equal
// before minus the running total.
func removeLiquidity(ctx context.Context, d Deps, market uint16, before *big.Int) (*big.Int, error) {
	removed := new(big.Int)
	marketLabel := strconv.Itoa(int(market))
	for i, agent := range d.Agents {
		for _, sub := range agent.SubAccountIDs() {
			pos, err := agent.PerpPosition(ctx, market, sub)
			if err != nil {
				return nil, fmt.Errorf("agent %d sub-account %d position: %w", i, sub, err)
			}
			if pos == nil || pos.LPShares == 0 {
				continue
			}
			d.Logger.Info("removing lp",
				slog.Int("market", int(market)),
				slog.String("user", agent.Authority().String()),
				slog.Int("sub_account_id", int(sub)),
				slog.Uint64("shares", pos.LPShares))

			removed.Add(removed, new(big.Int).SetUint64(pos.LPShares))
			res, err := agent.RemoveLiquidity(ctx, pos.LPShares, market, sub)
			if err != nil {
				return nil, fmt.Errorf("remove liquidity for %s/%d: %w", agent.Authority(), sub, err)
			}
			d.Metrics.RecordLPRemoved(marketLabel, pos.LPShares)
			d.confirm(ctx, "remove_liquidity", res.Signature)

			if err := d.wait(ctx, d.Timings.LPRemovalWait); err != nil {
				return nil, err
			}
			if err := d.Admin.Refresh(ctx); err != nil {
				return nil, fmt.Errorf("refresh: %w", err)
			}
			perp, err := d.Admin.PerpMarket(ctx, market)
			if err != nil {
				return nil, fmt.Errorf("read perp market %d: %w", market, err)
			}
			if err := invariant.LPSharesAfterRemoval(market, before, removed, perp.AMM.UserLPShares); err != nil {
				return nil, err
			}
		}
	}
	return removed, nil
}

type settleTarget struct {
	agent int
	sub   uint16
}

// settleUsers runs settle_pnl for every sub-account with a position in
// market. Failed sub-accounts are retried up to MaxSettleAttempts times.
func settleUsers(ctx context.Context, d Deps, market uint16) error {
	marketLabel := strconv.Itoa(int(market))
	var pending map[settleTarget]bool
	var errs []string

	for attempt := 1; attempt <= d.Timings.MaxSettleAttempts; attempt++ {
		d.Logger.Info("settle attempt", slog.Int("market", int(market)), slog.Int("attempt", attempt))
		d.Metrics.RecordSettleAttempt(marketLabel)

		failed := make(map[settleTarget]bool)
		errs = errs[:0]
		for i, agent := range d.Agents {
			if err := agent.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh agent %d: %w", i, err)
			}
			for _, sub := range agent.SubAccountIDs() {
				target := settleTarget{agent: i, sub: sub}
				if pending != nil && !pending[target] {
					continue
				}
				pos, err := agent.PerpPosition(ctx, market, sub)
				if err != nil {
					return fmt.Errorf("agent %d sub-account %d position: %w", i, sub, err)
				}
				if pos == nil {
					continue
				}
				if err := settleOne(ctx, d, agent, i, sub, market); err != nil {
					failed[target] = true
					msg := exchange.ErrorMessage(err)
					errs = append(errs, msg)
					d.Results.AddSettleUserFail(market, errors.New(msg))
					d.Metrics.RecordSettle(marketLabel, false)
					if attempt > 1 {
						d.Logger.Warn("settle retry failed",
							slog.Int("agent", i),
							slog.Int("sub_account_id", int(sub)),
							slog.Int64("base_asset_amount", pos.BaseAssetAmount),
							slog.String("error", msg))
					}
					continue
				}
				d.Results.AddSettleUserSuccess(market)
				d.Metrics.RecordSettle(marketLabel, true)
			}
		}

		d.Logger.Info("settle attempt finished",
			slog.Int("market", int(market)),
			slog.Int("attempt", attempt),
			slog.Int("agents", len(d.Agents)),
			slog.Int("failed", len(failed)))
		if len(failed) == 0 {
			d.Results.AddFinalSettleResult(market, 0)
			return nil
		}
		pending = failed
	}

	d.Results.AddFinalSettleResult(market, len(pending))
	quoted, _ := json.MarshalIndent(errs, "", "    ")
	d.Results.PostFail(ctx, fmt.Sprintf(
		"something went wrong during settle expired position with market %d... \nfailed to settle %d users... \nerror msgs: %s",
		market, len(pending), quoted))
	return fmt.Errorf("%w: market %d: %d users unsettled after %d attempts",
		ErrSettleExhausted, market, len(pending), d.Timings.MaxSettleAttempts)
}

func settleOne(ctx context.Context, d Deps, agent exchange.Agent, index int, sub, market uint16) error {
	user, err := agent.UserAccount(ctx, sub)
	if err != nil {
		return err
	}
	addr, err := agent.UserAccountAddress(sub)
	if err != nil {
		return err
	}
	res, err := agent.SettlePnL(ctx, addr, user, market)
	if d.Sink != nil {
		logs := res.Logs
		if err != nil && len(logs) == 0 {
			logs = exchange.ErrorLogs(err)
		}
		params, _ := json.Marshal(map[string]int{
			"user_index":     index,
			"sub_account_id": int(sub),
			"market_index":   int(market),
		})
		rec := event.Record{
			Name:         string(event.SettlePnL),
			Timestamp:    time.Now(),
			Parameters:   params,
			Slot:         res.Slot,
			Error:        exchange.ErrorMessage(err),
			ComputeUnits: exchange.ParseComputeUnits(logs),
		}
		if !res.Signature.IsZero() {
			rec.Signature = res.Signature.String()
		}
		d.Sink.Record(ctx, rec)
	}
	return err
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
