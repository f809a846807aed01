package scenario

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/report"
	"github.com/gateway-fm/perpsim/internal/storage"
	"github.com/gateway-fm/perpsim/pkg/types"
)

// DefaultKeeperFlagFile is the file the keeper bot creates when it is done.
const DefaultKeeperFlagFile = "~/file.txt"

// BehaviorConfig configures ExchangeBehavior.
type BehaviorConfig struct {
	Market uint16
	// Results receives the initial and final AMM and insurance fund rows.
	Results *report.CSVWriter
	// KeeperFlagFile is polled until it exists, then removed.
	// A leading ~ expands to the home directory.
	KeeperFlagFile string
}

// ExchangeBehavior cancels every agent's perp orders in the market, drops
// the oracle to a fifth and waits for the keeper bot to act. The AMM and
// the quote insurance fund are written to the results file before and
// after.
func ExchangeBehavior(ctx context.Context, d Deps, cfg BehaviorConfig) error {
	d.defaults()
	market := cfg.Market
	flagFile, err := expandHome(cfg.KeeperFlagFile)
	if err != nil {
		return err
	}

	d.Recorder.SetPhase(types.PhaseRecordingInitial, "")
	if err := dumpState(ctx, d, cfg, report.RecordInitialMarket, report.RecordInitialIF); err != nil {
		return err
	}

	d.Recorder.SetPhase(types.PhaseCancelingOrders, "")
	start := time.Now()
	canceled, err := cancelPerpOrders(ctx, d, market)
	if err != nil {
		return err
	}
	d.Logger.Info("cancelled orders",
		slog.Int("market", int(market)),
		slog.Int("sub_accounts", canceled),
		slog.Duration("elapsed", time.Since(start)))

	if err := d.wait(ctx, d.Timings.CancelWait); err != nil {
		return err
	}
	if err := checkNoOrders(ctx, d, market); err != nil {
		return err
	}

	if _, err := MoveOracle(ctx, d, market, DirectionDown); err != nil {
		return err
	}

	d.Recorder.SetPhase(types.PhaseWaitingForKeeper, flagFile)
	if err := waitForFlag(ctx, d, flagFile); err != nil {
		return err
	}

	if err := d.wait(ctx, d.Timings.KeeperWait); err != nil {
		return err
	}
	d.Recorder.SetPhase(types.PhaseRecordingFinal, "")
	if err := d.Admin.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return dumpState(ctx, d, cfg, report.RecordFinalMarket, report.RecordFinalIF)
}

func dumpState(ctx context.Context, d Deps, cfg BehaviorConfig, marketRecord, ifRecord string) error {
	perp, err := d.Admin.PerpMarket(ctx, cfg.Market)
	if err != nil {
		return fmt.Errorf("read perp market %d: %w", cfg.Market, err)
	}
	quote, err := d.Admin.SpotMarket(ctx, 0)
	if err != nil {
		return fmt.Errorf("read spot market 0: %w", err)
	}

	phase := storage.PhaseInitial
	if marketRecord == report.RecordFinalMarket {
		phase = storage.PhaseFinal
	}
	d.Recorder.Snapshot(ctx, phase, SnapshotPerp, cfg.Market, report.NewPerpMarketTuple(perp))

	if cfg.Results == nil {
		return nil
	}
	if err := cfg.Results.Append(report.NewAMMRecord(perp), marketRecord); err != nil {
		return err
	}
	return cfg.Results.Append(report.NewInsuranceFundRecord(quote), ifRecord)
}

// cancelPerpOrders cancels, concurrently, the perp orders of every
// sub-account that has open orders in market. It returns the number of
// sub-accounts cancelled. All sub-accounts are read before any cancel is
// sent.
func cancelPerpOrders(ctx context.Context, d Deps, market uint16) (int, error) {
	type target struct {
		agent exchange.Agent
		sub   uint16
	}
	var targets []target
	for i, a := range d.Agents {
		if err := a.Refresh(ctx); err != nil {
			return 0, fmt.Errorf("refresh agent %d: %w", i, err)
		}
		for _, sub := range a.SubAccountIDs() {
			user, err := a.UserAccount(ctx, sub)
			if err != nil {
				return 0, fmt.Errorf("agent %d sub-account %d: %w", i, sub, err)
			}
			n := user.OpenPerpOrders(market)
			if n == 0 {
				continue
			}
			d.Logger.Info("canceling orders",
				slog.Int("orders", n),
				slog.String("user", a.Authority().String()),
				slog.Int("sub_account_id", int(sub)),
				slog.Int("market", int(market)))
			targets = append(targets, target{agent: a, sub: sub})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			res, err := t.agent.CancelOrders(gctx, t.sub, exchange.MarketTypePerp, market)
			if err != nil {
				return fmt.Errorf("cancel orders for %s/%d: %w", t.agent.Authority(), t.sub, err)
			}
			d.confirm(gctx, "cancel_orders", res.Signature)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(targets), err
	}
	return len(targets), nil
}

func checkNoOrders(ctx context.Context, d Deps, market uint16) error {
	for i, agent := range d.Agents {
		if err := agent.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh agent %d: %w", i, err)
		}
		for _, sub := range agent.SubAccountIDs() {
			user, err := agent.UserAccount(ctx, sub)
			if err != nil {
				return fmt.Errorf("agent %d sub-account %d: %w", i, sub, err)
			}
			if n := user.OpenPerpOrders(market); n > 0 {
				return fmt.Errorf("%w: orders: %d remaining for user: %s market index: %d",
					ErrOrdersRemaining, n, agent.Authority(), market)
			}
		}
	}
	return nil
}

// waitForFlag polls path until it exists, then removes it.
func waitForFlag(ctx context.Context, d Deps, path string) error {
	poll := d.Timings.KeeperPoll
	if poll <= 0 {
		poll = DefaultKeeperPoll
	}
	for {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			d.Logger.Info("keeper done", slog.String("flag_file", path))
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove keeper flag: %w", err)
			}
			return nil
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("stat keeper flag: %w", err)
		}
		d.Logger.Info("waiting for keeper to finish", slog.String("flag_file", path))
		if err := d.Waiter.Wait(ctx, poll); err != nil {
			return err
		}
	}
}

func expandHome(path string) (string, error) {
	if path == "" {
		path = DefaultKeeperFlagFile
	}
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, path[1:]), nil
}
