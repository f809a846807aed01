package scenario

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/perpsim/internal/agent"
	"github.com/gateway-fm/perpsim/internal/report"
	"github.com/gateway-fm/perpsim/internal/storage"
	"github.com/gateway-fm/perpsim/pkg/types"
)

// SetupConfig selects the users a workflow drives.
type SetupConfig struct {
	Loader      *agent.Loader
	KeypairsDir string
	// AccountsDir holds one <user account address>.json file per sub-account.
	AccountsDir string
	Market      uint16
	// LocalUsers is the number of keypair files read for the admin pass.
	LocalUsers int
}

// Setup loads the admin and every non-idle user with a position in the
// market, records the start slot and user count, and waits SetupWait for
// the clients' caches. The returned Deps carry the admin and agents.
func Setup(ctx context.Context, d Deps, cfg SetupConfig) (Deps, error) {
	d.defaults()
	d.Recorder.SetPhase(types.PhaseLoadingUsers, "")
	if cfg.LocalUsers <= 0 {
		cfg.LocalUsers = 1
	}

	admin, _, err := cfg.Loader.LoadLocalUsers(ctx, cfg.KeypairsDir, cfg.LocalUsers)
	if err != nil {
		return d, fmt.Errorf("load local users: %w", err)
	}
	d.Admin = admin

	slot, err := d.Ledger.Slot(ctx)
	if err != nil {
		return d, fmt.Errorf("read slot: %w", err)
	}
	d.Results.SetStartSlot(slot)

	agents, stats, err := cfg.Loader.LoadNonIdleUsersForMarket(ctx, admin, cfg.Market, cfg.KeypairsDir)
	if err != nil {
		return d, fmt.Errorf("load users for market %d: %w", cfg.Market, err)
	}
	if cfg.AccountsDir != "" {
		if agents, err = cfg.Loader.LoadSubAccounts(ctx, agents, cfg.AccountsDir); err != nil {
			return d, fmt.Errorf("load sub-accounts: %w", err)
		}
	}
	d.Agents = agents

	users := agent.CountSubAccounts(agents)
	d.Results.SetTotalUsers(users)
	d.Logger.Info("setup finished",
		slog.Int("market", int(cfg.Market)),
		slog.Int("agents", len(agents)),
		slog.Int("users", users),
		slog.Int("missing_keys", stats.MissingKeys))

	if err := d.wait(ctx, d.Timings.SetupWait); err != nil {
		return d, err
	}
	return d, nil
}

// RecordFinal refreshes and records the final perp market and every spot
// market.
func RecordFinal(ctx context.Context, d Deps, market uint16) error {
	d.defaults()
	d.Recorder.SetPhase(types.PhaseRecordingFinal, "")
	if err := d.Admin.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	perp, err := d.Admin.PerpMarket(ctx, market)
	if err != nil {
		return fmt.Errorf("read perp market %d: %w", market, err)
	}
	d.Results.AddFinalPerpMarket(perp)
	d.Recorder.Snapshot(ctx, storage.PhaseFinal, SnapshotPerp, market, report.NewPerpMarketTuple(perp))

	spots, err := d.Admin.SpotMarkets(ctx)
	if err != nil {
		return fmt.Errorf("read spot markets: %w", err)
	}
	for _, sm := range spots {
		ifBalance, vaultBalance := d.spotBalances(ctx, sm)
		d.Results.AddFinalSpotMarket(ifBalance, vaultBalance, sm)
		d.Recorder.Snapshot(ctx, storage.PhaseFinal, SnapshotSpot, sm.MarketIndex,
			report.NewSpotMarketTuple(ifBalance, vaultBalance, sm))
	}
	return nil
}
