// Package agent loads the admin and the simulated users the workflows drive.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/chain"
	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/keys"
)

// MaxSubAccounts is the number of sub-account IDs probed per authority.
const MaxSubAccounts = 10

// DefaultAirdropLamports is the airdrop each loaded wallet receives.
const DefaultAirdropLamports = keys.LamportsPerSOL

// Loader builds exchange clients for keypairs on disk.
type Loader struct {
	ledger    chain.Ledger
	dialer    exchange.Dialer
	funder    *keys.Funder
	programID solana.PublicKey
	adminFile string
	airdrop   uint64
	logger    *slog.Logger
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Ledger    chain.Ledger
	Dialer    exchange.Dialer
	ProgramID solana.PublicKey
	// AdminFile is the admin keypair file name; defaults to keys.DefaultAdminFile.
	AdminFile string
	// AirdropLamports defaults to DefaultAirdropLamports.
	AirdropLamports    uint64
	FundingConcurrency int
	Logger             *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(cfg LoaderConfig) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adminFile := cfg.AdminFile
	if adminFile == "" {
		adminFile = keys.DefaultAdminFile
	}
	airdrop := cfg.AirdropLamports
	if airdrop == 0 {
		airdrop = DefaultAirdropLamports
	}
	return &Loader{
		ledger:    cfg.Ledger,
		dialer:    cfg.Dialer,
		funder:    keys.NewFunder(cfg.Ledger, cfg.FundingConcurrency, logger),
		programID: cfg.ProgramID,
		adminFile: adminFile,
		airdrop:   airdrop,
		logger:    logger,
	}
}

// LoadLocalUsers loads up to numUsers keypairs from dir (the admin file
// included), airdrops each and dials one cached client per wallet.
func (l *Loader) LoadLocalUsers(ctx context.Context, dir string, numUsers int) (exchange.Admin, []exchange.Agent, error) {
	all, err := keys.LoadDir(dir, numUsers)
	if err != nil {
		return nil, nil, err
	}
	adminKey, agentKeys, err := keys.SplitAdmin(all, l.adminFile)
	if err != nil {
		return nil, nil, err
	}

	accounts := make([]solana.PublicKey, 0, len(all))
	for _, kp := range all {
		accounts = append(accounts, kp.PublicKey())
	}
	l.funder.AirdropAll(ctx, accounts, l.airdrop)

	opts := exchange.DialOptions{Subscription: exchange.SubscriptionCached}
	admin, err := l.dialer.DialAdmin(ctx, adminKey, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("dial admin: %w", err)
	}
	agents := make([]exchange.Agent, 0, len(agentKeys))
	for _, kp := range agentKeys {
		a, err := l.dialer.DialAgent(ctx, kp, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("dial agent %s: %w", kp.PublicKey(), err)
		}
		agents = append(agents, a)
	}

	l.logger.Info("loaded local users", slog.Int("users", len(agents)+1))
	return admin, agents, nil
}

// LoadStats summarizes a LoadNonIdleUsersForMarket run.
type LoadStats struct {
	Users       int
	UsersWithLP int
	LPShares    *big.Int
	Agents      int
	MissingKeys int
	Elapsed     time.Duration
}

// LoadNonIdleUsersForMarket scans non-idle user accounts and dials an agent
// for every user with a position in market. Keypairs are read from dir as
// <authority>.secret; users without one are skipped.
func (l *Loader) LoadNonIdleUsersForMarket(ctx context.Context, admin exchange.Admin, market uint16, dir string) ([]exchange.Agent, LoadStats, error) {
	start := time.Now()
	stats := LoadStats{LPShares: new(big.Int)}

	scan, err := l.ledger.ProgramAccounts(ctx, l.programID,
		chain.Filter{Offset: 0, Bytes: exchange.UserDiscriminator},
		chain.Filter{Offset: exchange.UserAccountDataOffsetIdle, Bytes: []byte{0}},
	)
	if err != nil {
		return nil, stats, fmt.Errorf("scan user accounts: %w", err)
	}
	if err := admin.Refresh(ctx); err != nil {
		return nil, stats, fmt.Errorf("refresh: %w", err)
	}
	stats.Users = len(scan.Accounts)
	l.logger.Info("scanned user accounts",
		slog.Int("users", stats.Users),
		slog.Uint64("slot", scan.Slot),
		slog.Int("market", int(market)))

	type pending struct {
		kp   *keys.Keypair
		data []byte
	}
	var toDial []pending
	for _, acc := range scan.Accounts {
		user, err := admin.DecodeUser(ctx, acc.Data)
		if err != nil {
			l.logger.Warn("failed to decode user",
				slog.String("account", acc.Pubkey.String()),
				slog.String("error", err.Error()))
			continue
		}
		for _, pos := range user.PerpPositions {
			if pos.MarketIndex != market {
				continue
			}
			stats.LPShares.Add(stats.LPShares, new(big.Int).SetUint64(pos.LPShares))
			if pos.LPShares > 0 {
				stats.UsersWithLP++
			}
			kp, err := keys.LoadForAuthority(dir, user.Authority)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					return nil, stats, err
				}
				stats.MissingKeys++
				l.logger.Warn("no keypair for user", slog.String("authority", user.Authority.String()))
				continue
			}
			toDial = append(toDial, pending{kp: kp, data: acc.Data})
		}
	}

	accounts := make([]solana.PublicKey, 0, len(toDial))
	for _, p := range toDial {
		accounts = append(accounts, p.kp.PublicKey())
	}
	funded := make(chan keys.FundingResult, 1)
	go func() { funded <- l.funder.AirdropAll(ctx, accounts, l.airdrop) }()

	agents := make([]exchange.Agent, 0, len(toDial))
	for _, p := range toDial {
		a, err := l.dialer.DialAgent(ctx, p.kp, exchange.DialOptions{
			Subscription: exchange.SubscriptionCached,
			InitialUser:  &exchange.InitialUser{Data: p.data, Slot: scan.Slot},
		})
		if err != nil {
			<-funded
			return nil, stats, fmt.Errorf("dial agent %s: %w", p.kp.PublicKey(), err)
		}
		agents = append(agents, a)
	}
	if res := <-funded; res.Failed > 0 {
		l.logger.Warn("some airdrops failed", slog.Int("failed", res.Failed))
	}

	stats.Agents = len(agents)
	stats.Elapsed = time.Since(start)
	l.logger.Info("loaded non-idle users",
		slog.Int("market", int(market)),
		slog.Int("users", stats.Users),
		slog.Int("users_with_lp_shares", stats.UsersWithLP),
		slog.String("lp_shares", stats.LPShares.String()),
		slog.Int("agents", stats.Agents),
		slog.Duration("elapsed", stats.Elapsed))
	return agents, stats, nil
}

// LoadSubAccounts registers every sub-account 0..9 whose user account
// address has a file in accountsDir. Agents with none are dropped.
func (l *Loader) LoadSubAccounts(ctx context.Context, agents []exchange.Agent, accountsDir string) ([]exchange.Agent, error) {
	stems, err := keys.AccountStems(accountsDir)
	if err != nil {
		return nil, err
	}

	active := make([]exchange.Agent, 0, len(agents))
	for _, a := range agents {
		found := 0
		for sub := range uint16(MaxSubAccounts) {
			addr, err := a.UserAccountAddress(sub)
			if err != nil {
				return nil, err
			}
			if _, ok := stems[addr.String()]; !ok {
				continue
			}
			if err := a.AddSubAccount(ctx, sub); err != nil {
				return nil, fmt.Errorf("add sub-account %d for %s: %w", sub, a.Authority(), err)
			}
			found++
		}
		if found > 0 {
			active = append(active, a)
		}
	}
	l.logger.Info("loaded sub-accounts", slog.Int("agents", len(active)), slog.Int("dropped", len(agents)-len(active)))
	return active, nil
}

// CountSubAccounts returns the number of sub-accounts across agents.
func CountSubAccounts(agents []exchange.Agent) int {
	n := 0
	for _, a := range agents {
		n += len(a.SubAccountIDs())
	}
	return n
}
