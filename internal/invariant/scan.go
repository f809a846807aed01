package invariant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/chain"
	"github.com/gateway-fm/perpsim/internal/exchange"
)

// Scanner reads every user account and perp market from the ledger.
type Scanner struct {
	ledger    chain.Ledger
	admin     exchange.Admin
	programID solana.PublicKey
	logger    *slog.Logger
}

// NewScanner creates a Scanner. Users are decoded through admin.
func NewScanner(ledger chain.Ledger, admin exchange.Admin, programID solana.PublicKey, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{ledger: ledger, admin: admin, programID: programID, logger: logger}
}

// Users returns every user account of the exchange program, idle or not.
func (s *Scanner) Users(ctx context.Context) ([]*exchange.UserAccount, error) {
	scan, err := s.ledger.ProgramAccounts(ctx, s.programID, chain.Filter{Offset: 0, Bytes: exchange.UserDiscriminator})
	if err != nil {
		return nil, fmt.Errorf("scan user accounts: %w", err)
	}
	users := make([]*exchange.UserAccount, 0, len(scan.Accounts))
	for _, acc := range scan.Accounts {
		u, err := s.admin.DecodeUser(ctx, acc.Data)
		if err != nil {
			return nil, fmt.Errorf("decode user %s: %w", acc.Pubkey, err)
		}
		users = append(users, u)
	}
	return users, nil
}

// Validate runs ValidateMarketMetrics over markets 0..maxMarketIndex.
func (s *Scanner) Validate(ctx context.Context, maxMarketIndex uint16) ([]Violation, error) {
	users, err := s.Users(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.admin.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	markets := make([]*exchange.PerpMarket, 0, int(maxMarketIndex)+1)
	for i := uint16(0); i <= maxMarketIndex; i++ {
		m, err := s.admin.PerpMarket(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("perp market %d: %w", i, err)
		}
		markets = append(markets, m)
	}

	violations := ValidateMarketMetrics(users, markets)
	for _, v := range violations {
		s.logger.Error("market invariant violated",
			slog.Int("market", int(v.Market)),
			slog.String("check", v.Check),
			slog.String("got", v.Got.String()),
			slog.String("want", v.Want.String()))
	}
	if len(violations) == 0 {
		s.logger.Info("market invariants validated",
			slog.Int("users", len(users)),
			slog.Int("markets", len(markets)))
	}
	return violations, nil
}
