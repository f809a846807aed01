package keys

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL uint64 = 1_000_000_000

// DefaultFundingConcurrency bounds concurrent airdrop requests.
const DefaultFundingConcurrency = 16

// Airdropper requests airdrops from the ledger.
type Airdropper interface {
	RequestAirdrop(ctx context.Context, account solana.PublicKey, lamports uint64) (solana.Signature, error)
}

// Funder airdrops SOL to simulator wallets.
type Funder struct {
	ledger      Airdropper
	concurrency int
	logger      *slog.Logger
}

// NewFunder creates a funder. concurrency <= 0 uses DefaultFundingConcurrency.
func NewFunder(ledger Airdropper, concurrency int, logger *slog.Logger) *Funder {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = DefaultFundingConcurrency
	}
	return &Funder{ledger: ledger, concurrency: concurrency, logger: logger}
}

// FundingResult reports an AirdropAll run.
type FundingResult struct {
	Signatures []solana.Signature
	Failed     int
}

// AirdropAll airdrops lamports to every account. Individual failures are
// logged and counted; they never fail the batch.
func (f *Funder) AirdropAll(ctx context.Context, accounts []solana.PublicKey, lamports uint64) FundingResult {
	var (
		mu     sync.Mutex
		sigs   = make([]solana.Signature, 0, len(accounts))
		failed atomic.Int32
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, acc := range accounts {
		g.Go(func() error {
			sig, err := f.ledger.RequestAirdrop(gctx, acc, lamports)
			if err != nil {
				failed.Add(1)
				f.logger.Warn("airdrop failed",
					slog.String("account", acc.String()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			sigs = append(sigs, sig)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	f.logger.Debug("airdrops requested",
		slog.Int("accounts", len(accounts)),
		slog.Int("failed", int(failed.Load())),
	)
	return FundingResult{Signatures: sigs, Failed: int(failed.Load())}
}
