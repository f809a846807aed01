// Package chain provides ledger access for the simulator: slots, block time,
// airdrops, token balances, signature confirmation and program-account scans.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrNoBlockTime is returned when the ledger has no timestamp for a slot.
var ErrNoBlockTime = errors.New("block time unavailable")

// Ledger is the ledger surface used by the simulator workflows.
type Ledger interface {
	Slot(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, slot uint64) (int64, error)
	RequestAirdrop(ctx context.Context, account solana.PublicKey, lamports uint64) (solana.Signature, error)
	TokenBalance(ctx context.Context, account solana.PublicKey) (float64, bool, error)
	Confirm(ctx context.Context, sig solana.Signature) Confirmation
	ProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...Filter) (*ProgramAccounts, error)
}

// Filter matches account data at Offset against Bytes.
type Filter struct {
	Offset uint64
	Bytes  []byte
}

// Account is a raw program account.
type Account struct {
	Pubkey solana.PublicKey
	Data   []byte
}

// ProgramAccounts is the result of a program-account scan.
// Slot is read before the scan, so the data is at least that recent.
type ProgramAccounts struct {
	Slot     uint64
	Accounts []Account
}

// ClientConfig holds configuration for the ledger client.
type ClientConfig struct {
	URL             string
	Commitment      rpc.CommitmentType
	ConfirmTimeout  time.Duration
	ConfirmInterval time.Duration
	Logger          *slog.Logger
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:             url,
		Commitment:      rpc.CommitmentConfirmed,
		ConfirmTimeout:  30 * time.Second,
		ConfirmInterval: 250 * time.Millisecond,
	}
}

// Client implements Ledger over the Solana JSON-RPC API.
type Client struct {
	rpc    *rpc.Client
	cfg    ClientConfig
	logger *slog.Logger
}

// NewClient creates a ledger client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	return &Client{
		rpc:    rpc.New(cfg.URL),
		cfg:    cfg,
		logger: logger,
	}
}

// Slot returns the current slot.
func (c *Client) Slot(ctx context.Context) (uint64, error) {
	slot, err := c.rpc.GetSlot(ctx, c.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

// BlockTime returns the unix timestamp of a slot.
func (c *Client) BlockTime(ctx context.Context, slot uint64) (int64, error) {
	ts, err := c.rpc.GetBlockTime(ctx, slot)
	if err != nil {
		return 0, fmt.Errorf("get block time for slot %d: %w", slot, err)
	}
	if ts == nil {
		return 0, fmt.Errorf("slot %d: %w", slot, ErrNoBlockTime)
	}
	return int64(*ts), nil
}

// RequestAirdrop requests lamports for an account.
func (c *Client) RequestAirdrop(ctx context.Context, account solana.PublicKey, lamports uint64) (solana.Signature, error) {
	sig, err := c.rpc.RequestAirdrop(ctx, account, lamports, c.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("airdrop to %s: %w", account, err)
	}
	return sig, nil
}

// TokenBalance returns the UI amount of a token account.
// ok is false when the ledger returns no value for the account.
func (c *Client) TokenBalance(ctx context.Context, account solana.PublicKey) (float64, bool, error) {
	out, err := c.rpc.GetTokenAccountBalance(ctx, account, c.cfg.Commitment)
	if err != nil {
		return 0, false, fmt.Errorf("token balance of %s: %w", account, err)
	}
	if out == nil || out.Value == nil || out.Value.UiAmount == nil {
		return 0, false, nil
	}
	return *out.Value.UiAmount, true, nil
}

// ProgramAccounts scans all accounts owned by program that match every filter.
func (c *Client) ProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...Filter) (*ProgramAccounts, error) {
	slot, err := c.Slot(ctx)
	if err != nil {
		return nil, err
	}

	rpcFilters := make([]rpc.RPCFilter, 0, len(filters))
	for _, f := range filters {
		rpcFilters = append(rpcFilters, rpc.RPCFilter{
			Memcmp: &rpc.RPCFilterMemcmp{
				Offset: f.Offset,
				Bytes:  solana.Base58(f.Bytes),
			},
		})
	}

	out, err := c.rpc.GetProgramAccountsWithOpts(ctx, program, &rpc.GetProgramAccountsOpts{
		Commitment: c.cfg.Commitment,
		Encoding:   solana.EncodingBase64,
		Filters:    rpcFilters,
	})
	if err != nil {
		return nil, fmt.Errorf("program accounts of %s: %w", program, err)
	}

	result := &ProgramAccounts{Slot: slot, Accounts: make([]Account, 0, len(out))}
	for _, keyed := range out {
		if keyed == nil || keyed.Account == nil || keyed.Account.Data == nil {
			continue
		}
		result.Accounts = append(result.Accounts, Account{
			Pubkey: keyed.Pubkey,
			Data:   keyed.Account.Data.GetBinary(),
		})
	}

	c.logger.Debug("program accounts scanned",
		slog.String("program", program.String()),
		slog.Int("accounts", len(result.Accounts)),
		slog.Uint64("slot", slot),
	)
	return result, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
