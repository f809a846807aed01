// Package chaintest provides an in-memory ledger for workflow tests.
package chaintest

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/chain"
)

// Ledger is an in-memory chain.Ledger. The zero value is not usable; use New.
type Ledger struct {
	mu sync.Mutex

	slot      uint64
	blockTime int64

	balances  map[solana.PublicKey]float64
	lamports  map[solana.PublicKey]uint64
	failed    map[solana.Signature]error
	confirmed []solana.Signature
	accounts  []chain.Account

	// AirdropErr makes every airdrop fail when set.
	AirdropErr error
}

// New creates a ledger at slot 1 with the given block time.
func New(blockTime int64) *Ledger {
	return &Ledger{
		slot:      1,
		blockTime: blockTime,
		balances:  make(map[solana.PublicKey]float64),
		lamports:  make(map[solana.PublicKey]uint64),
		failed:    make(map[solana.Signature]error),
	}
}

// Advance moves the ledger forward by n slots.
func (l *Ledger) Advance(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slot += n
}

// SetTokenBalance sets the UI balance of a token account.
func (l *Ledger) SetTokenBalance(account solana.PublicKey, ui float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = ui
}

// FailSignature makes Confirm report err for sig.
func (l *Ledger) FailSignature(sig solana.Signature, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed[sig] = err
}

// AddProgramAccount adds an account returned by every ProgramAccounts scan.
func (l *Ledger) AddProgramAccount(acc chain.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = append(l.accounts, acc)
}

// Lamports returns the airdropped lamports for an account.
func (l *Ledger) Lamports(account solana.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lamports[account]
}

// Confirmed returns the signatures confirmed so far, in order.
func (l *Ledger) Confirmed() []solana.Signature {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]solana.Signature(nil), l.confirmed...)
}

// Slot returns the current slot and advances by one.
func (l *Ledger) Slot(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slot++
	return l.slot, nil
}

// BlockTime returns the configured block time.
func (l *Ledger) BlockTime(ctx context.Context, slot uint64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockTime, nil
}

// RequestAirdrop credits lamports and returns a fresh signature.
func (l *Ledger) RequestAirdrop(ctx context.Context, account solana.PublicKey, lamports uint64) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AirdropErr != nil {
		return solana.Signature{}, l.AirdropErr
	}
	l.lamports[account] += lamports
	return randomSignature(), nil
}

// TokenBalance returns a balance set with SetTokenBalance.
func (l *Ledger) TokenBalance(ctx context.Context, account solana.PublicKey) (float64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.balances[account]
	return v, ok, nil
}

// Confirm confirms every signature unless it was marked failed.
func (l *Ledger) Confirm(ctx context.Context, sig solana.Signature) chain.Confirmation {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmed = append(l.confirmed, sig)
	if err, ok := l.failed[sig]; ok {
		return chain.Confirmation{
			Signature: sig,
			Status:    chain.StatusFailed,
			Slot:      l.slot,
			Err:       errors.Join(chain.ErrTransactionFailed, err),
		}
	}
	return chain.Confirmation{Signature: sig, Status: chain.StatusConfirmed, Slot: l.slot}
}

// ProgramAccounts returns accounts added with AddProgramAccount.
// Filters are applied against the account data.
func (l *Ledger) ProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...chain.Filter) (*chain.ProgramAccounts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := &chain.ProgramAccounts{Slot: l.slot}
	for _, acc := range l.accounts {
		if matches(acc.Data, filters) {
			out.Accounts = append(out.Accounts, acc)
		}
	}
	return out, nil
}

func matches(data []byte, filters []chain.Filter) bool {
	for _, f := range filters {
		end := f.Offset + uint64(len(f.Bytes))
		if end > uint64(len(data)) {
			return false
		}
		if string(data[f.Offset:end]) != string(f.Bytes) {
			return false
		}
	}
	return true
}

func randomSignature() solana.Signature {
	var sig solana.Signature
	rand.Read(sig[:])
	return sig
}

// SlotWaiter returns immediately and records every wait.
type SlotWaiter struct {
	mu    sync.Mutex
	Waits []int
}

// WaitSlots records n.
func (w *SlotWaiter) WaitSlots(ctx context.Context, n int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Waits = append(w.Waits, n)
	return ctx.Err()
}
