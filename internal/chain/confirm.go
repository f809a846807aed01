package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrTransactionFailed is wrapped by Confirmation.Err when the ledger
// reports an execution error for the signature.
var ErrTransactionFailed = errors.New("transaction failed")

var errPending = errors.New("signature not yet confirmed")

// Status is the outcome of waiting for a signature.
type Status string

// Confirmation statuses.
const (
	StatusProcessed Status = "processed"
	StatusConfirmed Status = "confirmed"
	StatusFinalized Status = "finalized"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Confirmation is the result of Confirm.
type Confirmation struct {
	Signature solana.Signature
	Status    Status
	Slot      uint64
	Err       error
}

// OK reports whether the transaction landed without error.
func (c Confirmation) OK() bool {
	switch c.Status {
	case StatusProcessed, StatusConfirmed, StatusFinalized:
		return c.Err == nil
	}
	return false
}

// Confirm polls getSignatureStatuses until the signature lands at any
// commitment level, fails, or ConfirmTimeout elapses. It never returns an
// error by itself; callers decide whether a failed confirmation aborts
// their workflow.
func (c *Client) Confirm(ctx context.Context, sig solana.Signature) Confirmation {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ConfirmInterval
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = c.cfg.ConfirmTimeout

	start := time.Now()
	conf, err := backoff.RetryWithData(func() (Confirmation, error) {
		return c.signatureStatus(ctx, sig)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		conf = Confirmation{
			Signature: sig,
			Status:    StatusTimeout,
			Err:       fmt.Errorf("confirm %s: %w", sig, err),
		}
	}

	c.logger.Debug("signature confirmation",
		slog.String("signature", sig.String()),
		slog.String("status", string(conf.Status)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return conf
}

func (c *Client) signatureStatus(ctx context.Context, sig solana.Signature) (Confirmation, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return Confirmation{}, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return Confirmation{}, errPending
	}

	st := out.Value[0]
	if st.Err != nil {
		return Confirmation{
			Signature: sig,
			Status:    StatusFailed,
			Slot:      st.Slot,
			Err:       fmt.Errorf("%w: %v", ErrTransactionFailed, st.Err),
		}, nil
	}

	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusProcessed:
		return Confirmation{Signature: sig, Status: StatusProcessed, Slot: st.Slot}, nil
	case rpc.ConfirmationStatusConfirmed:
		return Confirmation{Signature: sig, Status: StatusConfirmed, Slot: st.Slot}, nil
	case rpc.ConfirmationStatusFinalized:
		return Confirmation{Signature: sig, Status: StatusFinalized, Slot: st.Slot}, nil
	}
	return Confirmation{}, errPending
}
