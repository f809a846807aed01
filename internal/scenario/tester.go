package scenario

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/keys"
)

// Tester is a freshly initialized wallet with its own exchange client.
type Tester struct {
	Keypair *keys.Keypair
	Agent   exchange.Agent
	User    *exchange.UserAccount
}

// CreateTester creates a random wallet, funds it, initializes its user
// account and dials a websocket-subscribed client for it. Failed
// confirmations are logged and do not stop the workflow.
func CreateTester(ctx context.Context, d Deps, dialer exchange.Dialer) (*Tester, error) {
	d.defaults()
	kp, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	log := d.Logger.With(slog.String("tester", kp.PublicKey().String()))

	log.Info("requesting airdrop for tester", slog.Uint64("lamports", TesterAirdropLamports))
	sig, err := d.Ledger.RequestAirdrop(ctx, kp.PublicKey(), TesterAirdropLamports)
	if err != nil {
		return nil, fmt.Errorf("airdrop tester: %w", err)
	}
	if err := d.wait(ctx, d.Timings.AirdropWait); err != nil {
		return nil, err
	}
	d.confirm(ctx, "airdrop", sig)

	agent, err := dialer.DialAgent(ctx, kp, exchange.DialOptions{Subscription: exchange.SubscriptionWebsocket})
	if err != nil {
		return nil, fmt.Errorf("dial tester: %w", err)
	}
	res, err := agent.InitializeUser(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("initialize tester user: %w", err)
	}
	if err := d.wait(ctx, d.Timings.InitializeWait); err != nil {
		return nil, err
	}
	d.confirm(ctx, "initialize_user", res.Signature)

	if err := d.wait(ctx, d.Timings.SubscribeWait); err != nil {
		return nil, err
	}
	if err := agent.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("refresh tester: %w", err)
	}
	user, err := agent.UserAccount(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("read tester user: %w", err)
	}
	log.Info("initialized tester", slog.String("user_account", user.Pubkey.String()))
	return &Tester{Keypair: kp, Agent: agent, User: user}, nil
}
