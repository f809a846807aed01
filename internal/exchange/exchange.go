// Package exchange models the perpetual-futures exchange the simulator drives
// and talks to it through the exchange gateway.
package exchange

import (
	"context"
	"math/big"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/keys"
)

// Subscription selects how the gateway keeps a client's account cache.
type Subscription string

// Subscription modes.
const (
	SubscriptionCached    Subscription = "cached"
	SubscriptionWebsocket Subscription = "websocket"
)

// Reader reads cached exchange state. Refresh reloads the cache.
type Reader interface {
	Refresh(ctx context.Context) error
	PerpMarket(ctx context.Context, market uint16) (*PerpMarket, error)
	SpotMarket(ctx context.Context, market uint16) (*SpotMarket, error)
	SpotMarkets(ctx context.Context) ([]*SpotMarket, error)
	OraclePriceForPerp(ctx context.Context, market uint16) (OraclePriceData, error)
	OraclePriceForSpot(ctx context.Context, market uint16) (OraclePriceData, error)
}

// Admin is a client signed by the exchange admin.
type Admin interface {
	Reader
	Authority() solana.PublicKey

	RepegCurve(ctx context.Context, newPeg *big.Int, market uint16) (TxResult, error)
	UpdateK(ctx context.Context, sqrtK *big.Int, market uint16) (TxResult, error)
	UpdatePerpMarketIMFFactor(ctx context.Context, market uint16, imf, unrealizedPnLIMF uint32) (TxResult, error)
	UpdatePerpMarketExpiry(ctx context.Context, market uint16, expiryTs int64) (TxResult, error)
	UpdateSpotMarketExpiry(ctx context.Context, market uint16, expiryTs int64) (TxResult, error)
	UpdatePerpAuctionDuration(ctx context.Context, slots uint8) (TxResult, error)
	UpdateLPCooldownTime(ctx context.Context, seconds int64) (TxResult, error)
	UpdateLiquidationDuration(ctx context.Context, slots uint8) (TxResult, error)
	UpdateOracleGuardRails(ctx context.Context, rails OracleGuardRails) (TxResult, error)
	SettleExpiredMarket(ctx context.Context, market uint16) (TxResult, error)

	OracleFeed(ctx context.Context, oracle solana.PublicKey) (FeedData, error)
	SetOracleFeed(ctx context.Context, oracle solana.PublicKey, raw int64) (TxResult, error)

	DecodeUser(ctx context.Context, data []byte) (*UserAccount, error)
}

// Agent is a client signed by a simulated user.
type Agent interface {
	Authority() solana.PublicKey
	SubAccountIDs() []uint16
	AddSubAccount(ctx context.Context, subAccountID uint16) error

	Refresh(ctx context.Context) error
	UserAccount(ctx context.Context, subAccountID uint16) (*UserAccount, error)
	UserAccounts(ctx context.Context) ([]*UserAccount, error)
	UserAccountAddress(subAccountID uint16) (solana.PublicKey, error)
	PerpPosition(ctx context.Context, market, subAccountID uint16) (*PerpPosition, error)

	RemoveLiquidity(ctx context.Context, shares uint64, market, subAccountID uint16) (TxResult, error)
	SettlePnL(ctx context.Context, user solana.PublicKey, account *UserAccount, market uint16) (TxResult, error)
	SettleLP(ctx context.Context, market, subAccountID uint16) (TxResult, error)
	ClosePosition(ctx context.Context, market, subAccountID uint16) (TxResult, error)
	CancelOrders(ctx context.Context, subAccountID uint16, marketType MarketType, market uint16) (TxResult, error)
	InitializeUser(ctx context.Context, subAccountID uint16) (TxResult, error)
}

// InitialUser seeds a client's cache with user data read at Slot.
type InitialUser struct {
	Data []byte
	Slot uint64
}

// DialOptions configures a gateway client.
type DialOptions struct {
	Subscription Subscription
	InitialUser  *InitialUser
}

// Dialer creates subscribed exchange clients for wallets.
type Dialer interface {
	DialAdmin(ctx context.Context, kp *keys.Keypair, opts DialOptions) (Admin, error)
	DialAgent(ctx context.Context, kp *keys.Keypair, opts DialOptions) (Agent, error)
}
