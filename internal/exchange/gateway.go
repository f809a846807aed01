package exchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/cluster"
	"github.com/gateway-fm/perpsim/internal/keys"
	"github.com/gateway-fm/perpsim/internal/rpc"
)

// Gateway creates exchange clients hosted by the exchange gateway.
// Each wallet is registered once; later calls carry the returned handle.
type Gateway struct {
	client  rpc.Client
	cluster *cluster.Cluster
	logger  *slog.Logger
}

// NewGateway creates a gateway for a cluster.
func NewGateway(client rpc.Client, cl *cluster.Cluster, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{client: client, cluster: cl, logger: logger}
}

type registerParams struct {
	Secret       string             `json:"secret"`
	Env          string             `json:"env"`
	ProgramID    string             `json:"programId"`
	Subscription Subscription       `json:"subscription"`
	InitialUser  *initialUserParams `json:"initialUser,omitempty"`
}

type initialUserParams struct {
	Data string `json:"data"`
	Slot uint64 `json:"slot"`
}

type registerResponse struct {
	Handle        string   `json:"handle"`
	SubAccountIDs []uint16 `json:"subAccountIds"`
}

type txResponse struct {
	Signature string   `json:"signature"`
	Slot      uint64   `json:"slot"`
	Logs      []string `json:"logs"`
}

// Ping checks that the gateway answers.
func (g *Gateway) Ping(ctx context.Context) error {
	if _, err := g.client.Call(ctx, "exchange_ping", nil); err != nil {
		return fmt.Errorf("exchange_ping: %w", err)
	}
	return nil
}

// DialAdmin registers and subscribes an admin client.
func (g *Gateway) DialAdmin(ctx context.Context, kp *keys.Keypair, opts DialOptions) (Admin, error) {
	s, err := g.dial(ctx, kp, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DialAgent registers and subscribes an agent client.
func (g *Gateway) DialAgent(ctx context.Context, kp *keys.Keypair, opts DialOptions) (Agent, error) {
	s, err := g.dial(ctx, kp, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (g *Gateway) dial(ctx context.Context, kp *keys.Keypair, opts DialOptions) (*Session, error) {
	if opts.Subscription == "" {
		opts.Subscription = SubscriptionCached
	}
	params := registerParams{
		Secret:       kp.SeedHex(),
		Env:          g.cluster.Env,
		ProgramID:    g.cluster.ProgramID.String(),
		Subscription: opts.Subscription,
	}
	if opts.InitialUser != nil {
		params.InitialUser = &initialUserParams{
			Data: base64.StdEncoding.EncodeToString(opts.InitialUser.Data),
			Slot: opts.InitialUser.Slot,
		}
	}

	raw, err := g.client.Send(ctx, "exchange_register", params)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", kp.PublicKey(), err)
	}
	var resp registerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode register response: %w", err)
	}
	if len(resp.SubAccountIDs) == 0 {
		resp.SubAccountIDs = []uint16{0}
	}

	s := &Session{
		gw:          g,
		handle:      resp.Handle,
		authority:   kp.PublicKey(),
		subAccounts: resp.SubAccountIDs,
	}
	if _, err := g.client.Send(ctx, "exchange_subscribe", map[string]any{"handle": s.handle}); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.authority, err)
	}

	g.logger.Debug("gateway client registered",
		slog.String("authority", s.authority.String()),
		slog.String("subscription", string(opts.Subscription)),
		slog.Bool("initial_user", opts.InitialUser != nil),
	)
	return s, nil
}

// Session is one registered gateway client. It implements Admin and Agent;
// which one applies depends on the wallet it was registered with.
type Session struct {
	gw        *Gateway
	handle    string
	authority solana.PublicKey

	mu          sync.RWMutex
	subAccounts []uint16
}

func (s *Session) params(kv ...any) map[string]any {
	p := map[string]any{"handle": s.handle}
	for i := 0; i+1 < len(kv); i += 2 {
		p[kv[i].(string)] = kv[i+1]
	}
	return p
}

func (s *Session) read(ctx context.Context, method string, params map[string]any, out any) error {
	raw, err := s.gw.client.Call(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

func (s *Session) send(ctx context.Context, method string, params map[string]any) (TxResult, error) {
	raw, err := s.gw.client.Send(ctx, method, params)
	if err != nil {
		return TxResult{Logs: ErrorLogs(err)}, fmt.Errorf("%s: %w", method, err)
	}
	return decodeTx(method, raw)
}

func decodeTx(method string, raw json.RawMessage) (TxResult, error) {
	var resp txResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return TxResult{}, fmt.Errorf("decode %s: %w", method, err)
	}
	sig, err := solana.SignatureFromBase58(resp.Signature)
	if err != nil {
		return TxResult{}, fmt.Errorf("%s: bad signature %q: %w", method, resp.Signature, err)
	}
	return TxResult{Signature: sig, Slot: resp.Slot, Logs: resp.Logs}, nil
}

// Authority returns the wallet address.
func (s *Session) Authority() solana.PublicKey { return s.authority }

// Refresh reloads the client's account cache.
func (s *Session) Refresh(ctx context.Context) error {
	return s.read(ctx, "exchange_refresh", s.params(), nil)
}

// PerpMarket returns the cached perp market.
func (s *Session) PerpMarket(ctx context.Context, market uint16) (*PerpMarket, error) {
	var out PerpMarket
	if err := s.read(ctx, "exchange_perpMarket", s.params("marketIndex", market), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SpotMarket returns the cached spot market.
func (s *Session) SpotMarket(ctx context.Context, market uint16) (*SpotMarket, error) {
	markets, err := s.SpotMarkets(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range markets {
		if m.MarketIndex == market {
			return m, nil
		}
	}
	return nil, fmt.Errorf("spot market %d not found", market)
}

// SpotMarkets returns every cached spot market.
func (s *Session) SpotMarkets(ctx context.Context) ([]*SpotMarket, error) {
	var out []*SpotMarket
	if err := s.read(ctx, "exchange_spotMarkets", s.params(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OraclePriceForPerp returns the oracle price backing a perp market.
func (s *Session) OraclePriceForPerp(ctx context.Context, market uint16) (OraclePriceData, error) {
	var out OraclePriceData
	err := s.read(ctx, "exchange_oraclePricePerp", s.params("marketIndex", market), &out)
	return out, err
}

// OraclePriceForSpot returns the oracle price backing a spot market.
func (s *Session) OraclePriceForSpot(ctx context.Context, market uint16) (OraclePriceData, error) {
	var out OraclePriceData
	err := s.read(ctx, "exchange_oraclePriceSpot", s.params("marketIndex", market), &out)
	return out, err
}

// RepegCurve repegs a market's AMM.
func (s *Session) RepegCurve(ctx context.Context, newPeg *big.Int, market uint16) (TxResult, error) {
	return s.send(ctx, "exchange_repegCurve", s.params("newPeg", newPeg, "marketIndex", market))
}

// UpdateK sets a market's sqrt K.
func (s *Session) UpdateK(ctx context.Context, sqrtK *big.Int, market uint16) (TxResult, error) {
	return s.send(ctx, "exchange_updateK", s.params("sqrtK", sqrtK, "marketIndex", market))
}

// UpdatePerpMarketIMFFactor sets the IMF and unrealized PnL IMF factors.
func (s *Session) UpdatePerpMarketIMFFactor(ctx context.Context, market uint16, imf, unrealizedPnLIMF uint32) (TxResult, error) {
	return s.send(ctx, "exchange_updatePerpMarketImfFactor", s.params(
		"marketIndex", market,
		"imfFactor", imf,
		"unrealizedPnlImfFactor", unrealizedPnLIMF,
	))
}

// UpdatePerpMarketExpiry schedules a perp market expiry.
func (s *Session) UpdatePerpMarketExpiry(ctx context.Context, market uint16, expiryTs int64) (TxResult, error) {
	return s.send(ctx, "exchange_updatePerpMarketExpiry", s.params("marketIndex", market, "expiryTs", expiryTs))
}

// UpdateSpotMarketExpiry schedules a spot market expiry.
func (s *Session) UpdateSpotMarketExpiry(ctx context.Context, market uint16, expiryTs int64) (TxResult, error) {
	return s.send(ctx, "exchange_updateSpotMarketExpiry", s.params("marketIndex", market, "expiryTs", expiryTs))
}

// UpdatePerpAuctionDuration sets the global perp auction duration.
func (s *Session) UpdatePerpAuctionDuration(ctx context.Context, slots uint8) (TxResult, error) {
	return s.send(ctx, "exchange_updatePerpAuctionDuration", s.params("duration", slots))
}

// UpdateLPCooldownTime sets the LP cooldown.
func (s *Session) UpdateLPCooldownTime(ctx context.Context, seconds int64) (TxResult, error) {
	return s.send(ctx, "exchange_updateLpCooldownTime", s.params("cooldownTime", seconds))
}

// UpdateLiquidationDuration sets the liquidation duration.
func (s *Session) UpdateLiquidationDuration(ctx context.Context, slots uint8) (TxResult, error) {
	return s.send(ctx, "exchange_updateLiquidationDuration", s.params("duration", slots))
}

// UpdateOracleGuardRails replaces the oracle guard rails.
func (s *Session) UpdateOracleGuardRails(ctx context.Context, rails OracleGuardRails) (TxResult, error) {
	return s.send(ctx, "exchange_updateOracleGuardRails", s.params("guardRails", rails))
}

// SettleExpiredMarket settles an expired perp market.
func (s *Session) SettleExpiredMarket(ctx context.Context, market uint16) (TxResult, error) {
	return s.send(ctx, "exchange_settleExpiredMarket", s.params("marketIndex", market))
}

// OracleFeed reads a mock price feed.
func (s *Session) OracleFeed(ctx context.Context, oracle solana.PublicKey) (FeedData, error) {
	var out FeedData
	err := s.read(ctx, "exchange_oracleFeed", s.params("oracle", oracle.String()), &out)
	return out, err
}

// SetOracleFeed writes a raw price into a mock price feed.
func (s *Session) SetOracleFeed(ctx context.Context, oracle solana.PublicKey, raw int64) (TxResult, error) {
	return s.send(ctx, "exchange_setOracleFeed", s.params("oracle", oracle.String(), "price", raw))
}

// DecodeUser decodes raw user account data.
func (s *Session) DecodeUser(ctx context.Context, data []byte) (*UserAccount, error) {
	var out UserAccount
	err := s.read(ctx, "exchange_decodeUser", s.params("data", base64.StdEncoding.EncodeToString(data)), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SubAccountIDs returns the sub-accounts this client tracks.
func (s *Session) SubAccountIDs() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.subAccounts)
}

// AddSubAccount starts tracking a sub-account.
func (s *Session) AddSubAccount(ctx context.Context, subAccountID uint16) error {
	s.mu.RLock()
	known := slices.Contains(s.subAccounts, subAccountID)
	s.mu.RUnlock()
	if known {
		return nil
	}

	if err := s.read(ctx, "exchange_addUser", s.params("subAccountId", subAccountID), nil); err != nil {
		return err
	}
	s.mu.Lock()
	if !slices.Contains(s.subAccounts, subAccountID) {
		s.subAccounts = append(s.subAccounts, subAccountID)
	}
	s.mu.Unlock()
	return nil
}

// UserAccount returns a cached user account.
func (s *Session) UserAccount(ctx context.Context, subAccountID uint16) (*UserAccount, error) {
	var out UserAccount
	if err := s.read(ctx, "exchange_userAccount", s.params("subAccountId", subAccountID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UserAccounts returns every tracked sub-account in one batch request.
func (s *Session) UserAccounts(ctx context.Context) ([]*UserAccount, error) {
	subs := s.SubAccountIDs()
	calls := make([]rpc.BatchRequest, len(subs))
	for i, sub := range subs {
		calls[i] = rpc.BatchRequest{Method: "exchange_userAccount", Params: s.params("subAccountId", sub)}
	}
	resps, err := s.gw.client.BatchCall(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("exchange_userAccount batch: %w", err)
	}

	users := make([]*UserAccount, 0, len(resps))
	for i, resp := range resps {
		if resp.Error != nil {
			return nil, fmt.Errorf("user %s/%d: %w", s.authority, subs[i], resp.Error)
		}
		var u UserAccount
		if err := json.Unmarshal(resp.Result, &u); err != nil {
			return nil, fmt.Errorf("decode user %s/%d: %w", s.authority, subs[i], err)
		}
		users = append(users, &u)
	}
	return users, nil
}

// UserAccountAddress derives the user account address of a sub-account.
func (s *Session) UserAccountAddress(subAccountID uint16) (solana.PublicKey, error) {
	return keys.UserAccountAddress(s.gw.cluster.ProgramID, s.authority, subAccountID)
}

// PerpPosition returns the sub-account's position in market, or nil.
func (s *Session) PerpPosition(ctx context.Context, market, subAccountID uint16) (*PerpPosition, error) {
	user, err := s.UserAccount(ctx, subAccountID)
	if err != nil {
		return nil, err
	}
	pos, ok := user.PerpPosition(market)
	if !ok {
		return nil, nil
	}
	return pos, nil
}

// RemoveLiquidity burns LP shares.
func (s *Session) RemoveLiquidity(ctx context.Context, shares uint64, market, subAccountID uint16) (TxResult, error) {
	return s.send(ctx, "exchange_removeLiquidity", s.params(
		"shares", shares,
		"marketIndex", market,
		"subAccountId", subAccountID,
	))
}

// SettlePnL settles a user's PnL in a market.
func (s *Session) SettlePnL(ctx context.Context, user solana.PublicKey, account *UserAccount, market uint16) (TxResult, error) {
	var sub uint16
	if account != nil {
		sub = account.SubAccountID
	}
	return s.send(ctx, "exchange_settlePnl", s.params(
		"user", user.String(),
		"subAccountId", sub,
		"marketIndex", market,
	))
}

// SettleLP settles a sub-account's LP position.
func (s *Session) SettleLP(ctx context.Context, market, subAccountID uint16) (TxResult, error) {
	return s.send(ctx, "exchange_settleLp", s.params("marketIndex", market, "subAccountId", subAccountID))
}

// ClosePosition closes a sub-account's position.
func (s *Session) ClosePosition(ctx context.Context, market, subAccountID uint16) (TxResult, error) {
	return s.send(ctx, "exchange_closePosition", s.params("marketIndex", market, "subAccountId", subAccountID))
}

// CancelOrders cancels a sub-account's orders in a market.
func (s *Session) CancelOrders(ctx context.Context, subAccountID uint16, marketType MarketType, market uint16) (TxResult, error) {
	return s.send(ctx, "exchange_cancelOrders", s.params(
		"subAccountId", subAccountID,
		"marketType", marketType,
		"marketIndex", market,
	))
}

// InitializeUser creates a user account.
func (s *Session) InitializeUser(ctx context.Context, subAccountID uint16) (TxResult, error) {
	return s.send(ctx, "exchange_initializeUser", s.params("subAccountId", subAccountID))
}

var (
	_ Admin  = (*Session)(nil)
	_ Agent  = (*Session)(nil)
	_ Dialer = (*Gateway)(nil)
)
