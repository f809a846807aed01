package exchangetest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"slices"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/keys"
)

// Client is one wallet's view of the in-memory exchange.
// It implements exchange.Admin and exchange.Agent.
type Client struct {
	ex        *Exchange
	authority solana.PublicKey

	mu          sync.Mutex
	subAccounts []uint16
}

var (
	_ exchange.Admin  = (*Client)(nil)
	_ exchange.Agent  = (*Client)(nil)
	_ exchange.Dialer = (*Exchange)(nil)
)

// Authority returns the wallet address.
func (c *Client) Authority() solana.PublicKey { return c.authority }

// Refresh records a cache refresh.
func (c *Client) Refresh(ctx context.Context) error {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	return c.ex.begin(Call{Method: "exchange_refresh", Authority: c.authority})
}

// PerpMarket returns a copy of a perp market.
func (c *Client) PerpMarket(ctx context.Context, market uint16) (*exchange.PerpMarket, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	m, ok := c.ex.perps[market]
	if !ok {
		return nil, fmt.Errorf("perp market %d not found", market)
	}
	return copyPerp(m), nil
}

// SpotMarket returns a copy of a spot market.
func (c *Client) SpotMarket(ctx context.Context, market uint16) (*exchange.SpotMarket, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	m, ok := c.ex.spots[market]
	if !ok {
		return nil, fmt.Errorf("spot market %d not found", market)
	}
	return copySpot(m), nil
}

// SpotMarkets returns copies of all spot markets ordered by index.
func (c *Client) SpotMarkets(ctx context.Context) ([]*exchange.SpotMarket, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	idx := make([]uint16, 0, len(c.ex.spots))
	for i := range c.ex.spots {
		idx = append(idx, i)
	}
	slices.Sort(idx)
	out := make([]*exchange.SpotMarket, 0, len(idx))
	for _, i := range idx {
		out = append(out, copySpot(c.ex.spots[i]))
	}
	return out, nil
}

// OraclePriceForPerp returns the perp market oracle price.
func (c *Client) OraclePriceForPerp(ctx context.Context, market uint16) (exchange.OraclePriceData, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	m, ok := c.ex.perps[market]
	if !ok {
		return exchange.OraclePriceData{}, fmt.Errorf("perp market %d not found", market)
	}
	return c.ex.oraclePriceLocked(m.AMM.Oracle)
}

// OraclePriceForSpot returns the spot market oracle price.
func (c *Client) OraclePriceForSpot(ctx context.Context, market uint16) (exchange.OraclePriceData, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	m, ok := c.ex.spots[market]
	if !ok {
		return exchange.OraclePriceData{}, fmt.Errorf("spot market %d not found", market)
	}
	return c.ex.oraclePriceLocked(m.Oracle)
}

// perpTx runs fn against a perp market under the exchange lock.
func (c *Client) perpTx(method string, market uint16, value int64, fn func(m *exchange.PerpMarket) error) (exchange.TxResult, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	if err := c.ex.begin(Call{Method: method, Authority: c.authority, Market: market, Value: value}); err != nil {
		return exchange.TxResult{Logs: exchange.ErrorLogs(err)}, err
	}
	m, ok := c.ex.perps[market]
	if !ok {
		return exchange.TxResult{}, TxError(fmt.Sprintf("perp market %d not found", market))
	}
	updated := copyPerp(m)
	if fn != nil {
		if err := fn(updated); err != nil {
			return exchange.TxResult{Logs: exchange.ErrorLogs(err)}, err
		}
	}
	c.ex.perps[market] = updated
	return okTx(), nil
}

// globalTx records a call with no market state.
func (c *Client) globalTx(method string, value int64, fn func()) (exchange.TxResult, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	if err := c.ex.begin(Call{Method: method, Authority: c.authority, Value: value}); err != nil {
		return exchange.TxResult{Logs: exchange.ErrorLogs(err)}, err
	}
	if fn != nil {
		fn()
	}
	return okTx(), nil
}

// RepegCurve sets the peg multiplier.
func (c *Client) RepegCurve(ctx context.Context, newPeg *big.Int, market uint16) (exchange.TxResult, error) {
	return c.perpTx("exchange_repegCurve", market, newPeg.Int64(), func(m *exchange.PerpMarket) error {
		m.AMM.PegMultiplier = new(big.Int).Set(newPeg)
		return nil
	})
}

// UpdateK sets sqrt K.
func (c *Client) UpdateK(ctx context.Context, sqrtK *big.Int, market uint16) (exchange.TxResult, error) {
	return c.perpTx("exchange_updateK", market, sqrtK.Int64(), func(m *exchange.PerpMarket) error {
		m.AMM.SqrtK = new(big.Int).Set(sqrtK)
		return nil
	})
}

// UpdatePerpMarketIMFFactor sets IMF factors.
func (c *Client) UpdatePerpMarketIMFFactor(ctx context.Context, market uint16, imf, unrealizedPnLIMF uint32) (exchange.TxResult, error) {
	return c.perpTx("exchange_updatePerpMarketImfFactor", market, int64(imf), func(m *exchange.PerpMarket) error {
		m.IMFFactor = imf
		m.UnrealizedPnLIMFFactor = unrealizedPnLIMF
		return nil
	})
}

// UpdatePerpMarketExpiry sets the expiry and moves the market to reduce-only.
func (c *Client) UpdatePerpMarketExpiry(ctx context.Context, market uint16, expiryTs int64) (exchange.TxResult, error) {
	return c.perpTx("exchange_updatePerpMarketExpiry", market, expiryTs, func(m *exchange.PerpMarket) error {
		m.ExpiryTs = expiryTs
		m.Status = exchange.MarketStatusReduceOnly
		return nil
	})
}

// UpdateSpotMarketExpiry sets a spot market expiry.
func (c *Client) UpdateSpotMarketExpiry(ctx context.Context, market uint16, expiryTs int64) (exchange.TxResult, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	if err := c.ex.begin(Call{Method: "exchange_updateSpotMarketExpiry", Authority: c.authority, Market: market, Value: expiryTs}); err != nil {
		return exchange.TxResult{Logs: exchange.ErrorLogs(err)}, err
	}
	m, ok := c.ex.spots[market]
	if !ok {
		return exchange.TxResult{}, TxError(fmt.Sprintf("spot market %d not found", market))
	}
	updated := copySpot(m)
	updated.ExpiryTs = expiryTs
	c.ex.spots[market] = updated
	return okTx(), nil
}

// UpdatePerpAuctionDuration sets the auction duration.
func (c *Client) UpdatePerpAuctionDuration(ctx context.Context, slots uint8) (exchange.TxResult, error) {
	return c.globalTx("exchange_updatePerpAuctionDuration", int64(slots), func() { c.ex.auctionDuration = slots })
}

// UpdateLPCooldownTime sets the LP cooldown.
func (c *Client) UpdateLPCooldownTime(ctx context.Context, seconds int64) (exchange.TxResult, error) {
	return c.globalTx("exchange_updateLpCooldownTime", seconds, func() { c.ex.lpCooldown = seconds })
}

// UpdateLiquidationDuration sets the liquidation duration.
func (c *Client) UpdateLiquidationDuration(ctx context.Context, slots uint8) (exchange.TxResult, error) {
	return c.globalTx("exchange_updateLiquidationDuration", int64(slots), func() { c.ex.liquidationDuration = slots })
}

// UpdateOracleGuardRails replaces the guard rails.
func (c *Client) UpdateOracleGuardRails(ctx context.Context, rails exchange.OracleGuardRails) (exchange.TxResult, error) {
	return c.globalTx("exchange_updateOracleGuardRails", 0, func() { c.ex.guardRails = rails })
}

// SettleExpiredMarket moves the market to settlement at the oracle price.
func (c *Client) SettleExpiredMarket(ctx context.Context, market uint16) (exchange.TxResult, error) {
	return c.perpTx("exchange_settleExpiredMarket", market, 0, func(m *exchange.PerpMarket) error {
		price, err := c.ex.oraclePriceLocked(m.AMM.Oracle)
		if err != nil {
			return err
		}
		m.Status = exchange.MarketStatusSettlement
		m.ExpiryPrice = price.Price
		m.AMM.HistoricalOracleData.LastOraclePrice = price.Price
		return nil
	})
}

// OracleFeed returns a feed.
func (c *Client) OracleFeed(ctx context.Context, oracle solana.PublicKey) (exchange.FeedData, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	feed, ok := c.ex.feeds[oracle]
	if !ok {
		return exchange.FeedData{}, fmt.Errorf("no feed for oracle %s", oracle)
	}
	return *feed, nil
}

// SetOracleFeed writes a raw feed price.
func (c *Client) SetOracleFeed(ctx context.Context, oracle solana.PublicKey, raw int64) (exchange.TxResult, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	if err := c.ex.begin(Call{Method: "exchange_setOracleFeed", Authority: c.authority, Value: raw}); err != nil {
		return exchange.TxResult{Logs: exchange.ErrorLogs(err)}, err
	}
	feed, ok := c.ex.feeds[oracle]
	if !ok {
		return exchange.TxResult{}, TxError("oracle feed not found")
	}
	feed.Price = raw
	return okTx(), nil
}

// DecodeUser maps data produced by EncodeUser back to the user.
func (c *Client) DecodeUser(ctx context.Context, data []byte) (*exchange.UserAccount, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	if len(data) < 12 {
		return nil, fmt.Errorf("user data too short: %d bytes", len(data))
	}
	i := binary.LittleEndian.Uint32(data[8:])
	if int(i) >= len(c.ex.encoded) {
		return nil, errUnknownUser
	}
	u, ok := c.ex.users[c.ex.encoded[i]]
	if !ok {
		return nil, errUnknownUser
	}
	return copyUser(u), nil
}

// SubAccountIDs returns tracked sub-accounts.
func (c *Client) SubAccountIDs() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subAccounts)
}

// AddSubAccount tracks a sub-account.
func (c *Client) AddSubAccount(ctx context.Context, subAccountID uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.subAccounts, subAccountID) {
		c.subAccounts = append(c.subAccounts, subAccountID)
	}
	return nil
}

// UserAccount returns a copy of a user account.
func (c *Client) UserAccount(ctx context.Context, subAccountID uint16) (*exchange.UserAccount, error) {
	u, ok := c.ex.User(c.authority, subAccountID)
	if !ok {
		return nil, fmt.Errorf("%s/%d: %w", c.authority, subAccountID, errUnknownUser)
	}
	return u, nil
}

// UserAccounts returns every tracked sub-account.
func (c *Client) UserAccounts(ctx context.Context) ([]*exchange.UserAccount, error) {
	var out []*exchange.UserAccount
	for _, sub := range c.SubAccountIDs() {
		u, err := c.UserAccount(ctx, sub)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// UserAccountAddress derives the user account address.
func (c *Client) UserAccountAddress(subAccountID uint16) (solana.PublicKey, error) {
	return keys.UserAccountAddress(c.ex.programID, c.authority, subAccountID)
}

// PerpPosition returns the position in market, or nil.
func (c *Client) PerpPosition(ctx context.Context, market, subAccountID uint16) (*exchange.PerpPosition, error) {
	u, ok := c.ex.User(c.authority, subAccountID)
	if !ok {
		return nil, nil
	}
	pos, ok := u.PerpPosition(market)
	if !ok {
		return nil, nil
	}
	return pos, nil
}

// userTx runs fn against the sub-account's user and the perp market.
func (c *Client) userTx(method string, market, sub uint16, value int64, fn func(u *exchange.UserAccount, m *exchange.PerpMarket) error) (exchange.TxResult, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	if err := c.ex.begin(Call{Method: method, Authority: c.authority, Market: market, Sub: sub, Value: value}); err != nil {
		return exchange.TxResult{Logs: exchange.ErrorLogs(err)}, err
	}
	key := userKey{c.authority, sub}
	u, ok := c.ex.users[key]
	if !ok {
		return exchange.TxResult{}, TxError("User account not found")
	}
	m, ok := c.ex.perps[market]
	if !ok {
		return exchange.TxResult{}, TxError(fmt.Sprintf("perp market %d not found", market))
	}
	user, perp := copyUser(u), copyPerp(m)
	if err := fn(user, perp); err != nil {
		return exchange.TxResult{Logs: exchange.ErrorLogs(err)}, err
	}
	c.ex.users[key] = user
	c.ex.perps[market] = perp
	return okTx(), nil
}

func positionIndex(u *exchange.UserAccount, market uint16) int {
	for i := range u.PerpPositions {
		if u.PerpPositions[i].MarketIndex == market && !u.PerpPositions[i].IsAvailable() {
			return i
		}
	}
	return -1
}

// RemoveLiquidity burns LP shares from the user and the market.
func (c *Client) RemoveLiquidity(ctx context.Context, shares uint64, market, subAccountID uint16) (exchange.TxResult, error) {
	return c.userTx("exchange_removeLiquidity", market, subAccountID, int64(shares), func(u *exchange.UserAccount, m *exchange.PerpMarket) error {
		i := positionIndex(u, market)
		if i < 0 || u.PerpPositions[i].LPShares < shares {
			return TxError("Insufficient LP shares")
		}
		u.PerpPositions[i].LPShares -= shares
		m.AMM.UserLPShares = sub(m.AMM.UserLPShares, shares)
		return nil
	})
}

// SettlePnL clears the position once the market is in settlement.
func (c *Client) SettlePnL(ctx context.Context, user solana.PublicKey, account *exchange.UserAccount, market uint16) (exchange.TxResult, error) {
	var subID uint16
	if account != nil {
		subID = account.SubAccountID
	}
	return c.userTx("exchange_settlePnl", market, subID, 0, func(u *exchange.UserAccount, m *exchange.PerpMarket) error {
		if m.Status != exchange.MarketStatusSettlement {
			return TxError("Market settlement attempted on active market")
		}
		if i := positionIndex(u, market); i >= 0 {
			base := u.PerpPositions[i].BaseAssetAmount
			m.AMM.BaseAssetAmountWithAMM = new(big.Int).Add(orZero(m.AMM.BaseAssetAmountWithAMM), big.NewInt(base))
			u.PerpPositions[i] = exchange.PerpPosition{MarketIndex: market}
		}
		return nil
	})
}

// SettleLP records an LP settlement.
func (c *Client) SettleLP(ctx context.Context, market, subAccountID uint16) (exchange.TxResult, error) {
	return c.userTx("exchange_settleLp", market, subAccountID, 0, func(u *exchange.UserAccount, m *exchange.PerpMarket) error {
		return nil
	})
}

// ClosePosition zeroes the position's base.
func (c *Client) ClosePosition(ctx context.Context, market, subAccountID uint16) (exchange.TxResult, error) {
	return c.userTx("exchange_closePosition", market, subAccountID, 0, func(u *exchange.UserAccount, m *exchange.PerpMarket) error {
		i := positionIndex(u, market)
		if i < 0 {
			return TxError("User has no position in market")
		}
		u.PerpPositions[i].BaseAssetAmount = 0
		return nil
	})
}

// CancelOrders cancels the sub-account's perp orders in market.
func (c *Client) CancelOrders(ctx context.Context, subAccountID uint16, marketType exchange.MarketType, market uint16) (exchange.TxResult, error) {
	return c.userTx("exchange_cancelOrders", market, subAccountID, 0, func(u *exchange.UserAccount, m *exchange.PerpMarket) error {
		for i := range u.Orders {
			o := &u.Orders[i]
			if o.MarketType == marketType && o.MarketIndex == market && o.Status == exchange.OrderStatusOpen {
				o.Status = exchange.OrderStatusCanceled
				if u.OpenOrders > 0 {
					u.OpenOrders--
				}
			}
		}
		for i := range u.PerpPositions {
			if u.PerpPositions[i].MarketIndex == market {
				u.PerpPositions[i].OpenOrders = 0
			}
		}
		return nil
	})
}

// InitializeUser creates an empty user account.
func (c *Client) InitializeUser(ctx context.Context, subAccountID uint16) (exchange.TxResult, error) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	if err := c.ex.begin(Call{Method: "exchange_initializeUser", Authority: c.authority, Sub: subAccountID}); err != nil {
		return exchange.TxResult{Logs: exchange.ErrorLogs(err)}, err
	}
	key := userKey{c.authority, subAccountID}
	if _, ok := c.ex.users[key]; ok {
		return exchange.TxResult{}, TxError("User account already initialized")
	}
	addr, _ := keys.UserAccountAddress(c.ex.programID, c.authority, subAccountID)
	c.ex.users[key] = &exchange.UserAccount{Pubkey: addr, Authority: c.authority, SubAccountID: subAccountID}
	return okTx(), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
