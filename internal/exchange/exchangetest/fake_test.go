package exchangetest

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/keys"
)

func testMarket(shares int64) *exchange.PerpMarket {
	return &exchange.PerpMarket{
		MarketIndex: 0,
		Status:      exchange.MarketStatusActive,
		AMM: exchange.AMM{
			Oracle:               solana.NewWallet().PublicKey(),
			UserLPShares:         big.NewInt(shares),
			HistoricalOracleData: exchange.HistoricalOracleData{LastOraclePrice: 20 * exchange.PricePrecision},
		},
	}
}

func TestRemoveLiquidityAndSettle(t *testing.T) {
	ctx := context.Background()
	ex := New()
	ex.AddPerpMarket(testMarket(500))

	kp, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	ex.AddUser(&exchange.UserAccount{
		Authority:     kp.PublicKey(),
		PerpPositions: []exchange.PerpPosition{{MarketIndex: 0, BaseAssetAmount: 10, LPShares: 500}},
	})

	agent, err := ex.DialAgent(ctx, kp, exchange.DialOptions{Subscription: exchange.SubscriptionCached})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agent.RemoveLiquidity(ctx, 500, 0, 0); err != nil {
		t.Fatalf("RemoveLiquidity() error = %v", err)
	}

	admin := ex.Client(solana.NewWallet().PublicKey())
	m, _ := admin.PerpMarket(ctx, 0)
	if m.AMM.UserLPShares.Sign() != 0 {
		t.Errorf("UserLPShares = %s, want 0", m.AMM.UserLPShares)
	}

	u, _ := agent.UserAccount(ctx, 0)
	_, err = agent.SettlePnL(ctx, u.Pubkey, u, 0)
	if got := exchange.ErrorMessage(err); got != "Market settlement attempted on active market" {
		t.Errorf("SettlePnL() on active market = %q", got)
	}

	if _, err := admin.SettleExpiredMarket(ctx, 0); err != nil {
		t.Fatal(err)
	}
	m, _ = admin.PerpMarket(ctx, 0)
	if m.Status != exchange.MarketStatusSettlement || m.ExpiryPrice != 20*exchange.PricePrecision {
		t.Errorf("market = %s @ %d", m.Status, m.ExpiryPrice)
	}

	res, err := agent.SettlePnL(ctx, u.Pubkey, u, 0)
	if err != nil {
		t.Fatalf("SettlePnL() error = %v", err)
	}
	if exchange.ParseComputeUnits(res.Logs) != 12000 {
		t.Errorf("compute units = %d", exchange.ParseComputeUnits(res.Logs))
	}
	if pos, _ := agent.PerpPosition(ctx, 0, 0); pos != nil {
		t.Errorf("position still open: %+v", pos)
	}
	if n := len(ex.Calls("exchange_settlePnl")); n != 2 {
		t.Errorf("settle calls = %d, want 2", n)
	}
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	ex := New()
	ex.AddPerpMarket(testMarket(0))
	boom := errors.New("boom")
	ex.FailNext("exchange_updateK", boom)

	admin := ex.Client(solana.NewWallet().PublicKey())
	if _, err := admin.UpdateK(ctx, big.NewInt(5), 0); !errors.Is(err, boom) {
		t.Fatalf("first UpdateK() error = %v, want boom", err)
	}
	if _, err := admin.UpdateK(ctx, big.NewInt(5), 0); err != nil {
		t.Fatalf("second UpdateK() error = %v", err)
	}
	m, _ := admin.PerpMarket(ctx, 0)
	if m.AMM.SqrtK.Int64() != 5 {
		t.Errorf("SqrtK = %s", m.AMM.SqrtK)
	}
}

func TestOracleFeedScaling(t *testing.T) {
	ctx := context.Background()
	ex := New()
	m := testMarket(0)
	ex.AddPerpMarket(m)
	ex.SetFeed(m.AMM.Oracle, exchange.FeedData{Price: 2500, Exponent: -2})

	admin := ex.Client(solana.NewWallet().PublicKey())
	p, err := admin.OraclePriceForPerp(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Price != 25*exchange.PricePrecision {
		t.Errorf("price = %d, want %d", p.Price, 25*exchange.PricePrecision)
	}
}

func TestEncodeDecodeUser(t *testing.T) {
	ctx := context.Background()
	ex := New()
	authority := solana.NewWallet().PublicKey()
	u := &exchange.UserAccount{Authority: authority, SubAccountID: 3, Idle: true}
	ex.AddUser(u)

	data := ex.EncodeUser(u)
	if len(data) != UserDataSize || data[exchange.UserAccountDataOffsetIdle] != 1 {
		t.Fatalf("encoded data malformed")
	}
	got, err := ex.Client(authority).DecodeUser(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Authority != authority || got.SubAccountID != 3 {
		t.Errorf("decoded %s/%d", got.Authority, got.SubAccountID)
	}
}

func TestCancelOrders(t *testing.T) {
	ctx := context.Background()
	ex := New()
	ex.AddPerpMarket(testMarket(0))
	authority := solana.NewWallet().PublicKey()
	ex.AddUser(&exchange.UserAccount{
		Authority:     authority,
		PerpPositions: []exchange.PerpPosition{{MarketIndex: 0, OpenOrders: 2}},
		Orders: []exchange.Order{
			{OrderID: 1, MarketType: exchange.MarketTypePerp, Status: exchange.OrderStatusOpen},
			{OrderID: 2, MarketType: exchange.MarketTypePerp, Status: exchange.OrderStatusOpen},
			{OrderID: 3, MarketType: exchange.MarketTypeSpot, Status: exchange.OrderStatusOpen},
		},
		OpenOrders: 3,
	})

	c := ex.Client(authority)
	if _, err := c.CancelOrders(ctx, 0, exchange.MarketTypePerp, 0); err != nil {
		t.Fatal(err)
	}
	u, _ := c.UserAccount(ctx, 0)
	if n := u.OpenPerpOrders(0); n != 0 {
		t.Errorf("open perp orders = %d", n)
	}
	if u.OpenOrders != 1 {
		t.Errorf("OpenOrders = %d, want 1", u.OpenOrders)
	}
}

func TestInitializeUserAndSubAccounts(t *testing.T) {
	ctx := context.Background()
	ex := New()
	c := ex.Client(solana.NewWallet().PublicKey())
	if _, err := c.InitializeUser(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := c.InitializeUser(ctx, 0); err == nil {
		t.Error("second InitializeUser() succeeded")
	}
	_ = c.AddSubAccount(ctx, 0)
	_ = c.AddSubAccount(ctx, 2)
	if ids := c.SubAccountIDs(); len(ids) != 2 || ids[1] != 2 {
		t.Errorf("SubAccountIDs() = %v", ids)
	}
	if _, err := c.UserAccounts(ctx); err == nil {
		t.Error("UserAccounts() with missing sub 2 succeeded")
	}
}
