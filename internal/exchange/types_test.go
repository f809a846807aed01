package exchange

import (
	"math/big"
	"testing"
)

func TestSpotMarketTokenAmount(t *testing.T) {
	market := &SpotMarket{
		Decimals:                  6,
		CumulativeDepositInterest: big.NewInt(SpotCumulativeInterestPrecision),
		CumulativeBorrowInterest:  big.NewInt(SpotCumulativeInterestPrecision + 1),
	}

	tests := []struct {
		name    string
		balance *big.Int
		kind    BalanceType
		want    int64
	}{
		{"one token deposit", big.NewInt(SpotBalancePrecision), BalanceDeposit, 1_000_000},
		{"dust deposit truncates", big.NewInt(3), BalanceDeposit, 0},
		{"dust borrow rounds up", big.NewInt(3), BalanceBorrow, 1},
		{"zero borrow", big.NewInt(0), BalanceBorrow, 0},
		{"nil balance", nil, BalanceDeposit, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := market.TokenAmount(tt.balance, tt.kind)
			if got.Int64() != tt.want {
				t.Errorf("TokenAmount() = %s, want %d", got, tt.want)
			}
		})
	}
}

func TestPerpPositionIsAvailable(t *testing.T) {
	tests := []struct {
		name string
		pos  PerpPosition
		want bool
	}{
		{"empty", PerpPosition{}, true},
		{"base", PerpPosition{BaseAssetAmount: -5}, false},
		{"open orders", PerpPosition{OpenOrders: 1}, false},
		{"lp shares", PerpPosition{LPShares: 10}, false},
		{"quote only", PerpPosition{QuoteAssetAmount: 100}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pos.IsAvailable(); got != tt.want {
				t.Errorf("IsAvailable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserAccountLookups(t *testing.T) {
	user := &UserAccount{
		PerpPositions: []PerpPosition{
			{MarketIndex: 0},
			{MarketIndex: 3, LPShares: 7},
		},
		Orders: []Order{
			{MarketType: MarketTypePerp, MarketIndex: 3, Status: OrderStatusOpen},
			{MarketType: MarketTypePerp, MarketIndex: 3, Status: OrderStatusCanceled},
			{MarketType: MarketTypeSpot, MarketIndex: 3, Status: OrderStatusOpen},
			{MarketType: MarketTypePerp, MarketIndex: 0, Status: OrderStatusInit},
		},
	}

	if _, ok := user.PerpPosition(0); ok {
		t.Error("available slot must not count as a position")
	}
	pos, ok := user.PerpPosition(3)
	if !ok || pos.LPShares != 7 {
		t.Errorf("PerpPosition(3) = %+v, %v", pos, ok)
	}
	if n := user.OpenPerpOrders(3); n != 1 {
		t.Errorf("OpenPerpOrders(3) = %d, want 1", n)
	}
	if n := user.OpenPerpOrders(0); n != 0 {
		t.Errorf("OpenPerpOrders(0) = %d, want 0", n)
	}
}
