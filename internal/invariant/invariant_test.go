package invariant

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/gateway-fm/perpsim/internal/chain"
	"github.com/gateway-fm/perpsim/internal/chain/chaintest"
	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/exchange/exchangetest"
)

func market(index uint16, lp, reserve, unsettled int64) *exchange.PerpMarket {
	return &exchange.PerpMarket{
		MarketIndex: index,
		AMM: exchange.AMM{
			UserLPShares:                   big.NewInt(lp),
			BaseAssetReserve:               big.NewInt(reserve),
			BaseAssetAmountWithUnsettledLP: big.NewInt(unsettled),
		},
	}
}

func TestValidateMarketMetrics(t *testing.T) {
	users := []*exchange.UserAccount{
		{PerpPositions: []exchange.PerpPosition{
			{MarketIndex: 0, BaseAssetAmount: 30, LPShares: 10},
			{MarketIndex: 1, BaseAssetAmount: -5},
		}},
		{PerpPositions: []exchange.PerpPosition{
			{MarketIndex: 0, BaseAssetAmount: 20, LPShares: 5},
			{}, // available slot
		}},
	}

	tests := []struct {
		name    string
		markets []*exchange.PerpMarket
		want    []string
	}{
		{
			name:    "consistent",
			markets: []*exchange.PerpMarket{market(0, 15, 40, 10), market(1, 0, -5, 0)},
		},
		{
			name:    "lp mismatch",
			markets: []*exchange.PerpMarket{market(0, 16, 40, 10)},
			want:    []string{CheckLPShares},
		},
		{
			name:    "both mismatched",
			markets: []*exchange.PerpMarket{market(0, 0, 0, 0), market(1, 0, 0, 0)},
			want:    []string{CheckLPShares, CheckBaseAssetAmount, CheckBaseAssetAmount},
		},
		{
			name:    "nil amm fields",
			markets: []*exchange.PerpMarket{{MarketIndex: 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateMarketMetrics(users, tt.markets)
			if len(got) != len(tt.want) {
				t.Fatalf("violations = %v, want %v", got, tt.want)
			}
			for i, v := range got {
				if v.Check != tt.want[i] {
					t.Errorf("violation %d check = %s, want %s", i, v.Check, tt.want[i])
				}
			}
			err := Join(got)
			if (err != nil) != (len(tt.want) > 0) {
				t.Errorf("Join() = %v", err)
			}
			if err != nil && !errors.Is(err, ErrInvariant) {
				t.Errorf("Join() does not wrap ErrInvariant")
			}
		})
	}
}

func TestLPSharesAssertions(t *testing.T) {
	if err := LPSharesAfterRemoval(3, big.NewInt(100), big.NewInt(40), big.NewInt(60)); err != nil {
		t.Errorf("LPSharesAfterRemoval() = %v", err)
	}
	err := LPSharesAfterRemoval(3, big.NewInt(100), big.NewInt(40), big.NewInt(70))
	var v Violation
	if !errors.As(err, &v) || v.Check != CheckLPRemoval || v.Want.Int64() != 60 {
		t.Errorf("LPSharesAfterRemoval() = %v", err)
	}
	if err := LPSharesZero(3, nil); err != nil {
		t.Errorf("LPSharesZero(nil) = %v", err)
	}
	if err := LPSharesZero(3, big.NewInt(1)); !errors.Is(err, ErrInvariant) {
		t.Errorf("LPSharesZero(1) = %v", err)
	}
}

func TestComputeFinalState(t *testing.T) {
	d := decimal.RequireFromString
	perps := []PerpPools{
		{FeePool: d("1.5"), PnLPool: d("2.25")},
		{FeePool: d("0.25"), PnLPool: d("0")},
	}
	spots := []SpotPools{
		{MarketIndex: 0, SpotFeePool: d("0.5"), RevenuePool: d("1"), DepositBalance: d("10")},
		{MarketIndex: 1, SpotFeePool: d("0.1"), RevenuePool: d("0.4"), DepositBalance: d("3")},
	}

	fs, err := ComputeFinalState(perps, spots)
	if err != nil {
		t.Fatal(err)
	}
	if !fs.MarketMoney.Equal(d("5.6")) {
		t.Errorf("MarketMoney = %s, want 5.6", fs.MarketMoney)
	}
	if !fs.QuoteDelta.Equal(d("4.4")) {
		t.Errorf("QuoteDelta = %s, want 4.4", fs.QuoteDelta)
	}
	if len(fs.SpotDeltas) != 1 || !fs.SpotDeltas[0].Delta.Equal(d("2.6")) {
		t.Errorf("SpotDeltas = %+v", fs.SpotDeltas)
	}

	if _, err := ComputeFinalState(perps, nil); !errors.Is(err, ErrNoSpotMarkets) {
		t.Errorf("ComputeFinalState(nil spots) = %v", err)
	}
}

func TestScannerValidate(t *testing.T) {
	ctx := context.Background()
	ex := exchangetest.New()
	ledger := chaintest.New(0)
	ex.AddPerpMarket(market(0, 10, 25, 0))

	for _, u := range []*exchange.UserAccount{
		{Authority: solana.NewWallet().PublicKey(), PerpPositions: []exchange.PerpPosition{{MarketIndex: 0, BaseAssetAmount: 25, LPShares: 10}}},
		{Authority: solana.NewWallet().PublicKey(), Idle: true},
	} {
		ex.AddUser(u)
		ledger.AddProgramAccount(chain.Account{Pubkey: u.Pubkey, Data: ex.EncodeUser(u)})
	}

	s := NewScanner(ledger, ex.Client(solana.NewWallet().PublicKey()), solana.PublicKey{}, nil)
	users, err := s.Users(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Errorf("Users() = %d, want idle and non-idle", len(users))
	}
	violations, err := s.Validate(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 0 {
		t.Errorf("Validate() = %v", violations)
	}
}
