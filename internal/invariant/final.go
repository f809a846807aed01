package invariant

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNoSpotMarkets is returned when final-state deltas are requested
// without any spot market.
var ErrNoSpotMarkets = errors.New("no final spot markets")

// PerpPools are the quote pools of a settled perp market, in quote units.
type PerpPools struct {
	FeePool decimal.Decimal
	PnLPool decimal.Decimal
}

// SpotPools are the balances of a spot market, in token units.
type SpotPools struct {
	MarketIndex    uint16
	SpotFeePool    decimal.Decimal
	RevenuePool    decimal.Decimal
	DepositBalance decimal.Decimal
}

// SpotDelta is deposits minus revenue for a non-quote spot market.
type SpotDelta struct {
	MarketIndex uint16          `json:"market_index"`
	Delta       decimal.Decimal `json:"delta"`
}

// FinalState summarizes where the quote money sits once every market has
// been settled. Spot market 0 is the quote market.
type FinalState struct {
	MarketMoney   decimal.Decimal `json:"market_money"`
	QuoteDeposits decimal.Decimal `json:"quote_deposits"`
	QuoteDelta    decimal.Decimal `json:"quote_delta"`
	SpotDeltas    []SpotDelta     `json:"spot_deltas"`
}

// ComputeFinalState computes the final-state deltas. Market money is the
// sum of every perp market's fee and PnL pools, every spot market's fee
// pool and the quote market's revenue pool. The quote delta is quote
// deposits minus market money.
func ComputeFinalState(perps []PerpPools, spots []SpotPools) (FinalState, error) {
	if len(spots) == 0 {
		return FinalState{}, ErrNoSpotMarkets
	}

	money := decimal.Zero
	for _, p := range perps {
		money = money.Add(p.FeePool).Add(p.PnLPool)
	}
	for _, s := range spots {
		money = money.Add(s.SpotFeePool)
	}
	quote := spots[0]
	money = money.Add(quote.RevenuePool)

	fs := FinalState{
		MarketMoney:   money,
		QuoteDeposits: quote.DepositBalance,
		QuoteDelta:    quote.DepositBalance.Sub(money),
	}
	for _, s := range spots[1:] {
		fs.SpotDeltas = append(fs.SpotDeltas, SpotDelta{
			MarketIndex: s.MarketIndex,
			Delta:       s.DepositBalance.Sub(s.RevenuePool),
		})
	}
	return fs, nil
}
