// Package invariant checks that user-level and market-level accounting agree.
package invariant

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/gateway-fm/perpsim/internal/exchange"
)

// ErrInvariant is wrapped by every invariant violation.
var ErrInvariant = errors.New("invariant violated")

// Check names.
const (
	CheckLPShares        = "lp_shares"
	CheckBaseAssetAmount = "base_asset_amount"
	CheckLPRemoval       = "lp_shares_after_removal"
	CheckLPZero          = "lp_shares_zero"
)

// Violation is one failed check for one market. Got is the value
// aggregated from users (or observed), Want the value the market holds
// (or expected).
type Violation struct {
	Market uint16   `json:"market"`
	Check  string   `json:"check"`
	Got    *big.Int `json:"got"`
	Want   *big.Int `json:"want"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("market %d: %s: got %s, want %s", v.Market, v.Check, v.Got, v.Want)
}

// Is makes every Violation match ErrInvariant.
func (v Violation) Is(target error) bool {
	return target == ErrInvariant
}

// Join returns nil for no violations, else an error wrapping all of them.
func Join(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	errs := make([]error, len(violations))
	for i, v := range violations {
		errs[i] = v
	}
	return errors.Join(errs...)
}

// ValidateMarketMetrics checks every perp market against the sum of the
// positions held by users. For each market the LP shares of in-use
// positions must equal amm.user_lp_shares, and their base asset amount
// must equal base_asset_reserve + base_asset_amount_with_unsettled_lp.
// All violations are returned.
func ValidateMarketMetrics(users []*exchange.UserAccount, markets []*exchange.PerpMarket) []Violation {
	var out []Violation
	for _, m := range markets {
		lpShares := new(big.Int)
		base := new(big.Int)
		for _, u := range users {
			for i := range u.PerpPositions {
				p := &u.PerpPositions[i]
				if p.MarketIndex != m.MarketIndex || p.IsAvailable() {
					continue
				}
				lpShares.Add(lpShares, new(big.Int).SetUint64(p.LPShares))
				base.Add(base, big.NewInt(p.BaseAssetAmount))
			}
		}

		marketLP := orZero(m.AMM.UserLPShares)
		if lpShares.Cmp(marketLP) != 0 {
			out = append(out, Violation{Market: m.MarketIndex, Check: CheckLPShares, Got: lpShares, Want: marketLP})
		}
		marketBase := new(big.Int).Add(orZero(m.AMM.BaseAssetReserve), orZero(m.AMM.BaseAssetAmountWithUnsettledLP))
		if base.Cmp(marketBase) != 0 {
			out = append(out, Violation{Market: m.MarketIndex, Check: CheckBaseAssetAmount, Got: base, Want: marketBase})
		}
	}
	return out
}

// LPSharesAfterRemoval checks a market's user LP shares after removed shares
// were taken out of before.
func LPSharesAfterRemoval(market uint16, before, removed, now *big.Int) error {
	want := new(big.Int).Sub(orZero(before), orZero(removed))
	if orZero(now).Cmp(want) != 0 {
		return Violation{Market: market, Check: CheckLPRemoval, Got: new(big.Int).Set(orZero(now)), Want: want}
	}
	return nil
}

// LPSharesZero checks that no user LP shares remain in a market.
func LPSharesZero(market uint16, now *big.Int) error {
	if orZero(now).Sign() != 0 {
		return Violation{Market: market, Check: CheckLPZero, Got: new(big.Int).Set(now), Want: new(big.Int)}
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
