// Package report builds and posts simulation results.
package report

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/invariant"
)

// ExpiredMarket is a perp market after settle_expired_market, prices in
// quote units.
type ExpiredMarket struct {
	MarketIndex         uint16                `json:"market_index"`
	Status              exchange.MarketStatus `json:"status"`
	ExpiryPrice         decimal.Decimal       `json:"expiry_price"`
	LastOraclePriceTwap decimal.Decimal       `json:"last_oracle_price_twap"`
	LastOraclePrice     decimal.Decimal       `json:"last_oracle_price"`
}

// NewExpiredMarket captures m's settlement prices.
func NewExpiredMarket(m *exchange.PerpMarket) ExpiredMarket {
	return ExpiredMarket{
		MarketIndex:         m.MarketIndex,
		Status:              m.Status,
		ExpiryPrice:         decimal.New(m.ExpiryPrice, -exchange.PriceExp),
		LastOraclePriceTwap: decimal.New(m.AMM.HistoricalOracleData.LastOraclePriceTwap, -exchange.PriceExp),
		LastOraclePrice:     decimal.New(m.AMM.HistoricalOracleData.LastOraclePrice, -exchange.PriceExp),
	}
}

// PerpMarketTuple is the reported state of a perp market.
type PerpMarketTuple struct {
	MarketIndex                    uint16                `json:"market_index"`
	TotalFeeMinusDistributions     decimal.Decimal       `json:"total_fee_minus_distributions"`
	BaseAssetAmountWithAMM         decimal.Decimal       `json:"base_asset_amount_with_amm"`
	BaseAssetAmountWithUnsettledLP decimal.Decimal       `json:"base_asset_amount_with_unsettled_lp"`
	BaseAssetAmountLong            decimal.Decimal       `json:"base_asset_amount_long"`
	BaseAssetAmountShort           decimal.Decimal       `json:"base_asset_amount_short"`
	UserLPShares                   decimal.Decimal       `json:"user_lp_shares"`
	TotalSocialLoss                decimal.Decimal       `json:"total_social_loss"`
	CumulativeFundingRateLong      decimal.Decimal       `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort     decimal.Decimal       `json:"cumulative_funding_rate_short"`
	LastFundingRateLong            decimal.Decimal       `json:"last_funding_rate_long"`
	LastFundingRateShort           decimal.Decimal       `json:"last_funding_rate_short"`
	FeePool                        decimal.Decimal       `json:"fee_pool"`
	PnLPool                        decimal.Decimal       `json:"pnl_pool"`
	Status                         exchange.MarketStatus `json:"status"`
}

// NewPerpMarketTuple scales m's accounting fields to display units.
func NewPerpMarketTuple(m *exchange.PerpMarket) PerpMarketTuple {
	amm := &m.AMM
	return PerpMarketTuple{
		MarketIndex:                    m.MarketIndex,
		TotalFeeMinusDistributions:     scaled(amm.TotalFeeMinusDistributions, exchange.QuoteExp),
		BaseAssetAmountWithAMM:         scaled(amm.BaseAssetAmountWithAMM, exchange.BaseExp),
		BaseAssetAmountWithUnsettledLP: scaled(amm.BaseAssetAmountWithUnsettledLP, exchange.BaseExp),
		BaseAssetAmountLong:            scaled(amm.BaseAssetAmountLong, exchange.BaseExp),
		BaseAssetAmountShort:           scaled(amm.BaseAssetAmountShort, exchange.BaseExp),
		UserLPShares:                   scaled(amm.UserLPShares, exchange.AMMReserveExp),
		TotalSocialLoss:                scaled(amm.TotalSocialLoss, exchange.QuoteExp),
		CumulativeFundingRateLong:      scaled(amm.CumulativeFundingRateLong, exchange.FundingRateExp),
		CumulativeFundingRateShort:     scaled(amm.CumulativeFundingRateShort, exchange.FundingRateExp),
		LastFundingRateLong:            decimal.New(amm.LastFundingRateLong, -exchange.FundingRateExp),
		LastFundingRateShort:           decimal.New(amm.LastFundingRateShort, -exchange.FundingRateExp),
		FeePool:                        scaled(amm.FeePool.ScaledBalance, exchange.QuoteExp),
		PnLPool:                        scaled(m.PnLPool.ScaledBalance, exchange.SpotBalanceExp),
		Status:                         m.Status,
	}
}

// SpotMarketTuple is the reported state of a spot market. Token amounts
// are in whole tokens of the market's mint.
type SpotMarketTuple struct {
	MarketIndex               uint16                `json:"market_index"`
	RevenuePool               decimal.Decimal       `json:"revenue_pool"`
	SpotFeePool               decimal.Decimal       `json:"spot_fee_pool"`
	SpotVaultBalance          decimal.NullDecimal   `json:"spot_vault_balance"`
	InsuranceFundBalance      decimal.NullDecimal   `json:"insurance_fund_balance"`
	TotalSpotFee              decimal.Decimal       `json:"total_spot_fee"`
	DepositBalance            decimal.Decimal       `json:"deposit_balance"`
	BorrowBalance             decimal.Decimal       `json:"borrow_balance"`
	CumulativeDepositInterest decimal.Decimal       `json:"cumulative_deposit_interest"`
	CumulativeBorrowInterest  decimal.Decimal       `json:"cumulative_borrow_interest"`
	TotalSocialLoss           decimal.Decimal       `json:"total_social_loss"`
	TotalQuoteSocialLoss      decimal.Decimal       `json:"total_quote_social_loss"`
	LiquidatorFee             decimal.Decimal       `json:"liquidator_fee"`
	IFLiquidationFee          decimal.Decimal       `json:"if_liquidation_fee"`
	Status                    exchange.MarketStatus `json:"status"`
}

// Balance is a token account balance that may be unavailable.
type Balance struct {
	UI float64
	OK bool
}

func (b Balance) decimal() decimal.NullDecimal {
	if !b.OK {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(b.UI))
}

// NewSpotMarketTuple scales m's balances to token units. Scaled balances
// are converted with the deposit index, borrow balances with the borrow
// index.
func NewSpotMarketTuple(insuranceFund, vault Balance, m *exchange.SpotMarket) SpotMarketTuple {
	exp := int32(m.Decimals)
	token := func(balance *big.Int, kind exchange.BalanceType) decimal.Decimal {
		return scaled(m.TokenAmount(balance, kind), exp)
	}
	return SpotMarketTuple{
		MarketIndex:               m.MarketIndex,
		RevenuePool:               token(m.RevenuePool.ScaledBalance, exchange.BalanceDeposit),
		SpotFeePool:               scaled(m.SpotFeePool.ScaledBalance, exp),
		SpotVaultBalance:          vault.decimal(),
		InsuranceFundBalance:      insuranceFund.decimal(),
		TotalSpotFee:              scaled(m.TotalSpotFee, exp),
		DepositBalance:            token(m.DepositBalance, exchange.BalanceDeposit),
		BorrowBalance:             token(m.BorrowBalance, exchange.BalanceBorrow),
		CumulativeDepositInterest: scaled(m.CumulativeDepositInterest, exchange.SpotInterestExp),
		CumulativeBorrowInterest:  scaled(m.CumulativeBorrowInterest, exchange.SpotInterestExp),
		TotalSocialLoss:           scaled(m.TotalSocialLoss, exp),
		TotalQuoteSocialLoss:      scaled(m.TotalQuoteSocialLoss, exp),
		LiquidatorFee:             decimal.New(int64(m.LiquidatorFee), -exp),
		IFLiquidationFee:          decimal.New(int64(m.IFLiquidationFee), -exp),
		Status:                    m.Status,
	}
}

func (t PerpMarketTuple) pools() invariant.PerpPools {
	return invariant.PerpPools{FeePool: t.FeePool, PnLPool: t.PnLPool}
}

func (t SpotMarketTuple) pools() invariant.SpotPools {
	return invariant.SpotPools{
		MarketIndex:    t.MarketIndex,
		SpotFeePool:    t.SpotFeePool,
		RevenuePool:    t.RevenuePool,
		DepositBalance: t.DepositBalance,
	}
}

// scaled returns v / 10^exp exactly.
func scaled(v *big.Int, exp int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -exp)
}
