package exchange

import (
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// Fixed-point precisions used by the exchange program.
const (
	PricePrecision                   = 1_000_000
	QuotePrecision                   = 1_000_000
	PegPrecision                     = 1_000_000
	BasePrecision                    = 1_000_000_000
	AMMReservePrecision              = 1_000_000_000
	FundingRatePrecision             = 1_000_000_000
	SpotBalancePrecision             = 1_000_000_000
	SpotCumulativeInterestPrecision  = 10_000_000_000
	spotTokenAmountPrecisionExponent = 19
)

// Precision exponents, for exact decimal scaling.
const (
	PriceExp        int32 = 6
	QuoteExp        int32 = 6
	BaseExp         int32 = 9
	AMMReserveExp   int32 = 9
	FundingRateExp  int32 = 9
	SpotBalanceExp  int32 = 9
	SpotInterestExp int32 = 10
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

// Market statuses.
const (
	MarketStatusInitialized MarketStatus = "initialized"
	MarketStatusActive      MarketStatus = "active"
	MarketStatusReduceOnly  MarketStatus = "reduceOnly"
	MarketStatusSettlement  MarketStatus = "settlement"
	MarketStatusDelisted    MarketStatus = "delisted"
)

// MarketType distinguishes perp and spot markets.
type MarketType string

// Market types.
const (
	MarketTypePerp MarketType = "perp"
	MarketTypeSpot MarketType = "spot"
)

// OrderStatus is the state of an order slot.
type OrderStatus string

// Order statuses.
const (
	OrderStatusInit     OrderStatus = "init"
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
)

// BalanceType selects the interest index used for spot token amounts.
type BalanceType int

// Balance types.
const (
	BalanceDeposit BalanceType = iota
	BalanceBorrow
)

// PoolBalance is a scaled balance held by a market pool.
type PoolBalance struct {
	ScaledBalance *big.Int `json:"scaledBalance"`
	MarketIndex   uint16   `json:"marketIndex"`
}

// HistoricalOracleData is the oracle history tracked on a perp market.
type HistoricalOracleData struct {
	LastOraclePrice     int64 `json:"lastOraclePrice"`
	LastOraclePriceTwap int64 `json:"lastOraclePriceTwap"`
}

// AMM is the automated market maker state of a perp market.
type AMM struct {
	Oracle                         solana.PublicKey     `json:"oracle"`
	BaseAssetReserve               *big.Int             `json:"baseAssetReserve"`
	QuoteAssetReserve              *big.Int             `json:"quoteAssetReserve"`
	SqrtK                          *big.Int             `json:"sqrtK"`
	PegMultiplier                  *big.Int             `json:"pegMultiplier"`
	UserLPShares                   *big.Int             `json:"userLpShares"`
	BaseAssetAmountWithAMM         *big.Int             `json:"baseAssetAmountWithAmm"`
	BaseAssetAmountWithUnsettledLP *big.Int             `json:"baseAssetAmountWithUnsettledLp"`
	BaseAssetAmountLong            *big.Int             `json:"baseAssetAmountLong"`
	BaseAssetAmountShort           *big.Int             `json:"baseAssetAmountShort"`
	TotalFeeMinusDistributions     *big.Int             `json:"totalFeeMinusDistributions"`
	TotalSocialLoss                *big.Int             `json:"totalSocialLoss"`
	CumulativeFundingRateLong      *big.Int             `json:"cumulativeFundingRateLong"`
	CumulativeFundingRateShort     *big.Int             `json:"cumulativeFundingRateShort"`
	LastFundingRateLong            int64                `json:"lastFundingRateLong"`
	LastFundingRateShort           int64                `json:"lastFundingRateShort"`
	FeePool                        PoolBalance          `json:"feePool"`
	HistoricalOracleData           HistoricalOracleData `json:"historicalOracleData"`
}

// PerpMarket is a perpetual futures market account.
type PerpMarket struct {
	Pubkey                 solana.PublicKey `json:"pubkey"`
	MarketIndex            uint16           `json:"marketIndex"`
	Name                   string           `json:"name"`
	Status                 MarketStatus     `json:"status"`
	ExpiryTs               int64            `json:"expiryTs"`
	ExpiryPrice            int64            `json:"expiryPrice"`
	IMFFactor              uint32           `json:"imfFactor"`
	UnrealizedPnLIMFFactor uint32           `json:"unrealizedPnlImfFactor"`
	PnLPool                PoolBalance      `json:"pnlPool"`
	AMM                    AMM              `json:"amm"`
}

// InsuranceFund is the insurance fund state of a spot market.
type InsuranceFund struct {
	Vault               solana.PublicKey `json:"vault"`
	TotalShares         *big.Int         `json:"totalShares"`
	UserShares          *big.Int         `json:"userShares"`
	SharesBase          *big.Int         `json:"sharesBase"`
	UnstakingPeriod     int64            `json:"unstakingPeriod"`
	LastRevenueSettleTs int64            `json:"lastRevenueSettleTs"`
	RevenueSettlePeriod int64            `json:"revenueSettlePeriod"`
	TotalFactor         uint32           `json:"totalFactor"`
	UserFactor          uint32           `json:"userFactor"`
}

// SpotMarket is a spot market account.
type SpotMarket struct {
	Pubkey                    solana.PublicKey `json:"pubkey"`
	MarketIndex               uint16           `json:"marketIndex"`
	Name                      string           `json:"name"`
	Status                    MarketStatus     `json:"status"`
	Oracle                    solana.PublicKey `json:"oracle"`
	Vault                     solana.PublicKey `json:"vault"`
	Decimals                  uint32           `json:"decimals"`
	ExpiryTs                  int64            `json:"expiryTs"`
	InsuranceFund             InsuranceFund    `json:"insuranceFund"`
	RevenuePool               PoolBalance      `json:"revenuePool"`
	SpotFeePool               PoolBalance      `json:"spotFeePool"`
	TotalSpotFee              *big.Int         `json:"totalSpotFee"`
	DepositBalance            *big.Int         `json:"depositBalance"`
	BorrowBalance             *big.Int         `json:"borrowBalance"`
	CumulativeDepositInterest *big.Int         `json:"cumulativeDepositInterest"`
	CumulativeBorrowInterest  *big.Int         `json:"cumulativeBorrowInterest"`
	TotalSocialLoss           *big.Int         `json:"totalSocialLoss"`
	TotalQuoteSocialLoss      *big.Int         `json:"totalQuoteSocialLoss"`
	LiquidatorFee             uint32           `json:"liquidatorFee"`
	IFLiquidationFee          uint32           `json:"ifLiquidationFee"`
}

// TokenAmount converts a scaled spot balance into token units using the
// deposit or borrow interest index. Borrow amounts round up.
func (m *SpotMarket) TokenAmount(balance *big.Int, kind BalanceType) *big.Int {
	if balance == nil {
		return new(big.Int)
	}
	interest := m.CumulativeDepositInterest
	if kind == BalanceBorrow {
		interest = m.CumulativeBorrowInterest
	}
	if interest == nil {
		return new(big.Int)
	}

	exp := int64(spotTokenAmountPrecisionExponent) - int64(m.Decimals)
	decrease := new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
	product := new(big.Int).Mul(balance, interest)

	if kind == BalanceBorrow {
		// ceil(product / decrease) for non-negative product
		product.Add(product, decrease)
		product.Sub(product, big.NewInt(1))
	}
	return product.Quo(product, decrease)
}

// PerpPosition is a user's position in one perp market.
type PerpPosition struct {
	MarketIndex      uint16 `json:"marketIndex"`
	BaseAssetAmount  int64  `json:"baseAssetAmount"`
	QuoteAssetAmount int64  `json:"quoteAssetAmount"`
	LPShares         uint64 `json:"lpShares"`
	OpenOrders       uint8  `json:"openOrders"`
}

// IsAvailable reports whether the position slot is unused.
func (p *PerpPosition) IsAvailable() bool {
	return p.BaseAssetAmount == 0 && p.OpenOrders == 0 && p.LPShares == 0
}

// Order is one order slot of a user account.
type Order struct {
	OrderID     uint32      `json:"orderId"`
	MarketType  MarketType  `json:"marketType"`
	MarketIndex uint16      `json:"marketIndex"`
	Status      OrderStatus `json:"status"`
}

// UserAccount is an exchange user (sub-)account.
type UserAccount struct {
	Pubkey        solana.PublicKey `json:"pubkey"`
	Authority     solana.PublicKey `json:"authority"`
	SubAccountID  uint16           `json:"subAccountId"`
	PerpPositions []PerpPosition   `json:"perpPositions"`
	Orders        []Order          `json:"orders"`
	OpenOrders    uint8            `json:"openOrders"`
	Idle          bool             `json:"idle"`
}

// PerpPosition returns the position slot for a market, if any.
func (u *UserAccount) PerpPosition(market uint16) (*PerpPosition, bool) {
	for i := range u.PerpPositions {
		if u.PerpPositions[i].MarketIndex == market && !u.PerpPositions[i].IsAvailable() {
			return &u.PerpPositions[i], true
		}
	}
	return nil, false
}

// OpenPerpOrders counts open orders for a perp market.
func (u *UserAccount) OpenPerpOrders(market uint16) int {
	n := 0
	for _, o := range u.Orders {
		if o.MarketType == MarketTypePerp && o.MarketIndex == market && o.Status == OrderStatusOpen {
			n++
		}
	}
	return n
}

// OraclePriceData is the exchange's view of an oracle.
type OraclePriceData struct {
	Price                           int64  `json:"price"`
	Slot                            uint64 `json:"slot"`
	Confidence                      uint64 `json:"confidence"`
	HasSufficientNumberOfDataPoints bool   `json:"hasSufficientNumberOfDataPoints"`
}

// FeedData is the raw state of a mock price feed.
type FeedData struct {
	Price    int64 `json:"price"`
	Exponent int32 `json:"exponent"`
}

// PriceDivergenceGuardRails bounds mark/oracle divergence.
type PriceDivergenceGuardRails struct {
	MarkOraclePercentDivergence     uint64 `json:"markOraclePercentDivergence"`
	OracleTwap5MinPercentDivergence uint64 `json:"oracleTwap5minPercentDivergence"`
}

// ValidityGuardRails bounds oracle staleness and confidence.
type ValidityGuardRails struct {
	SlotsBeforeStaleForAMM    int64  `json:"slotsBeforeStaleForAmm"`
	SlotsBeforeStaleForMargin int64  `json:"slotsBeforeStaleForMargin"`
	ConfidenceIntervalMaxSize uint64 `json:"confidenceIntervalMaxSize"`
	TooVolatileRatio          int64  `json:"tooVolatileRatio"`
}

// OracleGuardRails are the global oracle validity settings.
type OracleGuardRails struct {
	PriceDivergence PriceDivergenceGuardRails `json:"priceDivergence"`
	Validity        ValidityGuardRails        `json:"validity"`
}

// TxResult is the outcome of a submitted program transaction.
type TxResult struct {
	Signature solana.Signature
	Slot      uint64
	Logs      []string
}
