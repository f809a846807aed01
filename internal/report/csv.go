package report

import (
	"encoding/csv"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"sync"

	"github.com/gateway-fm/perpsim/internal/exchange"
)

// Record types written by the exchange-behavior workflow.
const (
	RecordInitialMarket = "init market"
	RecordInitialIF     = "init if"
	RecordFinalMarket   = "final market"
	RecordFinalIF       = "final if"
)

// Record is a flat CSV row.
type Record interface {
	Columns() []string
	Values() []string
}

// CSVWriter appends records to a results file.
type CSVWriter struct {
	mu   sync.Mutex
	path string
}

// NewCSVWriter creates a CSVWriter for path. The file is created on the
// first Append.
func NewCSVWriter(path string) *CSVWriter {
	return &CSVWriter{path: path}
}

// Append writes r with a trailing record_type column. The header row is
// written when the file is empty.
func (w *CSVWriter) Append(r Record, recordType string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open results csv: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat results csv: %w", err)
	}

	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := cw.Write(append(r.Columns(), "record_type")); err != nil {
			return err
		}
	}
	if err := cw.Write(append(r.Values(), recordType)); err != nil {
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write results csv: %w", err)
	}
	return nil
}

// AMMRecord is the AMM state of a perp market.
type AMMRecord struct {
	MarketIndex uint16
	AMM         exchange.AMM
}

// NewAMMRecord captures m's AMM.
func NewAMMRecord(m *exchange.PerpMarket) AMMRecord {
	return AMMRecord{MarketIndex: m.MarketIndex, AMM: m.AMM}
}

func (r AMMRecord) Columns() []string {
	return []string{
		"market_index", "oracle", "base_asset_reserve", "quote_asset_reserve", "sqrt_k",
		"peg_multiplier", "user_lp_shares", "base_asset_amount_with_amm",
		"base_asset_amount_with_unsettled_lp", "base_asset_amount_long", "base_asset_amount_short",
		"total_fee_minus_distributions", "total_social_loss", "last_oracle_price",
		"last_oracle_price_twap",
	}
}

func (r AMMRecord) Values() []string {
	a := &r.AMM
	return []string{
		strconv.Itoa(int(r.MarketIndex)),
		a.Oracle.String(),
		bigString(a.BaseAssetReserve),
		bigString(a.QuoteAssetReserve),
		bigString(a.SqrtK),
		bigString(a.PegMultiplier),
		bigString(a.UserLPShares),
		bigString(a.BaseAssetAmountWithAMM),
		bigString(a.BaseAssetAmountWithUnsettledLP),
		bigString(a.BaseAssetAmountLong),
		bigString(a.BaseAssetAmountShort),
		bigString(a.TotalFeeMinusDistributions),
		bigString(a.TotalSocialLoss),
		strconv.FormatInt(a.HistoricalOracleData.LastOraclePrice, 10),
		strconv.FormatInt(a.HistoricalOracleData.LastOraclePriceTwap, 10),
	}
}

// InsuranceFundRecord is the insurance fund of a spot market.
type InsuranceFundRecord struct {
	MarketIndex uint16
	Fund        exchange.InsuranceFund
}

// NewInsuranceFundRecord captures m's insurance fund.
func NewInsuranceFundRecord(m *exchange.SpotMarket) InsuranceFundRecord {
	return InsuranceFundRecord{MarketIndex: m.MarketIndex, Fund: m.InsuranceFund}
}

func (r InsuranceFundRecord) Columns() []string {
	return []string{
		"market_index", "vault", "total_shares", "user_shares", "shares_base",
		"unstaking_period", "last_revenue_settle_ts", "revenue_settle_period",
		"total_factor", "user_factor",
	}
}

func (r InsuranceFundRecord) Values() []string {
	f := &r.Fund
	return []string{
		strconv.Itoa(int(r.MarketIndex)),
		f.Vault.String(),
		bigString(f.TotalShares),
		bigString(f.UserShares),
		bigString(f.SharesBase),
		strconv.FormatInt(f.UnstakingPeriod, 10),
		strconv.FormatInt(f.LastRevenueSettleTs, 10),
		strconv.FormatInt(f.RevenueSettlePeriod, 10),
		strconv.FormatUint(uint64(f.TotalFactor), 10),
		strconv.FormatUint(uint64(f.UserFactor), 10),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
