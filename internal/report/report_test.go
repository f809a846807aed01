package report

import (
	"context"
	"encoding/csv"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gateway-fm/perpsim/internal/exchange"
)

func perpMarket(index uint16) *exchange.PerpMarket {
	return &exchange.PerpMarket{
		MarketIndex: index,
		Status:      exchange.MarketStatusSettlement,
		ExpiryPrice: 25_500_000,
		PnLPool:     exchange.PoolBalance{ScaledBalance: big.NewInt(3_000_000_000)},
		AMM: exchange.AMM{
			TotalFeeMinusDistributions: big.NewInt(1_250_000),
			BaseAssetAmountWithAMM:     big.NewInt(-2_500_000_000),
			UserLPShares:               big.NewInt(1_000_000_000),
			LastFundingRateLong:        500_000_000,
			FeePool:                    exchange.PoolBalance{ScaledBalance: big.NewInt(2_000_000)},
			HistoricalOracleData:       exchange.HistoricalOracleData{LastOraclePrice: 25_000_000, LastOraclePriceTwap: 24_000_000},
		},
	}
}

func spotMarket(index uint16) *exchange.SpotMarket {
	return &exchange.SpotMarket{
		MarketIndex:               index,
		Decimals:                  6,
		Status:                    exchange.MarketStatusActive,
		RevenuePool:               exchange.PoolBalance{ScaledBalance: big.NewInt(1_000_000_000)},
		SpotFeePool:               exchange.PoolBalance{ScaledBalance: big.NewInt(500_000)},
		DepositBalance:            big.NewInt(10_000_000_000),
		BorrowBalance:             big.NewInt(3),
		CumulativeDepositInterest: big.NewInt(exchange.SpotCumulativeInterestPrecision),
		CumulativeBorrowInterest:  big.NewInt(2 * exchange.SpotCumulativeInterestPrecision),
	}
}

func TestNewPerpMarketTuple(t *testing.T) {
	tp := NewPerpMarketTuple(perpMarket(4))
	checks := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"total fee", tp.TotalFeeMinusDistributions, "1.25"},
		{"base with amm", tp.BaseAssetAmountWithAMM, "-2.5"},
		{"lp shares", tp.UserLPShares, "1"},
		{"funding", tp.LastFundingRateLong, "0.5"},
		{"fee pool", tp.FeePool, "2"},
		{"pnl pool", tp.PnLPool, "3"},
		{"nil field", tp.TotalSocialLoss, "0"},
	}
	for _, c := range checks {
		if !c.got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("%s = %s, want %s", c.name, c.got, c.want)
		}
	}

	em := NewExpiredMarket(perpMarket(4))
	if em.ExpiryPrice.String() != "25.5" || em.LastOraclePriceTwap.String() != "24" {
		t.Errorf("NewExpiredMarket() = %+v", em)
	}
}

func TestNewSpotMarketTuple(t *testing.T) {
	tp := NewSpotMarketTuple(Balance{UI: 12.5, OK: true}, Balance{}, spotMarket(0))
	if !tp.DepositBalance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("DepositBalance = %s, want 10", tp.DepositBalance)
	}
	if !tp.RevenuePool.Equal(decimal.NewFromInt(1)) {
		t.Errorf("RevenuePool = %s, want 1", tp.RevenuePool)
	}
	// 3 * 2e10 / 1e13 rounds up to one token unit.
	if !tp.BorrowBalance.Equal(decimal.RequireFromString("0.000001")) {
		t.Errorf("BorrowBalance = %s, want 0.000001", tp.BorrowBalance)
	}
	if !tp.SpotFeePool.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("SpotFeePool = %s", tp.SpotFeePool)
	}
	if !tp.InsuranceFundBalance.Valid || tp.SpotVaultBalance.Valid {
		t.Errorf("balances = %+v / %+v", tp.InsuranceFundBalance, tp.SpotVaultBalance)
	}
}

func fixedClock() func() time.Time {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return start.Add(90 * time.Second) }
}

func TestBuilderMessages(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(ctx, BuilderConfig{Commit: "abc123", Now: fixedClock()})
	b.SetStartTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	b.SetStartSlot(77)
	b.SetTotalUsers(3)
	b.AddInitialPerpMarket(perpMarket(0))
	b.AddFinalPerpMarket(perpMarket(0))
	b.AddSettledExpiredMarket(NewExpiredMarket(perpMarket(0)))

	msgs := b.BuildMessages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want settled, perp and spot blocks", len(msgs))
	}
	if !strings.Contains(msgs[0], "Sim slot:       77") || !strings.Contains(msgs[0], "1m30s") {
		t.Errorf("header = %q", msgs[0])
	}
	if !strings.Contains(msgs[1], "Pnl pool:                      3 -> 3") {
		t.Errorf("perp block = %q", msgs[1])
	}

	b.AddSettleUserSuccess(0)
	b.AddSettleUserSuccess(0)
	b.AddSettleUserFail(0, exchangeErr("Market settlement attempted on active market"))
	b.AddSettleUserFail(0, exchangeErr("Market settlement attempted on active market"))
	b.AddFinalSettleResult(0, 1)
	b.AddInitialSpotMarket(Balance{}, Balance{}, spotMarket(0))
	b.AddFinalSpotMarket(Balance{}, Balance{}, spotMarket(0))

	msgs = b.BuildMessages()
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5", len(msgs))
	}
	fail := msgs[1]
	for _, want := range []string{"2/3 users settled successfully", "1/3 users settled with error", "Failed attempts: 2", "2x Market settlement attempted"} {
		if !strings.Contains(fail, want) {
			t.Errorf("failure block missing %q:\n%s", want, fail)
		}
	}
	// market money = fee 2 + pnl 3 + spot fee 0.5 + revenue 1
	if !strings.Contains(msgs[4], "USDC delta = (deposit $ - market $): 3.5") {
		t.Errorf("invariants block = %q", msgs[4])
	}

	s := b.Summary()
	if s.Commit != "abc123" || s.SettleSuccess[0] != 2 || len(s.SettleFailures[0]) != 2 || s.FinalState == nil {
		t.Errorf("Summary() = %+v", s)
	}
}

func TestBuilderRetriedUserSettles(t *testing.T) {
	b := NewBuilder(context.Background(), BuilderConfig{Now: fixedClock()})
	b.SetTotalUsers(1)
	b.AddInitialPerpMarket(perpMarket(0))
	b.AddFinalPerpMarket(perpMarket(0))
	b.AddSettleUserFail(0, exchangeErr("Insufficient collateral"))
	b.AddSettleUserFail(0, exchangeErr("Insufficient collateral"))
	b.AddSettleUserSuccess(0)
	b.AddFinalSettleResult(0, 0)

	for _, msg := range b.BuildMessages() {
		if strings.Contains(msg, "Failed Settle User Reasons") {
			t.Errorf("failure block rendered for a fully settled market:\n%s", msg)
		}
	}
	s := b.Summary()
	if !s.FinalSettle[0] || s.Unsettled[0] != 0 || s.SettleSuccess[0] != 1 {
		t.Errorf("Summary() = %+v", s)
	}
	if len(s.SettleFailures[0]) != 2 {
		t.Errorf("failed attempts = %v, want both kept", s.SettleFailures[0])
	}
}

func TestBuilderSettleUnfinished(t *testing.T) {
	b := NewBuilder(context.Background(), BuilderConfig{Now: fixedClock()})
	b.SetTotalUsers(2)
	b.AddSettleUserSuccess(0)
	b.AddSettleUserFail(0, exchangeErr("Insufficient collateral"))

	msgs := b.BuildMessages()
	var fail string
	for _, msg := range msgs {
		if strings.Contains(msg, "Failed Settle User Reasons") {
			fail = msg
		}
	}
	for _, want := range []string{"1/2 users settled successfully", "settlement did not finish", "Failed attempts: 1"} {
		if !strings.Contains(fail, want) {
			t.Errorf("failure block missing %q:\n%s", want, fail)
		}
	}
}

type exchangeErr string

func (e exchangeErr) Error() string { return string(e) }

func TestNotifierDisabled(t *testing.T) {
	for _, cfg := range []NotifierConfig{{}, {Token: "x"}, {Channel: "c"}} {
		n := NewNotifier(cfg)
		if n.Enabled() || n.Send(context.Background(), "hi") {
			t.Errorf("notifier %+v should be disabled", cfg)
		}
	}
	var n *Notifier
	if n.Send(context.Background(), "hi") {
		t.Error("nil notifier sent")
	}
}

func TestNotifierPostsToSlack(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		mu.Lock()
		texts = append(texts, r.Form.Get("text"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.0"}`))
	}))
	defer srv.Close()

	n := NewNotifier(NotifierConfig{Token: "xoxb-test", Channel: "C1", APIURL: srv.URL + "/"})
	b := NewBuilder(context.Background(), BuilderConfig{Notifier: n, Commit: "deadbeef"})
	b.PostFail(context.Background(), "settle failed")

	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 2 {
		t.Fatalf("posted %d messages, want 2", len(texts))
	}
	if !strings.Contains(texts[0], "Commit: `deadbeef`") || texts[1] != "settle failed" {
		t.Errorf("texts = %q", texts)
	}
}

func TestNotifierSlackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	n := NewNotifier(NotifierConfig{Token: "xoxb-test", Channel: "C1", APIURL: srv.URL + "/"})
	if n.Send(context.Background(), "hi") {
		t.Error("Send() = true on slack error")
	}
}

func TestCSVWriterAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	w := NewCSVWriter(path)

	if err := w.Append(NewAMMRecord(perpMarket(2)), RecordInitialMarket); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(NewAMMRecord(perpMarket(2)), RecordFinalMarket); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(NewInsuranceFundRecord(spotMarket(0)), RecordFinalIF); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 3", len(rows))
	}
	header := rows[0]
	if header[0] != "market_index" || header[len(header)-1] != "record_type" {
		t.Errorf("header = %v", header)
	}
	if got := rows[1][len(rows[1])-1]; got != RecordInitialMarket {
		t.Errorf("record_type = %q", got)
	}
	if got := rows[3][len(rows[3])-1]; got != RecordFinalIF {
		t.Errorf("record_type = %q", got)
	}
	if rows[1][7] != "-2500000000" {
		t.Errorf("base_asset_amount_with_amm = %q", rows[1][7])
	}
}
