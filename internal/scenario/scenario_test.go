package scenario

import (
	"context"
	"encoding/csv"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/action"
	"github.com/gateway-fm/perpsim/internal/agent"
	"github.com/gateway-fm/perpsim/internal/chain"
	"github.com/gateway-fm/perpsim/internal/chain/chaintest"
	"github.com/gateway-fm/perpsim/internal/event"
	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/exchange/exchangetest"
	"github.com/gateway-fm/perpsim/internal/invariant"
	"github.com/gateway-fm/perpsim/internal/keys"
	"github.com/gateway-fm/perpsim/internal/oracle"
	"github.com/gateway-fm/perpsim/internal/report"
	"github.com/gateway-fm/perpsim/pkg/types"
)

const testBlockTime = 1_700_000_000

type recorder struct {
	mu        sync.Mutex
	phases    []types.Phase
	snapshots []string
}

func (r *recorder) SetPhase(phase types.Phase, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
}

func (r *recorder) Snapshot(ctx context.Context, phase, kind string, market uint16, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, phase+"/"+kind)
}

type sink struct {
	mu      sync.Mutex
	records []event.Record
}

func (s *sink) Record(ctx context.Context, rec event.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

type fixture struct {
	ex     *exchangetest.Exchange
	ledger *chaintest.Ledger
	rec    *recorder
	sink   *sink
	deps   Deps
}

// newFixture creates perp market 0 with one agent per position.
func newFixture(t *testing.T, marketLPShares int64, positions ...exchange.PerpPosition) *fixture {
	t.Helper()
	ex := exchangetest.New()
	ex.AddPerpMarket(&exchange.PerpMarket{
		MarketIndex: 0,
		Status:      exchange.MarketStatusActive,
		AMM: exchange.AMM{
			Oracle:               solana.NewWallet().PublicKey(),
			UserLPShares:         big.NewInt(marketLPShares),
			HistoricalOracleData: exchange.HistoricalOracleData{LastOraclePrice: 20 * exchange.PricePrecision},
		},
	})
	ex.AddSpotMarket(&exchange.SpotMarket{
		MarketIndex:               0,
		Name:                      "USDC",
		Oracle:                    solana.NewWallet().PublicKey(),
		Decimals:                  6,
		CumulativeDepositInterest: big.NewInt(exchange.SpotCumulativeInterestPrecision),
		CumulativeBorrowInterest:  big.NewInt(exchange.SpotCumulativeInterestPrecision),
	})

	var agents []exchange.Agent
	for _, pos := range positions {
		authority := solana.NewWallet().PublicKey()
		ex.AddUser(&exchange.UserAccount{Authority: authority, PerpPositions: []exchange.PerpPosition{pos}})
		agents = append(agents, ex.Client(authority))
	}

	f := &fixture{ex: ex, ledger: chaintest.New(testBlockTime), rec: &recorder{}, sink: &sink{}}
	f.deps = Deps{
		Ledger:   f.ledger,
		Admin:    ex.Client(solana.NewWallet().PublicKey()),
		Agents:   agents,
		Results:  report.NewBuilder(context.Background(), report.BuilderConfig{}),
		Sink:     f.sink,
		Recorder: f.rec,
		Timings:  Timings{ExpiryOffset: DefaultExpiryOffset, MaxSettleAttempts: 3},
	}
	return f
}

func TestCloseMarket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 300,
		exchange.PerpPosition{MarketIndex: 0, BaseAssetAmount: 10, LPShares: 100},
		exchange.PerpPosition{MarketIndex: 0, BaseAssetAmount: -5, LPShares: 200},
	)

	if err := CloseMarket(ctx, f.deps, 0); err != nil {
		t.Fatalf("CloseMarket() error = %v", err)
	}

	auction, cooldown, _ := f.ex.Durations()
	if auction != 0 || cooldown != 0 {
		t.Errorf("durations = %d/%d, want 0/0", auction, cooldown)
	}
	expiry := f.ex.Calls("exchange_updatePerpMarketExpiry")
	if len(expiry) != 1 || expiry[0].Value != testBlockTime+50 {
		t.Errorf("perp expiry calls = %+v", expiry)
	}
	if n := len(f.ex.Calls("exchange_updateSpotMarketExpiry")); n != 1 {
		t.Errorf("spot expiry calls = %d, want 1", n)
	}
	if n := len(f.ex.Calls("exchange_removeLiquidity")); n != 2 {
		t.Errorf("remove liquidity calls = %d, want 2", n)
	}

	m, _ := f.deps.Admin.PerpMarket(ctx, 0)
	if m.Status != exchange.MarketStatusSettlement || m.AMM.UserLPShares.Sign() != 0 {
		t.Errorf("market = %s with %s lp shares", m.Status, m.AMM.UserLPShares)
	}
	for i, a := range f.deps.Agents {
		if pos, _ := a.PerpPosition(ctx, 0, 0); pos != nil {
			t.Errorf("agent %d position not settled: %+v", i, pos)
		}
	}

	s := f.deps.Results.Summary()
	if s.SettleSuccess[0] != 2 || len(s.SettleFailures[0]) != 0 || !s.FinalSettle[0] {
		t.Errorf("settle results = %v / %v / %v", s.SettleSuccess, s.SettleFailures, s.FinalSettle)
	}
	if len(s.SettledMarkets) != 1 || s.SettledMarkets[0].ExpiryPrice.String() != "20" {
		t.Errorf("settled markets = %+v", s.SettledMarkets)
	}
	if len(s.InitialPerps) != 1 || len(s.InitialSpots) != 1 {
		t.Errorf("initial tuples = %d perp, %d spot", len(s.InitialPerps), len(s.InitialSpots))
	}

	if len(f.sink.records) != 2 || f.sink.records[0].Name != string(event.SettlePnL) || f.sink.records[0].ComputeUnits != 12000 {
		t.Errorf("sink records = %+v", f.sink.records)
	}
	for _, want := range []types.Phase{types.PhaseRecordingInitial, types.PhaseScheduling, types.PhaseRemovingLP, types.PhaseSettlingMarket, types.PhaseSettlingUsers} {
		if !slices.Contains(f.rec.phases, want) {
			t.Errorf("phase %q not recorded: %v", want, f.rec.phases)
		}
	}
	if want := []string{"initial/perp", "initial/spot", "final/expired_market"}; !slices.Equal(f.rec.snapshots, want) {
		t.Errorf("snapshots = %v, want %v", f.rec.snapshots, want)
	}

	if err := RecordFinal(ctx, f.deps, 0); err != nil {
		t.Fatal(err)
	}
	if s := f.deps.Results.Summary(); len(s.FinalPerps) != 1 || len(s.FinalSpots) != 1 || s.FinalState == nil {
		t.Errorf("final tuples = %+v", s)
	}
}

func TestCloseMarketRetriesFailedUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0,
		exchange.PerpPosition{MarketIndex: 0, BaseAssetAmount: 10},
		exchange.PerpPosition{MarketIndex: 0, BaseAssetAmount: -5},
	)
	f.ex.FailNext("exchange_settlePnl", exchangetest.TxError("Insufficient collateral"))

	if err := CloseMarket(ctx, f.deps, 0); err != nil {
		t.Fatalf("CloseMarket() error = %v", err)
	}
	if n := len(f.ex.Calls("exchange_settlePnl")); n != 3 {
		t.Errorf("settle calls = %d, want 2 + 1 retry", n)
	}
	s := f.deps.Results.Summary()
	if s.SettleSuccess[0] != 2 || !slices.Equal(s.SettleFailures[0], []string{"Insufficient collateral"}) || !s.FinalSettle[0] {
		t.Errorf("settle results = %v / %v / %v", s.SettleSuccess, s.SettleFailures, s.FinalSettle)
	}
	if len(f.sink.records) != 3 || f.sink.records[0].Error != "Insufficient collateral" {
		t.Errorf("sink records = %+v", f.sink.records)
	}
}

func TestCloseMarketSettleExhausted(t *testing.T) {
	f := newFixture(t, 0, exchange.PerpPosition{MarketIndex: 0, BaseAssetAmount: 10})
	fail := exchangetest.TxError("Insufficient collateral")
	f.ex.FailNext("exchange_settlePnl", fail, fail, fail)

	err := CloseMarket(context.Background(), f.deps, 0)
	if !errors.Is(err, ErrSettleExhausted) {
		t.Fatalf("CloseMarket() error = %v, want ErrSettleExhausted", err)
	}
	s := f.deps.Results.Summary()
	if s.FinalSettle[0] || len(s.SettleFailures[0]) != 3 || s.Unsettled[0] != 1 {
		t.Errorf("settle results = %v / %v / %v", s.SettleFailures, s.FinalSettle, s.Unsettled)
	}
}

func TestCloseMarketUserSettlesAfterFailures(t *testing.T) {
	f := newFixture(t, 0, exchange.PerpPosition{MarketIndex: 0, BaseAssetAmount: 10})
	f.deps.Results.SetTotalUsers(1)
	fail := exchangetest.TxError("Insufficient collateral")
	f.ex.FailNext("exchange_settlePnl", fail, fail)

	if err := CloseMarket(context.Background(), f.deps, 0); err != nil {
		t.Fatalf("CloseMarket() error = %v", err)
	}
	s := f.deps.Results.Summary()
	if s.SettleSuccess[0]+s.Unsettled[0] > s.TotalUsers {
		t.Errorf("settled %d + unsettled %d exceeds %d users", s.SettleSuccess[0], s.Unsettled[0], s.TotalUsers)
	}
	if !s.FinalSettle[0] || s.Unsettled[0] != 0 || len(s.SettleFailures[0]) != 2 {
		t.Errorf("settle results = %v / %v / %v", s.SettleFailures, s.FinalSettle, s.Unsettled)
	}
	for _, msg := range f.deps.Results.BuildMessages() {
		if strings.Contains(msg, "users settled with error") {
			t.Errorf("settled market reported with errors:\n%s", msg)
		}
	}
}

func TestCloseMarketLPSharesRemaining(t *testing.T) {
	// The market reports more LP shares than the loaded users hold.
	f := newFixture(t, 400, exchange.PerpPosition{MarketIndex: 0, LPShares: 300})

	err := CloseMarket(context.Background(), f.deps, 0)
	var v invariant.Violation
	if !errors.Is(err, invariant.ErrInvariant) || !errors.As(err, &v) || v.Check != invariant.CheckLPZero {
		t.Fatalf("CloseMarket() error = %v, want lp zero violation", err)
	}
	if n := len(f.ex.Calls("exchange_settleExpiredMarket")); n != 0 {
		t.Errorf("market settled after failed check")
	}
}

func ordersUser(authority solana.PublicKey, market uint16, open int) *exchange.UserAccount {
	u := &exchange.UserAccount{
		Authority:     authority,
		PerpPositions: []exchange.PerpPosition{{MarketIndex: market, BaseAssetAmount: 1, OpenOrders: uint8(open)}},
		OpenOrders:    uint8(open),
	}
	for i := range open {
		u.Orders = append(u.Orders, exchange.Order{
			OrderID:     uint32(i + 1),
			MarketType:  exchange.MarketTypePerp,
			MarketIndex: market,
			Status:      exchange.OrderStatusOpen,
		})
	}
	return u
}

// staleAgent fails every refresh.
type staleAgent struct {
	exchange.Agent
}

func (staleAgent) Refresh(context.Context) error { return errors.New("account not found") }

func TestCancelPerpOrdersReadFailure(t *testing.T) {
	f := newFixture(t, 0)
	withOrders := solana.NewWallet().PublicKey()
	stale := solana.NewWallet().PublicKey()
	f.ex.AddUser(ordersUser(withOrders, 0, 2))
	f.ex.AddUser(ordersUser(stale, 0, 1))
	f.deps.Agents = []exchange.Agent{f.ex.Client(withOrders), staleAgent{f.ex.Client(stale)}}
	f.deps.defaults()

	n, err := cancelPerpOrders(context.Background(), f.deps, 0)
	if err == nil || !strings.Contains(err.Error(), "refresh agent 1") {
		t.Fatalf("cancelPerpOrders() = %d, %v, want refresh error", n, err)
	}
	if calls := f.ex.Calls("exchange_cancelOrders"); len(calls) != 0 {
		t.Errorf("cancel calls after failed read = %+v", calls)
	}
}

// flagWaiter creates the keeper flag on the first wait.
type flagWaiter struct {
	path  string
	waits int
}

func (w *flagWaiter) Wait(ctx context.Context, d time.Duration) error {
	w.waits++
	if w.waits == 1 {
		return os.WriteFile(w.path, nil, 0o600)
	}
	return nil
}

func TestExchangeBehavior(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	withOrders := solana.NewWallet().PublicKey()
	without := solana.NewWallet().PublicKey()
	f.ex.AddUser(ordersUser(withOrders, 0, 2))
	f.ex.AddUser(ordersUser(without, 0, 0))
	f.deps.Agents = []exchange.Agent{f.ex.Client(withOrders), f.ex.Client(without)}

	dir := t.TempDir()
	flag := filepath.Join(dir, "keeper.done")
	waiter := &flagWaiter{path: flag}
	f.deps.Waiter = waiter
	f.deps.Timings.KeeperPoll = time.Millisecond
	resultsPath := filepath.Join(dir, "sim_results.csv")

	err := ExchangeBehavior(ctx, f.deps, BehaviorConfig{
		Market:         0,
		Results:        report.NewCSVWriter(resultsPath),
		KeeperFlagFile: flag,
	})
	if err != nil {
		t.Fatalf("ExchangeBehavior() error = %v", err)
	}

	if calls := f.ex.Calls("exchange_cancelOrders"); len(calls) != 1 || calls[0].Authority != withOrders {
		t.Errorf("cancel calls = %+v", calls)
	}
	if _, err := os.Stat(flag); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("keeper flag not removed: %v", err)
	}
	if waiter.waits != 1 {
		t.Errorf("flag polls = %d, want 1", waiter.waits)
	}
	price, _ := f.deps.Admin.OraclePriceForPerp(ctx, 0)
	if price.Price != 4*exchange.PricePrecision {
		t.Errorf("oracle price = %d, want a fifth of 20", price.Price)
	}

	file, err := os.Open(resultsPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	var recordTypes []string
	for _, row := range rows[1:] {
		recordTypes = append(recordTypes, row[len(row)-1])
	}
	want := []string{report.RecordInitialMarket, report.RecordInitialIF, report.RecordFinalMarket, report.RecordFinalIF}
	if !slices.Equal(recordTypes, want) {
		t.Errorf("record types = %v, want %v", recordTypes, want)
	}
}

// stubbornAgent accepts cancellations without canceling anything.
type stubbornAgent struct{ exchange.Agent }

func (stubbornAgent) CancelOrders(ctx context.Context, sub uint16, mt exchange.MarketType, market uint16) (exchange.TxResult, error) {
	return exchange.TxResult{}, nil
}

func TestExchangeBehaviorOrdersRemaining(t *testing.T) {
	f := newFixture(t, 0)
	authority := solana.NewWallet().PublicKey()
	f.ex.AddUser(ordersUser(authority, 0, 1))
	f.deps.Agents = []exchange.Agent{stubbornAgent{f.ex.Client(authority)}}

	err := ExchangeBehavior(context.Background(), f.deps, BehaviorConfig{Market: 0, KeeperFlagFile: filepath.Join(t.TempDir(), "flag")})
	if !errors.Is(err, ErrOrdersRemaining) {
		t.Fatalf("ExchangeBehavior() error = %v, want ErrOrdersRemaining", err)
	}
	if n := len(f.ex.Calls("exchange_setOracleFeed")); n != 0 {
		t.Errorf("oracle moved with orders remaining")
	}
}

func TestCreateTester(t *testing.T) {
	f := newFixture(t, 0)
	tester, err := CreateTester(context.Background(), f.deps, f.ex)
	if err != nil {
		t.Fatalf("CreateTester() error = %v", err)
	}
	pk := tester.Keypair.PublicKey()
	if got := f.ledger.Lamports(pk); got != TesterAirdropLamports {
		t.Errorf("lamports = %d, want %d", got, uint64(TesterAirdropLamports))
	}
	opts, ok := f.ex.Dialed(pk)
	if !ok || opts.Subscription != exchange.SubscriptionWebsocket {
		t.Errorf("dial options = %+v", opts)
	}
	if tester.User == nil || tester.User.Authority != pk {
		t.Errorf("user = %+v", tester.User)
	}
	if n := len(f.ledger.Confirmed()); n != 2 {
		t.Errorf("confirmed = %d, want airdrop and initialize_user", n)
	}
}

func TestMoveOracle(t *testing.T) {
	tests := []struct {
		dir  Direction
		want int64
	}{
		{DirectionUp, 28 * exchange.PricePrecision},
		{DirectionDown, 4 * exchange.PricePrecision},
	}
	for _, tt := range tests {
		t.Run(string(tt.dir), func(t *testing.T) {
			f := newFixture(t, 0)
			got, err := MoveOracle(context.Background(), f.deps, 0, tt.dir)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("price = %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := ParseDirection("sideways"); err == nil {
		t.Error("ParseDirection(sideways) error = nil")
	}
}

func TestQuoteToZeroAndJump(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	if err := QuoteToZero(ctx, f.deps); err != nil {
		t.Fatal(err)
	}
	if p, _ := f.deps.Admin.OraclePriceForSpot(ctx, 0); p.Price != 0 {
		t.Errorf("quote price = %d", p.Price)
	}

	delta := int64(exchange.PricePrecision)
	if err := OracleJump(ctx, f.deps, oracle.JumpConfig{Market: 0, PriceDelta: &delta}); err != nil {
		t.Fatal(err)
	}
	if p, _ := f.deps.Admin.OraclePriceForPerp(ctx, 0); p.Price != 21*exchange.PricePrecision {
		t.Errorf("perp price = %d", p.Price)
	}
}

func TestExperiment(t *testing.T) {
	f := newFixture(t, 0)
	gen := action.NewGenerator(action.GeneratorConfig{MaxMarketIndex: 0, Seed: 7})
	exec := action.NewExecutor(f.deps.Admin, action.ExecutorConfig{})
	summary, err := Experiment(context.Background(), f.deps, gen, exec, 5)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Actions != 5 || summary.Succeeded+summary.Failed != 5 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestSetup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	dir := t.TempDir()
	writeKey := func(name string) *keys.Keypair {
		kp, err := keys.Generate()
		if err != nil {
			t.Fatal(err)
		}
		if name == "" {
			name = kp.PublicKey().String() + keys.SecretExt
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(kp.SeedHex()[2:]), 0o600); err != nil {
			t.Fatal(err)
		}
		return kp
	}
	writeKey(keys.DefaultAdminFile)
	user := writeKey("")
	u := &exchange.UserAccount{Authority: user.PublicKey(), PerpPositions: []exchange.PerpPosition{{MarketIndex: 0, BaseAssetAmount: 3}}}
	f.ex.AddUser(u)
	f.ledger.AddProgramAccount(chain.Account{Pubkey: u.Pubkey, Data: f.ex.EncodeUser(u)})

	loader := agent.NewLoader(agent.LoaderConfig{Ledger: f.ledger, Dialer: f.ex, ProgramID: solana.NewWallet().PublicKey()})
	d, err := Setup(ctx, f.deps, SetupConfig{Loader: loader, KeypairsDir: dir, Market: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Agents) != 1 || d.Agents[0].Authority() != user.PublicKey() {
		t.Fatalf("agents = %d", len(d.Agents))
	}
	s := d.Results.Summary()
	if s.TotalUsers != 1 || s.StartSlot == 0 {
		t.Errorf("summary = %d users from slot %d", s.TotalUsers, s.StartSlot)
	}
}
