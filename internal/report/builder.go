package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/invariant"
)

// EnvCommit names the commit under test.
const EnvCommit = "COMMIT"

const timeLayout = "2006-01-02 15:04:05 UTC"

// Builder collects the results of a simulation run and renders them as
// Slack messages. It is safe for concurrent use.
type Builder struct {
	mu       sync.Mutex
	notifier *Notifier
	logger   *slog.Logger
	now      func() time.Time

	commit     string
	startSlot  uint64
	startTime  time.Time
	endTime    time.Time
	totalUsers int

	settled        []ExpiredMarket
	settleSuccess  map[uint16]int
	settleFailures map[uint16][]string
	finalSettle    map[uint16]bool
	unsettled      map[uint16]int

	initialPerps []PerpMarketTuple
	finalPerps   []PerpMarketTuple
	initialSpots []SpotMarketTuple
	finalSpots   []SpotMarketTuple
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Notifier *Notifier
	// Commit defaults to $COMMIT.
	Commit string
	Now    func() time.Time
	Logger *slog.Logger
}

// NewBuilder creates a Builder and posts the run-started message.
func NewBuilder(ctx context.Context, cfg BuilderConfig) *Builder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	commit := cfg.Commit
	if commit == "" {
		commit = os.Getenv(EnvCommit)
	}
	b := &Builder{
		notifier:       cfg.Notifier,
		logger:         logger,
		now:            now,
		commit:         commit,
		startTime:      now().UTC(),
		settleSuccess:  make(map[uint16]int),
		settleFailures: make(map[uint16][]string),
		finalSettle:    make(map[uint16]bool),
		unsettled:      make(map[uint16]int),
	}
	b.notifier.Send(ctx, fmt.Sprintf("Simulation run started at: %s\nCommit: `%s`",
		b.startTime.Format(timeLayout), b.commit))
	return b
}

// SetStartSlot records the slot the run started at.
func (b *Builder) SetStartSlot(slot uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startSlot = slot
}

// SetStartTime overrides the run start time.
func (b *Builder) SetStartTime(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startTime = t.UTC()
}

// SetEndTime records the run end time.
func (b *Builder) SetEndTime(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endTime = t.UTC()
}

// SetTotalUsers records the number of simulated user accounts.
func (b *Builder) SetTotalUsers(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalUsers = n
}

// AddSettledExpiredMarket records a market after settle_expired_market.
func (b *Builder) AddSettledExpiredMarket(m ExpiredMarket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled = append(b.settled, m)
}

// AddSettleUserSuccess counts one user that settled in market. Each user
// is counted once, on the attempt that succeeded.
func (b *Builder) AddSettleUserSuccess(market uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settleSuccess[market]++
}

// AddSettleUserFail records the reason of one failed settle_pnl attempt. A
// user that is retried contributes one reason per failed attempt.
func (b *Builder) AddSettleUserFail(market uint16, reason error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := "unknown error"
	if reason != nil {
		msg = reason.Error()
	}
	b.settleFailures[market] = append(b.settleFailures[market], msg)
}

// AddFinalSettleResult records how many users of market were still
// unsettled after the last attempt.
func (b *Builder) AddFinalSettleResult(market uint16, unsettled int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalSettle[market] = unsettled == 0
	b.unsettled[market] = unsettled
}

// AddInitialPerpMarket records m before the run.
func (b *Builder) AddInitialPerpMarket(m *exchange.PerpMarket) {
	t := NewPerpMarketTuple(m)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialPerps = append(b.initialPerps, t)
}

// AddFinalPerpMarket records m after the run.
func (b *Builder) AddFinalPerpMarket(m *exchange.PerpMarket) {
	t := NewPerpMarketTuple(m)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalPerps = append(b.finalPerps, t)
}

// AddInitialSpotMarket records m and its token balances before the run.
func (b *Builder) AddInitialSpotMarket(insuranceFund, vault Balance, m *exchange.SpotMarket) {
	t := NewSpotMarketTuple(insuranceFund, vault, m)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialSpots = append(b.initialSpots, t)
}

// AddFinalSpotMarket records m and its token balances after the run.
func (b *Builder) AddFinalSpotMarket(insuranceFund, vault Balance, m *exchange.SpotMarket) {
	t := NewSpotMarketTuple(insuranceFund, vault, m)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalSpots = append(b.finalSpots, t)
}

// Summary is the stored form of a run's results.
type Summary struct {
	Commit         string                `json:"commit,omitempty"`
	StartSlot      uint64                `json:"start_slot"`
	StartTime      time.Time             `json:"start_time"`
	EndTime        time.Time             `json:"end_time"`
	TotalUsers     int                   `json:"total_users"`
	SettledMarkets []ExpiredMarket       `json:"settled_markets"`
	SettleSuccess  map[uint16]int        `json:"settle_success"`
	SettleFailures map[uint16][]string   `json:"settle_failures"`
	FinalSettle    map[uint16]bool       `json:"final_settle"`
	Unsettled      map[uint16]int        `json:"unsettled_users"`
	InitialPerps   []PerpMarketTuple     `json:"initial_perp_markets"`
	FinalPerps     []PerpMarketTuple     `json:"final_perp_markets"`
	InitialSpots   []SpotMarketTuple     `json:"initial_spot_markets"`
	FinalSpots     []SpotMarketTuple     `json:"final_spot_markets"`
	FinalState     *invariant.FinalState `json:"final_state,omitempty"`
}

// Summary returns a copy of the collected results.
func (b *Builder) Summary() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Summary{
		Commit:         b.commit,
		StartSlot:      b.startSlot,
		StartTime:      b.startTime,
		EndTime:        b.endTime,
		TotalUsers:     b.totalUsers,
		SettledMarkets: slices.Clone(b.settled),
		SettleSuccess:  make(map[uint16]int, len(b.settleSuccess)),
		SettleFailures: make(map[uint16][]string, len(b.settleFailures)),
		FinalSettle:    make(map[uint16]bool, len(b.finalSettle)),
		Unsettled:      make(map[uint16]int, len(b.unsettled)),
		InitialPerps:   slices.Clone(b.initialPerps),
		FinalPerps:     slices.Clone(b.finalPerps),
		InitialSpots:   slices.Clone(b.initialSpots),
		FinalSpots:     slices.Clone(b.finalSpots),
	}
	for k, v := range b.settleSuccess {
		s.SettleSuccess[k] = v
	}
	for k, v := range b.settleFailures {
		s.SettleFailures[k] = slices.Clone(v)
	}
	for k, v := range b.finalSettle {
		s.FinalSettle[k] = v
	}
	for k, v := range b.unsettled {
		s.Unsettled[k] = v
	}
	if fs, err := b.finalStateLocked(); err == nil {
		s.FinalState = &fs
	}
	return s
}

func (b *Builder) finalStateLocked() (invariant.FinalState, error) {
	perps := make([]invariant.PerpPools, len(b.finalPerps))
	for i, t := range b.finalPerps {
		perps[i] = t.pools()
	}
	spots := make([]invariant.SpotPools, len(b.finalSpots))
	for i, t := range b.finalSpots {
		spots[i] = t.pools()
	}
	return invariant.ComputeFinalState(perps, spots)
}

// BuildMessages renders the results: settled markets, failed settles (only
// for markets left with unsettled users), perp metrics, spot metrics and
// the final-state invariants (only when final spot markets were recorded).
func (b *Builder) BuildMessages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := b.endTime
	if end.IsZero() {
		end = b.now().UTC()
	}

	var msgs []string
	var sb strings.Builder

	fmt.Fprintf(&sb, "*Sim slot:       %d*\n", b.startSlot)
	fmt.Fprintf(&sb, "*Time elapsed:  %s*\n", end.Sub(b.startTime).Round(time.Second))
	sb.WriteString("\n*Settled markets:*\n```\n")
	for _, m := range b.settled {
		fmt.Fprintf(&sb, " Market %d, status: %s\n", m.MarketIndex, m.Status)
		fmt.Fprintf(&sb, "  Expiry price:           %s\n", m.ExpiryPrice)
		fmt.Fprintf(&sb, "  Last oracle price:      %s\n", m.LastOraclePrice)
		fmt.Fprintf(&sb, "  Last oracle price twap: %s\n", m.LastOraclePriceTwap)
	}
	sb.WriteString("```\n")
	msgs = append(msgs, sb.String())

	if failed := b.failedMarketsLocked(); len(failed) > 0 {
		sb.Reset()
		sb.WriteString("*Failed Settle User Reasons:*\n")
		for _, market := range failed {
			reasons := b.settleFailures[market]
			fmt.Fprintf(&sb, "\n*Settled Users Perp Market %d:*\n```\n", market)
			fmt.Fprintf(&sb, " Total users: %d\n", b.totalUsers)
			fmt.Fprintf(&sb, " %d/%d users settled successfully ✅\n", b.settleSuccess[market], b.totalUsers)
			if unsettled, ok := b.unsettled[market]; ok {
				fmt.Fprintf(&sb, " %d/%d users settled with error ❌\n", unsettled, b.totalUsers)
			} else {
				sb.WriteString(" settlement did not finish ❌\n")
			}
			fmt.Fprintf(&sb, " Failed attempts: %d\n", len(reasons))
			for _, r := range countReasons(reasons) {
				fmt.Fprintf(&sb, "  %dx %s\n", r.count, r.reason)
			}
			sb.WriteString("```\n")
		}
		msgs = append(msgs, sb.String())
	}

	sb.Reset()
	sb.WriteString("*Perp Market Metrics:*\n```\n")
	for i := range min(len(b.initialPerps), len(b.finalPerps)) {
		writePerp(&sb, b.initialPerps[i], b.finalPerps[i])
	}
	sb.WriteString("```\n")
	msgs = append(msgs, sb.String())

	sb.Reset()
	sb.WriteString("*Spot Market Metrics:*\n```\n")
	for i := range min(len(b.initialSpots), len(b.finalSpots)) {
		writeSpot(&sb, b.initialSpots[i], b.finalSpots[i])
	}
	sb.WriteString("```\n")
	msgs = append(msgs, sb.String())

	if fs, err := b.finalStateLocked(); err == nil {
		sb.Reset()
		sb.WriteString("*Final State Invariants:*\n```\n")
		sb.WriteString("USDC Spot Market \n")
		fmt.Fprintf(&sb, "  USDC market money (sum(fee + pnl) + spot_revenue): %s \n", fs.MarketMoney)
		fmt.Fprintf(&sb, "  USDC deposit balance: %s \n", fs.QuoteDeposits)
		fmt.Fprintf(&sb, "  USDC delta = (deposit $ - market $): %s \n", fs.QuoteDelta)
		for _, d := range fs.SpotDeltas {
			fmt.Fprintf(&sb, "Spot Market %d Delta: \n", d.MarketIndex)
			fmt.Fprintf(&sb, "  delta = (deposit $ - revenue $): %s \n", d.Delta)
		}
		sb.WriteString("```\n")
		msgs = append(msgs, sb.String())
	}

	return msgs
}

// PostFail logs msg and sends it to Slack.
func (b *Builder) PostFail(ctx context.Context, msg string) {
	b.logger.Error("simulation failed", slog.String("message", msg))
	b.notifier.Send(ctx, msg)
}

// PostResult logs and sends every message of BuildMessages.
func (b *Builder) PostResult(ctx context.Context) {
	for _, msg := range b.BuildMessages() {
		b.logger.Info("simulation result", slog.String("message", msg))
		b.notifier.Send(ctx, msg)
	}
}

func writePerp(sb *strings.Builder, a, b PerpMarketTuple) {
	fmt.Fprintf(sb, " Perp Market %d\n", a.MarketIndex)
	fmt.Fprintf(sb, "  Total fee minus distributions: %s -> %s\n", a.TotalFeeMinusDistributions, b.TotalFeeMinusDistributions)
	fmt.Fprintf(sb, "  Base asset amount with AMM:    %s -> %s\n", a.BaseAssetAmountWithAMM, b.BaseAssetAmountWithAMM)
	fmt.Fprintf(sb, "  Base asset amount with LP:     %s -> %s\n", a.BaseAssetAmountWithUnsettledLP, b.BaseAssetAmountWithUnsettledLP)
	fmt.Fprintf(sb, "  Base asset amount long:        %s -> %s\n", a.BaseAssetAmountLong, b.BaseAssetAmountLong)
	fmt.Fprintf(sb, "  Base asset amount short:       %s -> %s\n", a.BaseAssetAmountShort, b.BaseAssetAmountShort)
	fmt.Fprintf(sb, "  User LP shares:                %s -> %s\n", a.UserLPShares, b.UserLPShares)
	fmt.Fprintf(sb, "  Total social loss:             %s -> %s\n", a.TotalSocialLoss, b.TotalSocialLoss)
	fmt.Fprintf(sb, "  Fee pool:                      %s -> %s\n", a.FeePool, b.FeePool)
	fmt.Fprintf(sb, "  Pnl pool:                      %s -> %s\n", a.PnLPool, b.PnLPool)
	fmt.Fprintf(sb, "  Status:                        %s -> %s\n", a.Status, b.Status)
}

func writeSpot(sb *strings.Builder, a, b SpotMarketTuple) {
	fmt.Fprintf(sb, " Spot Market %d\n", a.MarketIndex)
	fmt.Fprintf(sb, "  Revenue pool:                  %s -> %s\n", a.RevenuePool, b.RevenuePool)
	fmt.Fprintf(sb, "  Spot fee pool:                 %s -> %s\n", a.SpotFeePool, b.SpotFeePool)
	fmt.Fprintf(sb, "  Insurance fund balance:        %s -> %s\n", nullString(a.InsuranceFundBalance), nullString(b.InsuranceFundBalance))
	fmt.Fprintf(sb, "  Spot Vault balance:            %s -> %s\n", nullString(a.SpotVaultBalance), nullString(b.SpotVaultBalance))
	fmt.Fprintf(sb, "  Total spot fee:                %s -> %s\n", a.TotalSpotFee, b.TotalSpotFee)
	fmt.Fprintf(sb, "  Deposit balance:               %s -> %s\n", a.DepositBalance, b.DepositBalance)
	fmt.Fprintf(sb, "  Borrow balance:                %s -> %s\n", a.BorrowBalance, b.BorrowBalance)
	fmt.Fprintf(sb, "  Total social loss:             %s -> %s\n", a.TotalSocialLoss, b.TotalSocialLoss)
	fmt.Fprintf(sb, "  Total quote social loss:       %s -> %s\n", a.TotalQuoteSocialLoss, b.TotalQuoteSocialLoss)
	fmt.Fprintf(sb, "  Status:                        %s -> %s\n", a.Status, b.Status)
}

// failedMarketsLocked returns the markets with failed settles that did not
// end with every user settled.
func (b *Builder) failedMarketsLocked() []uint16 {
	var out []uint16
	for _, market := range sortedKeys(b.settleFailures) {
		if b.finalSettle[market] {
			continue
		}
		out = append(out, market)
	}
	return out
}

type reasonCount struct {
	reason string
	count  int
}

// countReasons groups identical reasons, in first-seen order.
func countReasons(reasons []string) []reasonCount {
	var out []reasonCount
	idx := make(map[string]int)
	for _, r := range reasons {
		if i, ok := idx[r]; ok {
			out[i].count++
			continue
		}
		idx[r] = len(out)
		out = append(out, reasonCount{reason: r, count: 1})
	}
	return out
}

func sortedKeys[V any](m map[uint16]V) []uint16 {
	keys := make([]uint16, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "n/a"
	}
	return d.Decimal.String()
}
