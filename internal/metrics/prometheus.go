// Package metrics exposes simulator metrics to Prometheus.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run statuses reported by the run status gauge.
var runStatuses = []string{"idle", "running", "completed", "failed"}

// PrometheusMetrics holds all Prometheus metrics for the simulator.
// A nil *PrometheusMetrics records nothing.
type PrometheusMetrics struct {
	ActionsTotal     *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec
	SettleAttempts   *prometheus.CounterVec
	SettleResults    *prometheus.CounterVec
	LPSharesRemoved  *prometheus.CounterVec
	ComputeUnits     *prometheus.HistogramVec
	RPCLatency       *prometheus.HistogramVec
	OraclePrice      *prometheus.GaugeVec
	RunStatus        *prometheus.GaugeVec
	ConfirmationsBad *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all metrics on reg, or on the
// default registerer when reg is nil.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpsim_actions_total",
				Help: "Admin actions executed by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpsim_events_total",
				Help: "User events sent by name and outcome",
			},
			[]string{"event", "outcome"},
		),

		SettleAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpsim_settle_attempts_total",
				Help: "Settlement loop attempts by market",
			},
			[]string{"market"},
		),

		SettleResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpsim_settle_results_total",
				Help: "Per-user PnL settlements by market and outcome",
			},
			[]string{"market", "outcome"},
		),

		LPSharesRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpsim_lp_shares_removed_total",
				Help: "LP shares removed by the close-market workflow",
			},
			[]string{"market"},
		),

		ComputeUnits: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perpsim_compute_units",
				Help:    "Compute units consumed by user events",
				Buckets: []float64{5_000, 10_000, 25_000, 50_000, 100_000, 200_000, 400_000},
			},
			[]string{"event"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perpsim_rpc_latency_seconds",
				Help:    "Gateway RPC latency by method and status",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "status"},
		),

		OraclePrice: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perpsim_oracle_price",
				Help: "Last oracle price set by the simulator, in quote units",
			},
			[]string{"market_type", "market"},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perpsim_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		ConfirmationsBad: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpsim_unconfirmed_transactions_total",
				Help: "Transactions that failed or timed out confirmation, by step",
			},
			[]string{"step"},
		),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordAction records an executed admin action.
func (m *PrometheusMetrics) RecordAction(kind string, ok bool) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(kind, outcome(ok)).Inc()
}

// RecordEvent records a sent user event and its compute units, if known.
func (m *PrometheusMetrics) RecordEvent(event string, ok bool, computeUnits int64) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(event, outcome(ok)).Inc()
	if computeUnits >= 0 {
		m.ComputeUnits.WithLabelValues(event).Observe(float64(computeUnits))
	}
}

// RecordSettleAttempt records one pass of the settlement loop.
func (m *PrometheusMetrics) RecordSettleAttempt(market string) {
	if m == nil {
		return
	}
	m.SettleAttempts.WithLabelValues(market).Inc()
}

// RecordSettle records one user settlement.
func (m *PrometheusMetrics) RecordSettle(market string, ok bool) {
	if m == nil {
		return
	}
	m.SettleResults.WithLabelValues(market, outcome(ok)).Inc()
}

// RecordLPRemoved adds removed LP shares for a market.
func (m *PrometheusMetrics) RecordLPRemoved(market string, shares uint64) {
	if m == nil {
		return
	}
	m.LPSharesRemoved.WithLabelValues(market).Add(float64(shares))
}

// RecordUnconfirmed records a transaction that did not confirm.
func (m *PrometheusMetrics) RecordUnconfirmed(step string) {
	if m == nil {
		return
	}
	m.ConfirmationsBad.WithLabelValues(step).Inc()
}

// RecordRPC records a gateway call. Methods outside the exchange and
// Solana namespaces are bucketed as "other".
func (m *PrometheusMetrics) RecordRPC(method string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	if !strings.HasPrefix(method, "exchange_") && !strings.HasPrefix(method, "get") {
		method = "other"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(method, status).Observe(elapsed.Seconds())
}

// SetOraclePrice records an oracle price in PRICE_PRECISION units.
func (m *PrometheusMetrics) SetOraclePrice(marketType, market string, price int64) {
	if m == nil {
		return
	}
	m.OraclePrice.WithLabelValues(marketType, market).Set(float64(price) / 1e6)
}

// SetRunStatus marks status as the only active run status.
func (m *PrometheusMetrics) SetRunStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range runStatuses {
		if s == status {
			m.RunStatus.WithLabelValues(s).Set(1)
		} else {
			m.RunStatus.WithLabelValues(s).Set(0)
		}
	}
}
