package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge collectors. Components accept a nil *Metrics and
// skip recording.
type Metrics struct {
	Transitions         *prometheus.CounterVec
	TickDuration        prometheus.Histogram
	InFlight            *prometheus.GaugeVec
	AttestationAttempts prometheus.Histogram
	AttestationOutcomes *prometheus.CounterVec
	Broadcasts          *prometheus.CounterVec
	BreakerOpen         prometheus.Gauge
	RelayerDepth        *prometheus.GaugeVec
	RelayerBalance      *prometheus.GaugeVec
	FeeEstimates        *prometheus.CounterVec
	RateFallbacks       *prometheus.CounterVec
	Sponsorships        *prometheus.CounterVec
}

// New registers the collectors on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_transaction_transitions_total",
			Help: "Committed status transitions of bridge transactions",
		}, []string{"from", "to"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_monitor_tick_duration_seconds",
			Help:    "Duration of monitor ticks",
			Buckets: prometheus.DefBuckets,
		}),
		InFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_transactions_in_flight",
			Help: "Non-terminal bridge transactions by status",
		}, []string{"status"}),
		AttestationAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_attestation_attempts",
			Help:    "Attempts used by successful attestation fetches",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),
		AttestationOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_attestation_fetch_total",
			Help: "Attestation fetches by outcome",
		}, []string{"outcome"}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_relayer_broadcasts_total",
			Help: "Relayer broadcasts by chain and outcome",
		}, []string{"chain", "outcome"}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_relayer_breaker_open",
			Help: "1 while the relayer circuit breaker is open",
		}),
		RelayerDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_relayer_pending_depth",
			Help: "Last observed pending transaction depth per relayer account",
		}, []string{"chain", "relayer"}),
		RelayerBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_relayer_balance_wei",
			Help: "Native balance per relayer account",
		}, []string{"chain", "relayer"}),
		FeeEstimates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_paymaster_fee_estimates_total",
			Help: "Fee estimates by chain",
		}, []string{"chain"}),
		RateFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_paymaster_rate_fallbacks_total",
			Help: "Exchange rate reads served from a fallback",
		}, []string{"coin", "source"}),
		Sponsorships: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_paymaster_sponsorships_total",
			Help: "Sponsored transactions by outcome",
		}, []string{"outcome"}),
	}
}
