package monitoring

import (
	"time"

	"ticksettle/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.LedgerObserver and ports.SettlementObserver.
type PrometheusCollector struct {
	ledgerOperations  *prometheus.CounterVec
	ledgerDuration    *prometheus.HistogramVec
	tickRounds        *prometheus.CounterVec
	tickSubmissions   *prometheus.CounterVec
	tickRoundDuration prometheus.Histogram
	liveConnections   prometheus.Gauge
	billingResults    *prometheus.CounterVec
	billedAmount      prometheus.Counter
	billedTicks       prometheus.Counter
	playbackSignals   *prometheus.CounterVec
	transportSessions prometheus.Gauge
	factsRelayed      prometheus.Counter
	paymentsArchived  prometheus.Counter
}

// NewPrometheusCollector registers the collectors on reg; nil uses the default
// registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		ledgerOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticksettle_ledger_operations_total",
			Help: "Ledger operations by name and error class",
		}, []string{"operation", "class"}),

		ledgerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticksettle_ledger_operation_duration_seconds",
			Help:    "Ledger operation latency including queueing for the runtime",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),

		tickRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticksettle_tick_rounds_total",
			Help: "Tick submission rounds by leadership",
		}, []string{"role"}),

		tickSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticksettle_tick_submissions_total",
			Help: "Per-connection tick submissions by result",
		}, []string{"result"}),

		tickRoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticksettle_tick_round_duration_seconds",
			Help:    "Duration of tick submission rounds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		liveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ticksettle_tick_round_connections",
			Help: "Connections seen by the last leading tick round",
		}),

		billingResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticksettle_billing_results_total",
			Help: "Orchestrator billing outcomes per engagement",
		}, []string{"outcome", "reason"}),

		billedAmount: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticksettle_billed_amount_total",
			Help: "Sum of confirmed payment amounts in base units",
		}),

		billedTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticksettle_billed_ticks_total",
			Help: "Ticks settled by confirmed payments",
		}),

		playbackSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticksettle_playback_signals_total",
			Help: "Pause and resume signals sent to the transport",
		}, []string{"state", "reason"}),

		transportSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ticksettle_transport_sessions",
			Help: "Open viewer websocket sessions",
		}),

		factsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticksettle_facts_relayed_total",
			Help: "Ledger facts published to the event bus",
		}),

		paymentsArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticksettle_payments_archived_total",
			Help: "Payment records mirrored into the archive",
		}),
	}
}

func (p *PrometheusCollector) ObserveOperation(name string, duration time.Duration, err error) {
	p.ledgerOperations.WithLabelValues(name, domain.Classify(err).String()).Inc()
	p.ledgerDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func (p *PrometheusCollector) ObserveTickRound(round *domain.TickRound) {
	if !round.Leader {
		p.tickRounds.WithLabelValues("follower").Inc()
		return
	}
	p.tickRounds.WithLabelValues("leader").Inc()
	p.tickRoundDuration.Observe(round.Duration.Seconds())
	p.liveConnections.Set(float64(round.Connections))

	p.tickSubmissions.WithLabelValues("recorded").Add(float64(round.Recorded))
	p.tickSubmissions.WithLabelValues("duplicate").Add(float64(round.Duplicates))
	p.tickSubmissions.WithLabelValues("rejected").Add(float64(round.Rejected))
	p.tickSubmissions.WithLabelValues("dropped").Add(float64(round.Dropped))
}

func (p *PrometheusCollector) ObserveBilling(result *domain.BillingResult) {
	p.billingResults.WithLabelValues(string(result.Outcome), string(result.Reason)).Inc()
	if result.Outcome == domain.OutcomeBilled {
		p.billedAmount.Add(float64(result.Amount))
		p.billedTicks.Add(float64(result.Ticks))
	}
}

func (p *PrometheusCollector) ObservePlayback(state domain.PlaybackState, reason domain.PauseReason) {
	p.playbackSignals.WithLabelValues(string(state), string(reason)).Inc()
}

func (p *PrometheusCollector) SetTransportSessions(n int) {
	p.transportSessions.Set(float64(n))
}

func (p *PrometheusCollector) RecordFactsRelayed(n int) {
	p.factsRelayed.Add(float64(n))
}

func (p *PrometheusCollector) RecordPaymentsArchived(n int) {
	p.paymentsArchived.Add(float64(n))
}
