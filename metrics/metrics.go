package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	judgeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "council",
			Name:      "judge_calls_total",
			Help:      "Judge invocations by judge and outcome (verdict or sentinel reason).",
		},
		[]string{"judge", "outcome"},
	)

	judgeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowflow",
			Subsystem: "council",
			Name:      "judge_duration_seconds",
			Help:      "Latency of judge invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
		},
		[]string{"judge"},
	)

	consensusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "council",
			Name:      "consensus_total",
			Help:      "Council consensus outcomes.",
		},
		[]string{"decision"},
	)

	sweepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "autorelease",
			Name:      "slices_total",
			Help:      "Auto-release candidates by result.",
		},
		[]string{"result"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "escrowflow",
			Subsystem: "autorelease",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of auto-release sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	dividendRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "dividend",
			Name:      "runs_total",
			Help:      "Dividend runs by outcome.",
		},
		[]string{"outcome"},
	)

	dividendPaid = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "dividend",
			Name:      "paid_minor_units_total",
			Help:      "Minor currency units credited to contributor wallets.",
		},
	)

	gatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Gateway operations by backend, operation and result.",
		},
		[]string{"backend", "op", "result"},
	)

	outboxMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "outbox",
			Name:      "messages_total",
			Help:      "Outbox messages handed to the notification publisher by result.",
		},
		[]string{"topic", "result"},
	)
)

func init() {
	Registry.MustRegister(
		judgeCalls,
		judgeDuration,
		consensusTotal,
		sweepOutcomes,
		sweepDuration,
		dividendRuns,
		dividendPaid,
		gatewayCalls,
		outboxMessages,
	)
}

// Handler exposes the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveJudge records one judge invocation.
func ObserveJudge(judge, outcome string, d time.Duration) {
	judgeCalls.WithLabelValues(judge, outcome).Inc()
	judgeDuration.WithLabelValues(judge).Observe(d.Seconds())
}

// RecordConsensus records a council outcome.
func RecordConsensus(decision string) {
	consensusTotal.WithLabelValues(decision).Inc()
}

// RecordSweep records the totals of one auto-release sweep.
func RecordSweep(released, skipped, failed int, d time.Duration) {
	sweepOutcomes.WithLabelValues("released").Add(float64(released))
	sweepOutcomes.WithLabelValues("skipped").Add(float64(skipped))
	sweepOutcomes.WithLabelValues("failed").Add(float64(failed))
	sweepDuration.Observe(d.Seconds())
}

// RecordDividend records a dividend run outcome and the amount paid.
func RecordDividend(outcome string, paid int64) {
	dividendRuns.WithLabelValues(outcome).Inc()
	if paid > 0 {
		dividendPaid.Add(float64(paid))
	}
}

// RecordGateway records a gateway call result ("ok", "retryable", "error").
func RecordGateway(backend, op, result string) {
	gatewayCalls.WithLabelValues(backend, op, result).Inc()
}

// RecordOutbox records an outbox delivery attempt.
func RecordOutbox(topic, result string) {
	outboxMessages.WithLabelValues(topic, result).Inc()
}
