// Package instrumentation holds the Prometheus collectors for the tick
// pipeline. All metrics are registered on the default registry via
// promauto; cmd/main serves them on /metrics.
package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksReceived counts raw ticks entering the pipeline per broker.
	TicksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "betabot",
		Subsystem: "pipeline",
		Name:      "ticks_received_total",
		Help:      "Raw ticks received, before normalization.",
	}, []string{"broker"})

	// TicksAccepted counts ticks that made it through the full chain.
	TicksAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "betabot",
		Subsystem: "pipeline",
		Name:      "ticks_accepted_total",
		Help:      "Canonical ticks accepted into the metric engines.",
	}, []string{"broker", "symbol"})

	// TicksDropped counts dropped ticks by stage and reason.
	TicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "betabot",
		Subsystem: "pipeline",
		Name:      "ticks_dropped_total",
		Help:      "Ticks dropped, partitioned by stage and reason.",
	}, []string{"broker", "stage", "reason"})

	// ValidationResults counts pass/warn/fail outcomes.
	ValidationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "betabot",
		Subsystem: "quality",
		Name:      "validation_results_total",
		Help:      "Validation outcomes per broker.",
	}, []string{"broker", "result"})

	// QualityScore observes the validator's score distribution.
	QualityScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "betabot",
		Subsystem: "quality",
		Name:      "score",
		Help:      "Quality score distribution.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"broker"})

	// CompensationApplied counts successful latency compensations by method.
	CompensationApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "betabot",
		Subsystem: "latency",
		Name:      "compensation_applied_total",
		Help:      "Latency compensations applied, by method.",
	}, []string{"broker", "method"})

	// CompensationFallbacks counts rejected compensations kept at the
	// original timestamp.
	CompensationFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "betabot",
		Subsystem: "latency",
		Name:      "compensation_fallbacks_total",
		Help:      "Compensations rejected by validation, tick kept as-is.",
	}, []string{"broker"})

	// CompensatedLatency observes applied latency shifts in milliseconds.
	CompensatedLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "betabot",
		Subsystem: "latency",
		Name:      "applied_ms",
		Help:      "Applied latency shift in milliseconds.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"broker"})

	// ProcessingDuration observes end-to-end ingest time per stage.
	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "betabot",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Per-stage processing duration.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"stage"})

	// MetricCalculations counts engine calculations and failures.
	MetricCalculations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "betabot",
		Subsystem: "engine",
		Name:      "calculations_total",
		Help:      "Metric calculations, partitioned by metric and outcome.",
	}, []string{"metric", "outcome"})

	// SinkErrors counts best-effort fan-out failures (cache, archive).
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "betabot",
		Subsystem: "pipeline",
		Name:      "sink_errors_total",
		Help:      "Best-effort sink failures; the stream is never blocked.",
	}, []string{"sink"})
)
