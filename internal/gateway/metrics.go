package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	gwAssessments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrguard",
		Subsystem: "gateway",
		Name:      "assessments_total",
		Help:      "Completed assessments by verdict source and risk level.",
	}, []string{"source", "level"})

	gwFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrguard",
		Subsystem: "gateway",
		Name:      "fallbacks_total",
		Help:      "Assessments served by the local scorer, by reason.",
	}, []string{"reason"}) // "not_ready", "breaker_open", "timeout", "canceled", "transport", "status", "malformed"

	gwRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrguard",
		Subsystem: "gateway",
		Name:      "rejected_total",
		Help:      "Payloads rejected before assessment, by error code.",
	}, []string{"code"})

	gwCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qrguard",
		Subsystem: "gateway",
		Name:      "cached_verdicts_total",
		Help:      "Assessments answered from the verdict cache.",
	})

	gwAssessLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qrguard",
		Subsystem: "gateway",
		Name:      "assess_latency_seconds",
		Help:      "Wall-clock assessment latency in seconds by verdict source.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
	}, []string{"source"})

	gwBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "qrguard",
		Subsystem: "gateway",
		Name:      "batch_size",
		Help:      "Number of payloads per batch request.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32},
	})
)

func init() {
	prometheus.MustRegister(
		gwAssessments,
		gwFallbacks,
		gwRejected,
		gwCacheHits,
		gwAssessLatency,
		gwBatchSize,
	)
}
