// Package metrics registers the Prometheus instruments for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the pipeline updates.
type Metrics struct {
	FilesDetected     *prometheus.CounterVec
	FilesConfirmed    *prometheus.CounterVec
	WindowsMissed     *prometheus.CounterVec
	DetectionLatency  *prometheus.HistogramVec
	PipelineLatency   prometheus.Histogram
	ForecastUpdates   *prometheus.CounterVec
	ArbiterRejections *prometheus.CounterVec
	SignalsEmitted    *prometheus.CounterVec
	SignalsRejected   *prometheus.CounterVec
	OrdersSubmitted   *prometheus.CounterVec
	OrderErrors       prometheus.Counter
	APIFallbackPolls  prometheus.Counter
	RateLimitHits     *prometheus.CounterVec
}

// New registers all instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FilesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nwp_files_detected_total",
			Help: "Model files detected in object storage.",
		}, []string{"model"}),
		FilesConfirmed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nwp_files_confirmed_total",
			Help: "Model files downloaded and parsed.",
		}, []string{"model"}),
		WindowsMissed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nwp_windows_missed_total",
			Help: "Detection windows that closed without a file.",
		}, []string{"model"}),
		DetectionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nwp_detection_latency_seconds",
			Help:    "Delay from expected publish time to detection.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"model"}),
		PipelineLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nwp_pipeline_latency_seconds",
			Help:    "Detection-to-order-confirm latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ForecastUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nwp_forecast_updates_total",
			Help: "Arbitrated forecast updates by source.",
		}, []string{"source"}),
		ArbiterRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nwp_arbiter_rejections_total",
			Help: "Updates dropped by source arbitration.",
		}, []string{"source"}),
		SignalsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nwp_signals_emitted_total",
			Help: "Entry signals produced by strategy.",
		}, []string{"strategy"}),
		SignalsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nwp_signals_rejected_total",
			Help: "Strategy evaluations that did not produce a signal.",
		}, []string{"strategy", "reason"}),
		OrdersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nwp_orders_submitted_total",
			Help: "Orders accepted by the venue.",
		}, []string{"strategy"}),
		OrderErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "nwp_order_errors_total",
			Help: "Order submissions refused by guards or the venue.",
		}),
		APIFallbackPolls: factory.NewCounter(prometheus.CounterOpts{
			Name: "nwp_api_fallback_polls_total",
			Help: "Fallback provider fetches.",
		}),
		RateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nwp_rate_limit_hits_total",
			Help: "Provider rate-limit responses.",
		}, []string{"provider"}),
	}
}
