package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_submitted_total", Help: "Generation jobs accepted and enqueued"})
	RejectedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_rejected_total", Help: "Submissions rejected for insufficient credits"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_completed_total", Help: "Jobs completed with an artifact"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_retries_total", Help: "Transient provider failures scheduled for retry"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_failed_total", Help: "Jobs failed after exhausting retries"})
	RefundCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "credits_refunded_total", Help: "Refunds applied for failed jobs"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generations_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generations_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RejectedCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerFailures,
			RefundCounter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
