package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhookAccepted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingress_webhooks_accepted_total", Help: "Webhook deliveries accepted"})
	WebhookRejected   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingress_webhooks_rejected_total", Help: "Webhook deliveries failing verification"})
	WebhookDuplicates = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingress_webhooks_duplicate_total", Help: "Webhook deliveries acknowledged as duplicates"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingress_rate_limit_rejects_total", Help: "Requests rejected by the token bucket"})
	JobsQueued        = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingress_jobs_queued_total", Help: "Jobs accepted for async execution"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingress_jobs_completed_total", Help: "Jobs reaching terminal completed state"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingress_jobs_retried_total", Help: "Job failures rescheduled with backoff"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingress_jobs_failed_total", Help: "Jobs reaching terminal failed state"})
	CallbackFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingress_callback_failures_total", Help: "Signed callback deliveries that did not succeed"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingress_jobs_ready", Help: "Jobs on the ready list"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingress_jobs_inflight", Help: "Jobs currently leased by a worker"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhookAccepted,
			WebhookRejected,
			WebhookDuplicates,
			RateLimitRejects,
			JobsQueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			CallbackFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
