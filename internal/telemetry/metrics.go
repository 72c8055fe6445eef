package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs accepted by the enqueue API"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs failed terminally"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Job executions that were rescheduled with backoff"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_in_flight", Help: "Jobs currently executing"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "enqueue_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	EventsDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "stream_events_dropped_total", Help: "Live events dropped on full subscriber buffers"})
	SSEClients       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sse_clients", Help: "Connected SSE subscribers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsInFlight,
			RateLimitRejects,
			EventsDropped,
			SSEClients,
		)
	})
	return promhttp.Handler()
}
