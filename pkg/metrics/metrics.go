package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgehost_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forgehost_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forgehost_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	DbActorInboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgehost_db_actor_inbox_depth",
			Help: "Number of requests currently queued in the DbActor's inbox",
		},
	)

	DbActorBusyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forgehost_db_actor_busy_total",
			Help: "Total number of requests rejected because the DbActor inbox was full",
		},
	)

	ContainerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forgehost_container_job_duration_seconds",
			Help:    "Container job duration in seconds by job kind (build, publish)",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind"},
	)

	ContainerJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgehost_container_jobs_total",
			Help: "Total number of container jobs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	BackgroundTasksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgehost_background_tasks_pending",
			Help: "Number of tasks currently running under the background-task shield",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitRejectionsTotal,
		DbActorInboxDepth,
		DbActorBusyTotal,
		ContainerJobDuration,
		ContainerJobsTotal,
		BackgroundTasksPending,
	)
}

// Handler returns the Prometheus HTTP handler, mounted at GET /x/metrics/.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
