// Package telemetry holds the process-wide Prometheus collectors and the OpenTelemetry tracer setup.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobrunner_queue_jobs",
			Help: "Jobs held by the scheduler, labeled by lifecycle state.",
		},
		[]string{"state"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobrunner_active_workers",
			Help: "Number of workers currently executing a script.",
		},
	)

	scriptExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_script_executions_total",
			Help: "Script executions, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	poolBrowsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobrunner_pool_browsers",
			Help: "Browser instances currently held by the pool.",
		},
	)

	poolPagesInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobrunner_pool_pages_in_use",
			Help: "Pages currently leased out across all browsers.",
		},
	)

	poolAcquireWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobrunner_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a browser, labeled by result.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"result"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobrunner_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"key"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueDepth publishes the scheduler's pending, running and retained counts.
func SetQueueDepth(pending, running, finished int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("running").Set(float64(running))
	queueDepth.WithLabelValues("finished").Set(float64(finished))
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveScript records a script execution outcome ("success", "error", "timeout", "syntax").
func ObserveScript(outcome string) {
	scriptExecutionsTotal.WithLabelValues(outcome).Inc()
}

// SetPoolUsage publishes browser and page occupancy.
func SetPoolUsage(browsers, pagesInUse int) {
	poolBrowsers.Set(float64(browsers))
	poolPagesInUse.Set(float64(pagesInUse))
}

// ObserveAcquireWait records how long a caller waited for a browser.
func ObserveAcquireWait(result string, d time.Duration) {
	poolAcquireWaitSeconds.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}
