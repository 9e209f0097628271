// Package metrics exposes the Prometheus registry shared by record-gateway
// packages. Library metrics are declared with promauto next to the code that
// updates them (scheduler, client, pagination, cache); this package adds the
// gateway's own HTTP metrics and the scrape handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all record-gateway metrics are added to.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

var (
	httpRequestsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "recordgw_http_requests_total",
		Help: "Gateway HTTP requests by route and status",
	}, []string{"route", "status"})

	httpRequestDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recordgw_http_request_duration_seconds",
		Help:    "Gateway HTTP request duration by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// Handler serves the gathered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Instrument records request count and duration for route.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Metric reference
//
// Scheduler (pkg/scheduler):
//   - recordgw_scheduler_queue_depth{lane} (Gauge): queued operations per lane
//   - recordgw_scheduler_window_count (Gauge): dispatches inside the sliding window
//   - recordgw_scheduler_in_flight (Gauge): operations currently executing
//   - recordgw_scheduler_dispatched_total{lane} (Counter)
//   - recordgw_scheduler_rate_limited_total{lane} (Counter): 429 responses requeued
//   - recordgw_scheduler_queue_wait_seconds{lane} (Histogram)
//
// Client and retries (pkg/client):
//   - recordgw_requests_total{method, status} (Counter)
//   - recordgw_request_duration_seconds{method} (Histogram)
//   - recordgw_errors_total{class} (Counter)
//   - recordgw_retries_total{error_class} (Counter)
//   - recordgw_retry_backoff_seconds{error_class} (Histogram)
//   - recordgw_retry_exhausted_total{error_class} (Counter)
//
// Pagination (pkg/pagination):
//   - recordgw_pagination_pages_total (Counter)
//   - recordgw_pagination_fetches_total{outcome} (Counter): complete, truncated, partial
//   - recordgw_pagination_duration_seconds (Histogram)
//
// Cache (pkg/cache):
//   - recordgw_cache_hits_total{type} (Counter)
//   - recordgw_cache_misses_total{reason} (Counter)
//   - recordgw_cache_corruptions_total (Counter)
//   - recordgw_cache_tombstones_total{reason} (Counter)
//   - recordgw_cache_errors_total{operation} (Counter)
//   - recordgw_cache_cleanup_deleted_total (Counter)
//   - recordgw_cache_disabled (Gauge)
//
// Gateway (this package):
//   - recordgw_http_requests_total{route, status} (Counter)
//   - recordgw_http_request_duration_seconds{route} (Histogram)
//
// Example queries:
//
//   # Cache hit rate
//   sum(rate(recordgw_cache_hits_total[5m])) /
//   (sum(rate(recordgw_cache_hits_total[5m])) + sum(rate(recordgw_cache_misses_total[5m])))
//
//   # Quota pressure
//   rate(recordgw_scheduler_rate_limited_total[5m]) > 0
//
//   # P95 backend latency
//   histogram_quantile(0.95, rate(recordgw_request_duration_seconds_bucket[5m]))
