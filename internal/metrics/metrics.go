// Package metrics exposes Prometheus collectors for the export service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exportsrv_jobs_total",
			Help: "Total number of export job status transitions, labeled by status.",
		},
		[]string{"status"},
	)

	admissionDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exportsrv_admission_denied_total",
			Help: "Total admission-control denials, labeled by reason.",
		},
		[]string{"reason"},
	)

	renderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exportsrv_render_duration_seconds",
			Help:    "Histogram of artifact render latencies, labeled by kind and format.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind", "format"},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exportsrv_cache_bytes",
			Help: "Current total bytes held by the result cache.",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exportsrv_cache_entries",
			Help: "Current number of result cache entries.",
		},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exportsrv_cache_evictions_total",
			Help: "Total cache entries evicted to stay under the capacity bound.",
		},
	)

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
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the terminal job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveAdmissionDenied increments the denial counter for the given reason.
func ObserveAdmissionDenied(reason string) {
	admissionDeniedTotal.WithLabelValues(reason).Inc()
}

// ObserveRender records the duration of one artifact render.
func ObserveRender(kind, format string, duration time.Duration) {
	renderDurationSeconds.WithLabelValues(kind, format).Observe(duration.Seconds())
}

// SetCacheUsage updates the cache size gauges.
func SetCacheUsage(bytes int64, entries int) {
	cacheBytes.Set(float64(bytes))
	cacheEntries.Set(float64(entries))
}

// IncCacheEvictions counts one capacity eviction.
func IncCacheEvictions() {
	cacheEvictionsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
