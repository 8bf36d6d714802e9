// Package metrics provides Prometheus metrics for the session sync client.
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
	// HTTP client metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beetsync_http_requests_total",
			Help: "Total number of HTTP requests sent to the backend",
		},
		[]string{"endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beetsync_http_request_duration_seconds",
			Help:    "Backend request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	clientErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beetsync_client_errors_total",
			Help: "Backend call failures by error kind",
		},
		[]string{"kind"},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beetsync_cache_lookups_total",
			Help: "Session cache lookups by result (hit, miss, coalesced)",
		},
		[]string{"result"},
	)

	cacheFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beetsync_cache_fetches_total",
			Help: "Session fetches issued by the cache by outcome",
		},
		[]string{"outcome"},
	)

	cacheStaleResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beetsync_cache_stale_results_total",
			Help: "Fetch results discarded because the entry was invalidated meanwhile",
		},
	)

	cacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beetsync_cache_invalidations_total",
			Help: "Entries marked stale by invalidation source",
		},
		[]string{"source"},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beetsync_cache_entries",
			Help: "Number of entries held by the session cache",
		},
	)

	// Push metrics
	pushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beetsync_push_events_total",
			Help: "Push events consumed by kind",
		},
		[]string{"kind"},
	)

	pushConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beetsync_push_connected",
			Help: "1 while the push listener is connected",
		},
	)

	pushReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beetsync_push_reconnects_total",
			Help: "Push connections re-established after a disconnect",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records a backend request.
func RecordHTTPRequest(endpoint string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordClientError records a failed backend call.
func RecordClientError(kind string) {
	clientErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordCacheLookup records a cache lookup result.
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCacheFetch records the outcome of a cache-issued fetch.
func RecordCacheFetch(outcome string) {
	cacheFetchesTotal.WithLabelValues(outcome).Inc()
}

// RecordStaleResult records a fetch result dropped by the version check.
func RecordStaleResult() {
	cacheStaleResultsTotal.Inc()
}

// RecordInvalidations records n entries invalidated by source.
func RecordInvalidations(source string, n int) {
	if n <= 0 {
		return
	}
	cacheInvalidationsTotal.WithLabelValues(source).Add(float64(n))
}

// SetCacheEntries sets the current number of cache entries.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// RecordPushEvent records a consumed push event.
func RecordPushEvent(kind string) {
	pushEventsTotal.WithLabelValues(kind).Inc()
}

// SetPushConnected sets the push connection gauge.
func SetPushConnected(connected bool) {
	if connected {
		pushConnected.Set(1)
		return
	}
	pushConnected.Set(0)
}

// RecordPushReconnect records a successful reconnect.
func RecordPushReconnect() {
	pushReconnectsTotal.Inc()
}
