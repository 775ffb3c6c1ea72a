// Package metrics exposes Prometheus collectors for the backfill service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	backfillFetchesTotal         *prometheus.CounterVec
	backfillFetchDurationSeconds *prometheus.HistogramVec
	backfillRecordsTotal         *prometheus.CounterVec
	backfillDIDsTotal            *prometheus.CounterVec
	backfillTokenWaitSeconds     *prometheus.HistogramVec
	backfillFlushedEntriesTotal  *prometheus.CounterVec
	backfillThrottlePausesTotal  *prometheus.CounterVec
	backfillActiveWorkers        prometheus.Gauge
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		backfillFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_fetches_total",
				Help: "Total repository fetches, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		backfillFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backfill_fetch_duration_seconds",
				Help:    "Histogram of repository fetch latencies, labeled by endpoint.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"endpoint"},
		)

		backfillRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_records_total",
				Help: "Total validated records extracted, labeled by endpoint and record type.",
			},
			[]string{"endpoint", "type"},
		)

		backfillDIDsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_dids_total",
				Help: "Total DIDs settled, labeled by endpoint and result.",
			},
			[]string{"endpoint", "result"},
		)

		backfillTokenWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backfill_token_wait_seconds",
				Help:    "Histogram of time spent waiting on the per-endpoint request budget.",
				Buckets: []float64{0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"endpoint"},
		)

		backfillFlushedEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_flushed_entries_total",
				Help: "Total entries written to the durable queues, labeled by endpoint and kind.",
			},
			[]string{"endpoint", "kind"},
		)

		backfillThrottlePausesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_throttle_pauses_total",
				Help: "Total self-throttle pauses taken against slow endpoints.",
			},
			[]string{"endpoint"},
		)

		backfillActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backfill_active_workers",
				Help: "Number of workers currently processing a DID.",
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
	})
}

// SanitizeEndpoint extracts a lowercase hostname for use as a label value.
// It returns "unknown" if the endpoint is not a parseable URL or host.
func SanitizeEndpoint(raw string) string {
	if !strings.HasPrefix(raw, "http") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one repository fetch and its latency.
func ObserveFetch(endpoint, outcome string, duration time.Duration) {
	host := SanitizeEndpoint(endpoint)
	backfillFetchesTotal.WithLabelValues(host, outcome).Inc()
	backfillFetchDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// AddRecords adds extracted record counts for an endpoint.
func AddRecords(endpoint, recordType string, n int) {
	if n <= 0 {
		return
	}
	backfillRecordsTotal.WithLabelValues(SanitizeEndpoint(endpoint), recordType).Add(float64(n))
}

// ObserveDID counts one settled DID: succeeded, deadlettered, or skipped.
func ObserveDID(endpoint, result string) {
	backfillDIDsTotal.WithLabelValues(SanitizeEndpoint(endpoint), result).Inc()
}

// AddDIDs counts n settled DIDs at once.
func AddDIDs(endpoint, result string, n int) {
	if n <= 0 {
		return
	}
	backfillDIDsTotal.WithLabelValues(SanitizeEndpoint(endpoint), result).Add(float64(n))
}

// ObserveTokenWait records how long a worker waited for a request token.
func ObserveTokenWait(endpoint string, duration time.Duration) {
	backfillTokenWaitSeconds.WithLabelValues(SanitizeEndpoint(endpoint)).Observe(duration.Seconds())
}

// AddFlushed counts entries durably written to a queue.
func AddFlushed(endpoint, kind string, n int) {
	if n <= 0 {
		return
	}
	backfillFlushedEntriesTotal.WithLabelValues(SanitizeEndpoint(endpoint), kind).Add(float64(n))
}

// IncThrottlePause counts one adaptive pause against a slow endpoint.
func IncThrottlePause(endpoint string) {
	backfillThrottlePausesTotal.WithLabelValues(SanitizeEndpoint(endpoint)).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	backfillActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	backfillActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
