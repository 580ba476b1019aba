// Package metrics exposes Prometheus collectors for the harvester.
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

// Fetch outcomes.
const (
	FetchSuccess        = "success"
	FetchNotModified    = "not_modified"
	FetchHTTPError      = "http_error"
	FetchTransportError = "transport_error"
)

// Page results.
const (
	PageIngested  = "ingested"
	PageUnchanged = "unchanged"
	PageRejected  = "rejected"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	pagesTotal                 *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	ingestTotal                *prometheus.CounterVec
	visibilityChangesTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Total number of fetch attempts, labeled by api and outcome.",
			},
			[]string{"api", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_bytes_total",
				Help: "Total number of body bytes fetched, labeled by api.",
			},
			[]string{"api"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Total number of pages processed, labeled by api and result.",
			},
			[]string{"api", "result"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_tasks_total",
				Help: "Total number of task runs that ended, labeled by api and final status.",
			},
			[]string{"api", "status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently holding a task lease.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		ingestTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_ingest_total",
				Help: "Total number of ingested records, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		visibilityChangesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_visibility_changes_total",
				Help: "Total number of project visibility changes, labeled by new visibility.",
			},
			[]string{"to"},
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

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(api, outcome string, bytesFetched int) {
	Init()
	fetchesTotal.WithLabelValues(api, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(api).Add(float64(bytesFetched))
	}
}

// ObservePage records how a page was handled.
func ObservePage(api, result string) {
	Init()
	pagesTotal.WithLabelValues(api, result).Inc()
}

// ObserveTask records the status a task run ended in.
func ObserveTask(api, status string) {
	Init()
	tasksTotal.WithLabelValues(api, status).Inc()
}

// ObserveIngest adds n records of kind with result.
func ObserveIngest(kind, result string, n int) {
	if n <= 0 {
		return
	}
	Init()
	ingestTotal.WithLabelValues(kind, result).Add(float64(n))
}

// ObserveVisibilityChange counts a visibility flip to the given state.
func ObserveVisibilityChange(to string) {
	Init()
	visibilityChangesTotal.WithLabelValues(to).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
