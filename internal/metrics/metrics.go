// Package metrics exposes Prometheus collectors for the crawl scheduler.
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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerDispatchTotal          *prometheus.CounterVec
	crawlerFetchErrorsTotal       *prometheus.CounterVec
	crawlerInFlightTasks          prometheus.Gauge
	crawlerCriticalWarning        *prometheus.GaugeVec
	crawlerIdentityLeaksTotal     prometheus.Counter
	crawlerUnreachableHosts       prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of fetch outcomes, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerDispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_dispatch_total",
				Help: "Tasks pulled from the feed, labeled by what the dispatch loop did with them.",
			},
			[]string{"result"},
		)

		crawlerFetchErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_errors_total",
				Help: "Fetch failures, labeled by error kind.",
			},
			[]string{"kind"},
		)

		crawlerInFlightTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_in_flight_tasks",
				Help: "Number of fetch tasks admitted and not yet finished.",
			},
		)

		crawlerCriticalWarning = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_critical_warning",
				Help: "1 for the critical warning currently blocking dispatch, 0 otherwise.",
			},
			[]string{"warning"},
		)

		crawlerIdentityLeaksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_identity_leaks_total",
				Help: "Number of fetch identities that became leaked.",
			},
		)

		crawlerUnreachableHosts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_unreachable_hosts",
				Help: "Number of hosts currently marked unreachable.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of per-host politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
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

// ObserveCrawl counts one fetch outcome.
func ObserveCrawl(site string, status string, bytesFetched int64) {
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveDispatch counts what the dispatch loop did with a pulled task.
func ObserveDispatch(result string) {
	crawlerDispatchTotal.WithLabelValues(result).Inc()
}

// ObserveFetchError counts a failed fetch by error kind.
func ObserveFetchError(kind string) {
	crawlerFetchErrorsTotal.WithLabelValues(kind).Inc()
}

// IncInFlight increments the in-flight gauge.
func IncInFlight() {
	crawlerInFlightTasks.Inc()
}

// DecInFlight decrements the in-flight gauge.
func DecInFlight() {
	crawlerInFlightTasks.Dec()
}

// SetCriticalWarning marks warning as the active one. "none" clears all.
func SetCriticalWarning(warning string, all []string) {
	for _, w := range all {
		value := 0.0
		if w == warning {
			value = 1
		}
		crawlerCriticalWarning.WithLabelValues(w).Set(value)
	}
}

// ObserveIdentityLeak counts a newly leaked identity.
func ObserveIdentityLeak() {
	crawlerIdentityLeaksTotal.Inc()
}

// SetUnreachableHosts records the unreachable host count.
func SetUnreachableHosts(n int) {
	crawlerUnreachableHosts.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
