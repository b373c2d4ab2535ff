// Package metrics exposes Prometheus collectors for the monitoring engine.
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
	checksTotal                *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	cyclesInFlight             prometheus.Gauge
	leaseSkipsTotal            prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Check outcomes.
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_checks_total",
				Help: "Total number of completed check cycles, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by mode and result.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mode", "result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site host.",
			},
			[]string{"site"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_notifications_total",
				Help: "Total number of notification deliveries, labeled by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		)

		cyclesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagewatch_cycles_in_flight",
				Help: "Number of check cycles currently running.",
			},
		)

		leaseSkipsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagewatch_lease_skips_total",
				Help: "Due sites skipped because their previous cycle was still running.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
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

// ObserveCheck counts a finished cycle. outcome is OutcomeChanged,
// OutcomeUnchanged or an error kind.
func ObserveCheck(outcome string) {
	Init()
	checksTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records a fetch attempt.
func ObserveFetch(site, mode, result string, duration time.Duration, bytesFetched int) {
	Init()
	fetchDurationSeconds.WithLabelValues(mode, result).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveNotification records one delivery outcome.
func ObserveNotification(channel, outcome string) {
	Init()
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// IncCyclesInFlight increments the in-flight cycles gauge.
func IncCyclesInFlight() {
	Init()
	cyclesInFlight.Inc()
}

// DecCyclesInFlight decrements the in-flight cycles gauge.
func DecCyclesInFlight() {
	Init()
	cyclesInFlight.Dec()
}

// ObserveLeaseSkip counts a due site whose previous cycle still holds the lease.
func ObserveLeaseSkip() {
	Init()
	leaseSkipsTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
