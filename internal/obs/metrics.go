package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiongate_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiongate_token_refresh_total",
			Help: "Proactive token refresh cycles by outcome.",
		},
		[]string{"outcome"},
	)

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessiongate_active_sessions",
		Help: "Tab sessions currently tracked by this instance.",
	})
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		loginsTotal,
		refreshTotal,
		activeSessions,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin records a login attempt outcome ("success" or "failure").
func ObserveLogin(outcome string) {
	loginsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRefresh records a refresh cycle outcome.
func ObserveRefresh(outcome string) {
	refreshTotal.WithLabelValues(outcome).Inc()
}

// SessionOpened and SessionClosed track the live session gauge.
func SessionOpened() { activeSessions.Inc() }

// SessionClosed decrements the live session gauge.
func SessionClosed() { activeSessions.Dec() }

// ActiveSessions exposes the live session gauge so store-level purges can be
// asserted against it.
func ActiveSessions() prometheus.Gauge { return activeSessions }

// Instrument wraps a handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath strips query strings and collapses per-tab suffixes so the
// path label stays low-cardinality.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	const registryPrefix = "/v1/session/registry/"
	if strings.HasPrefix(path, registryPrefix) {
		return registryPrefix + ":tab"
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
