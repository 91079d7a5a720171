// Package metrics holds the Prometheus collectors for the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Login metrics
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotebroker_login_attempts_total",
			Help: "Login attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)
	LoginDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotebroker_login_duration_seconds",
			Help:    "Login attempt duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"method"},
	)
	SessionAuthenticated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotebroker_session_authenticated",
			Help: "1 while an upstream session is held",
		},
	)
	LoginWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotebroker_login_waiters",
			Help: "Callers waiting for the in-flight login",
		},
	)

	// Browser metrics
	BrowserLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotebroker_browser_launches_total",
			Help: "Controlled browser launches by result",
		},
		[]string{"result"},
	)
	BrowserReleases = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quotebroker_browser_releases_total",
			Help: "Controlled browser releases",
		},
	)

	// Request metrics
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotebroker_requests_total",
			Help: "Client requests by type and result",
		},
		[]string{"type", "result"},
	)
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotebroker_provider_fetch_errors_total",
			Help: "Provider fetch failures by class",
		},
		[]string{"class"},
	)

	// WebSocket metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotebroker_ws_connections",
			Help: "Open client connections",
		},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotebroker_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotebroker_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

// SetAuthenticated records whether a session is held.
func SetAuthenticated(ok bool) {
	if ok {
		SessionAuthenticated.Set(1)
		return
	}
	SessionAuthenticated.Set(0)
}
