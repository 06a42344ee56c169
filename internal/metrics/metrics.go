// Package metrics provides Prometheus instrumentation for the relay.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GateState reports the current state of each call gate
	// (0=closed, 1=open, 2=half-open).
	GateState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_gate_state",
			Help: "Current call gate state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"gate"},
	)

	// GateTransitions counts call gate state transitions.
	GateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_gate_transitions_total",
			Help: "Total call gate state transitions",
		},
		[]string{"gate", "from", "to"},
	)

	// GateRejections counts calls rejected without reaching the upstream,
	// by reason ("open" or "probe_limit").
	GateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_gate_rejections_total",
			Help: "Total calls rejected by a call gate without invoking the upstream",
		},
		[]string{"gate", "reason"},
	)

	// GateCalls counts invoked operations by outcome ("success" or "failure").
	GateCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_gate_calls_total",
			Help: "Total operations invoked through a call gate",
		},
		[]string{"gate", "outcome"},
	)

	// RequestsTotal counts relay requests by upstream, method, and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total HTTP requests handled by the relay",
		},
		[]string{"upstream", "method", "status"},
	)

	// RequestDuration observes end-to-end request latency by upstream.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream", "method"},
	)

	// RateLimitHits counts requests rejected by the rate limiter.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
	)

	// AuthFailures counts admin authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Total admin authentication failures",
		},
		[]string{"reason"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		GateState,
		GateTransitions,
		GateRejections,
		GateCalls,
		RequestsTotal,
		RequestDuration,
		RateLimitHits,
		AuthFailures,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
