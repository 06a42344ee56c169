package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestInit_RegistersMetrics(t *testing.T) {
	// Use a custom registry to avoid duplicate-collector panics across tests.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		GateState,
		GateTransitions,
		GateRejections,
		GateCalls,
		RequestsTotal,
		RequestDuration,
		RateLimitHits,
		AuthFailures,
	)

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
}

func TestGateCollectors_Increment(t *testing.T) {
	GateState.WithLabelValues("payments").Set(1)
	GateTransitions.WithLabelValues("payments", "closed", "open").Inc()
	GateRejections.WithLabelValues("payments", "open").Inc()
	GateRejections.WithLabelValues("payments", "probe_limit").Inc()
	GateCalls.WithLabelValues("payments", "success").Inc()
	GateCalls.WithLabelValues("payments", "failure").Inc()
	// Should not panic
}

func TestRequestCollectors_Increment(t *testing.T) {
	RequestsTotal.WithLabelValues("payments", "GET", "200").Inc()
	RequestDuration.WithLabelValues("payments", "GET").Observe(0.123)
	RateLimitHits.Inc()
	AuthFailures.WithLabelValues("missing_token").Inc()
	AuthFailures.WithLabelValues("invalid_token").Inc()
	// Should not panic
}

func TestHandler_ReturnsPrometheusFormat(t *testing.T) {
	Init()

	RequestsTotal.WithLabelValues("payments", "GET", "200").Inc()
	GateState.WithLabelValues("payments").Set(0)

	h := Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	for _, metric := range []string{"relay_requests_total", "relay_request_duration_seconds", "relay_gate_state"} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("expected %s in metrics output", metric)
		}
	}
}
