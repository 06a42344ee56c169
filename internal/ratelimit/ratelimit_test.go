package ratelimit

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjnuccio/CircuitBreaker/internal/config"
	"github.com/tjnuccio/CircuitBreaker/internal/metrics"
)

func init() {
	metrics.Init()
}

func newTestLimiter(t *testing.T, rps float64, burst int) *Limiter {
	t.Helper()
	l := New(config.RateLimitConfig{RequestsPerSecond: rps, BurstSize: burst}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	t.Cleanup(l.Stop)
	return l
}

func doRequest(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/payments/charge", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	l := newTestLimiter(t, 1, 3)
	h := l.Middleware()(okHandler())

	for i := 0; i < 3; i++ {
		if rec := doRequest(h, "10.0.0.1:1234"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}
}

func TestLimiter_RejectsOverBurst(t *testing.T) {
	l := newTestLimiter(t, 1, 2)
	h := l.Middleware()(okHandler())

	doRequest(h, "10.0.0.1:1234")
	doRequest(h, "10.0.0.1:1234")

	rec := doRequest(h, "10.0.0.1:1234")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if !strings.Contains(rec.Body.String(), "RELAY_RATE_LIMIT_EXCEEDED") {
		t.Errorf("body missing error code: %q", rec.Body.String())
	}
}

func TestLimiter_SeparateBucketsPerClient(t *testing.T) {
	l := newTestLimiter(t, 1, 1)
	h := l.Middleware()(okHandler())

	if rec := doRequest(h, "10.0.0.1:1234"); rec.Code != http.StatusOK {
		t.Fatalf("first client: status = %d, want 200", rec.Code)
	}
	if rec := doRequest(h, "10.0.0.1:1234"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("first client second request: status = %d, want 429", rec.Code)
	}
	// A different client IP has its own bucket.
	if rec := doRequest(h, "10.0.0.2:1234"); rec.Code != http.StatusOK {
		t.Fatalf("second client: status = %d, want 200", rec.Code)
	}
}

func TestLimiter_UpdateConfigResetsBuckets(t *testing.T) {
	l := newTestLimiter(t, 1, 1)
	h := l.Middleware()(okHandler())

	doRequest(h, "10.0.0.1:1234")
	if rec := doRequest(h, "10.0.0.1:1234"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 before update", rec.Code)
	}

	l.UpdateConfig(config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 50})
	if rec := doRequest(h, "10.0.0.1:1234"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after update", rec.Code)
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"10.0.0.1:1234", "10.0.0.1"},
		{"[::1]:8080", "::1"},
		{"no-port", "no-port"},
	}
	for _, tt := range tests {
		if got := extractIP(tt.in); got != tt.want {
			t.Errorf("extractIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
