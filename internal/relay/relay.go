// Package relay routes incoming requests to protected upstream dependencies
// through their call gates. Each upstream gets one gate; requests matched to
// an upstream either produce the real upstream response or the gate's fixed
// service-unavailable fallback.
package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/tjnuccio/CircuitBreaker/internal/apierror"
	"github.com/tjnuccio/CircuitBreaker/internal/config"
	"github.com/tjnuccio/CircuitBreaker/internal/gate"
	"github.com/tjnuccio/CircuitBreaker/internal/metrics"
	"github.com/tjnuccio/CircuitBreaker/internal/upstream"
)

// Classifier returns the failure predicate applied to upstream responses.
// Server-side error codes (5xx) always count as failures; when slow is
// positive, successful responses slower than it count as failures too.
func Classifier(slow time.Duration) func(*upstream.Response) bool {
	return func(resp *upstream.Response) bool {
		if resp.Status >= http.StatusInternalServerError {
			return true
		}
		return slow > 0 && resp.Latency > slow
	}
}

// NewRegistry builds the gate registry shared by the relay, admin, and
// health surfaces. Every gate carries the same construction-time settings
// and its own fixed fallback response.
func NewRegistry(cfg config.GateConfig, logger *slog.Logger) *gate.Registry[*upstream.Response] {
	classify := Classifier(cfg.SlowThreshold)
	return gate.NewRegistry(func(name string) (*gate.CallGate[*upstream.Response], error) {
		return gate.New(name, gate.Config{
			ResetTimeout:     cfg.ResetTimeout,
			FailureThreshold: cfg.FailureThreshold,
			HalfOpenLimit:    cfg.HalfOpenLimit,
		}, upstream.Fallback(), classify, logger)
	})
}

// route binds one upstream's config, client, and gate.
type route struct {
	cfg    config.UpstreamConfig
	client *upstream.Client
	gate   *gate.CallGate[*upstream.Response]
}

// Handler matches incoming requests to upstreams and relays them through
// the corresponding call gate.
type Handler struct {
	routes []route // sorted by path prefix length, longest first
	logger *slog.Logger
}

// New creates a Handler for the configured upstreams. Gates are created
// eagerly so their state is visible to health and admin endpoints before
// the first request.
func New(upstreams []config.UpstreamConfig, reg *gate.Registry[*upstream.Response], logger *slog.Logger) (*Handler, error) {
	sorted := make([]config.UpstreamConfig, len(upstreams))
	copy(sorted, upstreams)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})

	routes := make([]route, 0, len(sorted))
	for _, u := range sorted {
		client, err := upstream.NewClient(u)
		if err != nil {
			return nil, err
		}
		g, err := reg.Get(u.Name)
		if err != nil {
			return nil, fmt.Errorf("creating gate for upstream %q: %w", u.Name, err)
		}
		routes = append(routes, route{cfg: u, client: client, gate: g})
	}

	return &Handler{routes: routes, logger: logger}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rt, ok := h.match(r.URL.Path)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching upstream")
		return
	}

	if len(rt.cfg.Methods) > 0 && !methodAllowed(r.Method, rt.cfg.Methods) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, rt.cfg.PathPrefix))
		return
	}

	resp := rt.gate.Execute(func() (*upstream.Response, error) {
		return rt.client.Forward(r)
	})

	fallback := resp == rt.gate.Fallback()
	writeResponse(w, resp, fallback)

	latency := time.Since(start)
	statusStr := strconv.Itoa(resp.Status)
	metrics.RequestsTotal.WithLabelValues(rt.cfg.Name, r.Method, statusStr).Inc()
	metrics.RequestDuration.WithLabelValues(rt.cfg.Name, r.Method).Observe(latency.Seconds())

	if fallback {
		h.logger.Warn("request failed over",
			"upstream", rt.cfg.Name,
			"path", r.URL.Path,
			"gate_state", rt.gate.State().String(),
		)
	}
}

// match returns the route with the longest matching path prefix.
func (h *Handler) match(path string) (route, bool) {
	for _, rt := range h.routes {
		if matchesPrefix(path, rt.cfg.PathPrefix) {
			return rt, true
		}
	}
	return route{}, false
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if m == method {
			return true
		}
	}
	return false
}

// writeResponse copies an upstream (or fallback) response to the client.
// Hop-by-hop headers never propagate.
func writeResponse(w http.ResponseWriter, resp *upstream.Response, fallback bool) {
	for k, values := range resp.Header {
		if hopByHop[k] {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	if fallback {
		w.Header().Set("X-Relay-Fallback", "true")
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body) //nolint:errcheck
}

// hopByHop headers are connection-scoped and must not be relayed.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}
