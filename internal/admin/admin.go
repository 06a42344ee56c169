// Package admin provides the operator API for runtime inspection and
// control of call gates. Endpoints are protected by an IP allowlist, a
// JWT Bearer token, or both, depending on configuration.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/tjnuccio/CircuitBreaker/internal/apierror"
	"github.com/tjnuccio/CircuitBreaker/internal/auth"
	"github.com/tjnuccio/CircuitBreaker/internal/config"
	"github.com/tjnuccio/CircuitBreaker/internal/gate"
)

// GateRegistry is the view of the gate registry the admin API needs.
type GateRegistry interface {
	Snapshot() map[string]gate.Stats
	Reset(name string) bool
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides the admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	gates       GateRegistry
	verifier    *auth.Verifier // nil when JWT auth is disabled
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this). verifier may be nil when the admin
// surface is guarded by the allowlist alone.
func New(reloader ConfigProvider, gates GateRegistry, verifier *auth.Verifier, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		gates:       gates,
		verifier:    verifier,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/admin/gates", h.guard(http.HandlerFunc(h.gatesHandler)))
	mux.Handle("/admin/gates/reset", h.guard(http.HandlerFunc(h.resetHandler)))
	mux.Handle("/admin/config", h.guard(http.HandlerFunc(h.configHandler)))
}

// guard enforces the IP allowlist first, then JWT validation when enabled.
func (h *Handler) guard(next http.Handler) http.Handler {
	if h.verifier != nil {
		next = auth.Middleware(h.verifier, h.logger)(next)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.allowedNets) > 0 {
			ip := extractIP(r.RemoteAddr)
			if !h.isAllowed(ip) {
				h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
				apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "client address not allowed")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// gatesHandler returns the current stats of every registered gate.
func (h *Handler) gatesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "use GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"gates": h.gates.Snapshot()})
}

// resetHandler forces the named gate back to its initial closed state.
func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "use POST")
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "missing name parameter")
		return
	}
	if !h.gates.Reset(name) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "unknown gate: "+name)
		return
	}
	h.logger.Info("gate reset via admin", "gate", name, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"gate": name, "state": "closed"})
}

// configHandler returns the current config with secrets redacted.
func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "use GET")
		return
	}
	cfg := h.reloader.Current()

	redacted := *cfg
	if redacted.Admin.JWTSecret != "" {
		redacted.Admin.JWTSecret = "***"
	}
	writeJSON(w, http.StatusOK, redacted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
