// Package main is the entry point for the relay. It loads configuration,
// builds a call gate per upstream, assembles the middleware stack, starts
// the HTTP server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tjnuccio/CircuitBreaker/internal/admin"
	"github.com/tjnuccio/CircuitBreaker/internal/auth"
	"github.com/tjnuccio/CircuitBreaker/internal/config"
	"github.com/tjnuccio/CircuitBreaker/internal/health"
	"github.com/tjnuccio/CircuitBreaker/internal/logging"
	"github.com/tjnuccio/CircuitBreaker/internal/metrics"
	"github.com/tjnuccio/CircuitBreaker/internal/middleware"
	"github.com/tjnuccio/CircuitBreaker/internal/ratelimit"
	"github.com/tjnuccio/CircuitBreaker/internal/relay"
	"github.com/tjnuccio/CircuitBreaker/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"upstreams", len(cfg.Upstreams),
		"failure_threshold", cfg.Gate.FailureThreshold,
		"reset_timeout", cfg.Gate.ResetTimeout,
		"half_open_limit", cfg.Gate.HalfOpenLimit,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"tls_enabled", cfg.Server.TLS.Enabled,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// One gate per upstream, all sharing the construction-time gate settings.
	registry := relay.NewRegistry(cfg.Gate, logger)
	defer registry.CloseAll()

	relayHandler, err := relay.New(cfg.Upstreams, registry, logger)
	if err != nil {
		logger.Error("failed to build relay", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.RateLimit, logger)
	defer limiter.Stop()

	// Middleware stack: Recovery → RequestID → Logging → RateLimit → Relay
	var handler http.Handler = relayHandler
	handler = limiter.Middleware()(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Health, metrics, and admin endpoints bypass the middleware stack.
	mux := http.NewServeMux()
	healthHandler := health.New(cfg.Upstreams, registry, logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)

	if cfg.Admin.Enabled {
		var verifier *auth.Verifier
		if cfg.Admin.JWTEnabled() {
			verifier = auth.NewVerifier(cfg.Admin)
		}
		adminHandler := admin.New(reloader, registry, verifier, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin endpoints registered",
			"jwt", cfg.Admin.JWTEnabled(), "allowlist_entries", len(cfg.Admin.IPAllowlist))
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		var err error
		if cfg.Server.TLS.Enabled {
			certLoader, lerr := tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
			if lerr != nil {
				logger.Error("failed to load TLS certificate", "error", lerr)
				os.Exit(1)
			}
			defer certLoader.Stop()
			srv.TLSConfig = certLoader.ServerConfig(cfg.Server.TLS)
			logger.Info("starting relay with TLS", "addr", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("starting relay", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("relay stopped gracefully")
}
