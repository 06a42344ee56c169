// Package config provides YAML configuration loading with validation and
// environment variable substitution for the relay.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" json:"server"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Admin     AdminConfig      `yaml:"admin" json:"admin"`
	Gate      GateConfig       `yaml:"gate" json:"gate"`
	Upstreams []UpstreamConfig `yaml:"upstreams" json:"upstreams"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds structured log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// RateLimitConfig holds the per-client rate limiter settings for the
// relay's public listener.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AdminConfig holds admin API settings. The admin surface must be guarded
// by at least one of an IP allowlist or JWT bearer auth.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"` // default: false
	JWTSecret   string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer      string   `yaml:"issuer" json:"issuer"`
	Audience    string   `yaml:"audience" json:"audience"`
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// JWTEnabled reports whether bearer auth applies to the admin surface.
func (a AdminConfig) JWTEnabled() bool { return a.JWTSecret != "" }

// GateConfig holds call gate settings applied to all upstreams. Gate
// settings are fixed at construction: changing them requires a restart.
type GateConfig struct {
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	HalfOpenLimit    int           `yaml:"half_open_limit" json:"half_open_limit"`

	// SlowThreshold, when positive, classifies successful responses slower
	// than this duration as failures.
	SlowThreshold time.Duration `yaml:"slow_threshold" json:"slow_threshold"`
}

// UpstreamConfig defines a single protected downstream dependency.
type UpstreamConfig struct {
	Name        string            `yaml:"name" json:"name"`
	PathPrefix  string            `yaml:"path_prefix" json:"path_prefix"`
	URL         string            `yaml:"url" json:"url"`
	StripPrefix bool              `yaml:"strip_prefix" json:"strip_prefix"`
	Methods     []string          `yaml:"methods" json:"methods"`
	Headers     map[string]string `yaml:"headers" json:"headers,omitempty"`
	TimeoutMs   int               `yaml:"timeout_ms" json:"timeout_ms"`
}

// Timeout returns the upstream call timeout as a time.Duration.
func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(u.TimeoutMs) * time.Millisecond
}

// ValidLogLevels are the accepted log level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	// Gate defaults
	g := &cfg.Gate
	if g.ResetTimeout == 0 {
		g.ResetTimeout = 30 * time.Second
	}
	if g.FailureThreshold == 0 {
		g.FailureThreshold = 5
	}
	if g.HalfOpenLimit == 0 {
		g.HalfOpenLimit = 2
	}

	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].TimeoutMs == 0 {
			cfg.Upstreams[i].TimeoutMs = 30000
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
		if v := cfg.Server.TLS.MinVersion; v != "1.2" && v != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", v)
		}
	}

	if !ValidLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", cfg.Logging.Level)
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	// Gate settings fail fast: an invalid gate must never be constructed.
	if cfg.Gate.ResetTimeout <= 0 {
		return fmt.Errorf("gate.reset_timeout must be positive")
	}
	if cfg.Gate.FailureThreshold <= 0 {
		return fmt.Errorf("gate.failure_threshold must be positive")
	}
	if cfg.Gate.HalfOpenLimit <= 0 {
		return fmt.Errorf("gate.half_open_limit must be positive")
	}
	if cfg.Gate.SlowThreshold < 0 {
		return fmt.Errorf("gate.slow_threshold must not be negative")
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 && !cfg.Admin.JWTEnabled() {
			return fmt.Errorf("admin requires an ip_allowlist or a jwt_secret when enabled")
		}
		if cfg.Admin.JWTEnabled() {
			if cfg.Admin.Issuer == "" {
				return fmt.Errorf("admin.issuer is required when admin JWT auth is configured")
			}
			if cfg.Admin.Audience == "" {
				return fmt.Errorf("admin.audience is required when admin JWT auth is configured")
			}
		}
		for _, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist entry %q is not valid CIDR: %w", cidr, err)
			}
		}
	}

	if len(cfg.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required")
	}
	names := make(map[string]bool, len(cfg.Upstreams))
	prefixes := make(map[string]bool, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("upstream name is required")
		}
		if names[u.Name] {
			return fmt.Errorf("duplicate upstream name %q", u.Name)
		}
		names[u.Name] = true

		if !strings.HasPrefix(u.PathPrefix, "/") {
			return fmt.Errorf("upstream %q: path_prefix must start with \"/\", got %q", u.Name, u.PathPrefix)
		}
		if prefixes[u.PathPrefix] {
			return fmt.Errorf("duplicate upstream path_prefix %q", u.PathPrefix)
		}
		prefixes[u.PathPrefix] = true

		parsed, err := url.Parse(u.URL)
		if err != nil {
			return fmt.Errorf("upstream %q: invalid url %q: %w", u.Name, u.URL, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("upstream %q: url scheme must be http or https, got %q", u.Name, parsed.Scheme)
		}
		if parsed.Host == "" {
			return fmt.Errorf("upstream %q: url %q has no host", u.Name, u.URL)
		}
		if u.TimeoutMs < 0 {
			return fmt.Errorf("upstream %q: timeout_ms must not be negative", u.Name)
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string

	if cfg.Gate.ResetTimeout < time.Second {
		warnings = append(warnings, fmt.Sprintf(
			"gate.reset_timeout of %s is very short; the gate will probe aggressively", cfg.Gate.ResetTimeout))
	}
	if cfg.Gate.FailureThreshold == 1 {
		warnings = append(warnings, "gate.failure_threshold of 1 trips the gate on any single failure")
	}
	for _, u := range cfg.Upstreams {
		if cfg.Gate.SlowThreshold > 0 && cfg.Gate.SlowThreshold >= u.Timeout() {
			warnings = append(warnings, fmt.Sprintf(
				"gate.slow_threshold %s is not below upstream %q timeout %s; slow-call detection is ineffective",
				cfg.Gate.SlowThreshold, u.Name, u.Timeout()))
		}
	}
	if cfg.Admin.Enabled && cfg.Admin.JWTEnabled() && !cfg.Server.TLS.Enabled {
		warnings = append(warnings, "admin JWT auth without TLS sends bearer tokens in cleartext")
	}

	return warnings
}
