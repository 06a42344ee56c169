package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromBytes_Defaults(t *testing.T) {
	yaml := []byte(`
upstreams:
  - name: payments
    path_prefix: "/payments"
    url: "http://localhost:3000"
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.RequestsPerSecond != 100 {
		t.Errorf("expected default rps 100, got %f", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.Gate.ResetTimeout != 30*time.Second {
		t.Errorf("expected default reset_timeout 30s, got %v", cfg.Gate.ResetTimeout)
	}
	if cfg.Gate.FailureThreshold != 5 {
		t.Errorf("expected default failure_threshold 5, got %d", cfg.Gate.FailureThreshold)
	}
	if cfg.Gate.HalfOpenLimit != 2 {
		t.Errorf("expected default half_open_limit 2, got %d", cfg.Gate.HalfOpenLimit)
	}
	if cfg.Upstreams[0].TimeoutMs != 30000 {
		t.Errorf("expected default timeout 30000, got %d", cfg.Upstreams[0].TimeoutMs)
	}
	if !cfg.Metrics.IsEnabled() {
		t.Error("expected metrics enabled by default")
	}
}

func TestLoadFromBytes_FullConfig(t *testing.T) {
	yaml := []byte(`
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 20s
  shutdown_timeout: 5s
logging:
  level: debug
rate_limit:
  requests_per_second: 200
  burst_size: 100
admin:
  enabled: true
  jwt_secret: "test-secret"
  issuer: "test-issuer"
  audience: "test-audience"
  ip_allowlist: ["127.0.0.0/8"]
gate:
  reset_timeout: 5s
  failure_threshold: 3
  half_open_limit: 4
  slow_threshold: 2s
upstreams:
  - name: payments
    path_prefix: "/payments"
    url: "http://backend:3000"
    strip_prefix: true
    methods: ["GET", "POST"]
    timeout_ms: 5000
    headers:
      X-Custom: "value"
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Gate.ResetTimeout != 5*time.Second {
		t.Errorf("expected reset_timeout 5s, got %v", cfg.Gate.ResetTimeout)
	}
	if cfg.Gate.FailureThreshold != 3 {
		t.Errorf("expected failure_threshold 3, got %d", cfg.Gate.FailureThreshold)
	}
	if cfg.Gate.SlowThreshold != 2*time.Second {
		t.Errorf("expected slow_threshold 2s, got %v", cfg.Gate.SlowThreshold)
	}
	if !cfg.Admin.JWTEnabled() {
		t.Error("expected admin JWT auth enabled")
	}
	u := cfg.Upstreams[0]
	if u.Name != "payments" || !u.StripPrefix || u.Timeout() != 5*time.Second {
		t.Errorf("unexpected upstream: %+v", u)
	}
	if u.Headers["X-Custom"] != "value" {
		t.Errorf("expected injected header, got %v", u.Headers)
	}
}

func TestLoadFromBytes_EnvExpansion(t *testing.T) {
	os.Setenv("TEST_RELAY_SECRET", "from-env")
	defer os.Unsetenv("TEST_RELAY_SECRET")

	yaml := []byte(`
admin:
  enabled: true
  jwt_secret: "${TEST_RELAY_SECRET}"
  issuer: "iss"
  audience: "aud"
upstreams:
  - name: payments
    path_prefix: "/payments"
    url: "http://localhost:3000"
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Admin.JWTSecret != "from-env" {
		t.Errorf("expected env-expanded secret, got %q", cfg.Admin.JWTSecret)
	}
}

func TestLoadFromBytes_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "no upstreams",
			yaml: `
upstreams: []
`,
			wantErr: "at least one upstream",
		},
		{
			name: "bad port",
			yaml: `
server:
  port: 70000
upstreams:
  - name: a
    path_prefix: "/a"
    url: "http://localhost:3000"
`,
			wantErr: "server.port",
		},
		{
			name: "negative reset timeout",
			yaml: `
gate:
  reset_timeout: -5s
upstreams:
  - name: a
    path_prefix: "/a"
    url: "http://localhost:3000"
`,
			wantErr: "gate.reset_timeout",
		},
		{
			name: "negative failure threshold",
			yaml: `
gate:
  failure_threshold: -1
upstreams:
  - name: a
    path_prefix: "/a"
    url: "http://localhost:3000"
`,
			wantErr: "gate.failure_threshold",
		},
		{
			name: "bad upstream scheme",
			yaml: `
upstreams:
  - name: a
    path_prefix: "/a"
    url: "ftp://localhost:3000"
`,
			wantErr: "scheme",
		},
		{
			name: "prefix without slash",
			yaml: `
upstreams:
  - name: a
    path_prefix: "a"
    url: "http://localhost:3000"
`,
			wantErr: "path_prefix",
		},
		{
			name: "duplicate names",
			yaml: `
upstreams:
  - name: a
    path_prefix: "/a"
    url: "http://localhost:3000"
  - name: a
    path_prefix: "/b"
    url: "http://localhost:3001"
`,
			wantErr: "duplicate upstream name",
		},
		{
			name: "admin without guard",
			yaml: `
admin:
  enabled: true
upstreams:
  - name: a
    path_prefix: "/a"
    url: "http://localhost:3000"
`,
			wantErr: "admin requires",
		},
		{
			name: "admin jwt without issuer",
			yaml: `
admin:
  enabled: true
  jwt_secret: "s"
  audience: "aud"
upstreams:
  - name: a
    path_prefix: "/a"
    url: "http://localhost:3000"
`,
			wantErr: "admin.issuer",
		},
		{
			name: "bad allowlist cidr",
			yaml: `
admin:
  enabled: true
  ip_allowlist: ["not-a-cidr"]
upstreams:
  - name: a
    path_prefix: "/a"
    url: "http://localhost:3000"
`,
			wantErr: "ip_allowlist",
		},
		{
			name: "bad log level",
			yaml: `
logging:
  level: verbose
upstreams:
  - name: a
    path_prefix: "/a"
    url: "http://localhost:3000"
`,
			wantErr: "logging.level",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadFromBytes_Warnings(t *testing.T) {
	yaml := []byte(`
gate:
  reset_timeout: 100ms
  failure_threshold: 1
  slow_threshold: 40s
upstreams:
  - name: payments
    path_prefix: "/payments"
    url: "http://localhost:3000"
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %d: %v", len(cfg.Warnings), cfg.Warnings)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := `
upstreams:
  - name: payments
    path_prefix: "/payments"
    url: "http://localhost:3000"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Upstreams) != 1 {
		t.Fatalf("expected 1 upstream, got %d", len(cfg.Upstreams))
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
