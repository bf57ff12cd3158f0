package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "loand.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:8645" || cfg.EventLog.Driver != "sqlite" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.EventLog.DSN != filepath.Join(cfg.DataDir, "events.db") {
		t.Fatalf("sqlite dsn not derived from data dir: %q", cfg.EventLog.DSN)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.FeeReserve != cfg.FeeReserve {
		t.Fatalf("fee reserve changed across reload: %s vs %s", again.FeeReserve, cfg.FeeReserve)
	}
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loand.toml")
	contents := `ListenAddress = "0.0.0.0:9000"
DataDir = "/var/lib/loand"
Environment = "staging"
FeeReserve = "2500"
AllowedOrigins = ["app.example.com", "*.loan.example"]

[EventLog]
Driver = "postgres"
DSN = "postgres://loan@localhost/loan"

[Auth]
HMACSecret = "0123456789abcdef0123456789abcdef"

[RateLimit]
RequestsPerMinute = 30
Burst = 5

[Telemetry]
Traces = true
SampleRatio = 0.25
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9000" || cfg.EventLog.Driver != "postgres" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "*.loan.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.RateLimit.RequestsPerMinute != 30 || cfg.RateLimit.Burst != 5 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	params, err := cfg.LoanParams()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.FeeReserve.Int64() != 2500 {
		t.Fatalf("unexpected fee reserve %s", params.FeeReserve)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loand.yaml")
	contents := `listenAddress: "127.0.0.1:7777"
feeReserve: "0"
eventLog:
  driver: sqlite
  dsn: "file::memory:"
telemetry:
  metrics: true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:7777" || !cfg.Telemetry.Metrics {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.EventLog.DSN != "file::memory:" {
		t.Fatalf("explicit dsn overridden: %q", cfg.EventLog.DSN)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loand.toml")
	if err := os.WriteFile(path, []byte("ListenAdress = \"127.0.0.1:1\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"listen address", func(c *Config) { c.ListenAddress = "nope" }, "ListenAddress"},
		{"fee reserve", func(c *Config) { c.FeeReserve = "-1" }, "FeeReserve"},
		{"driver", func(c *Config) { c.EventLog.Driver = "mysql" }, "EventLog.Driver"},
		{"postgres dsn", func(c *Config) { c.EventLog.Driver = "postgres"; c.EventLog.DSN = "" }, "EventLog.DSN"},
		{"production secret", func(c *Config) { c.Environment = "production" }, "HMACSecret"},
		{"short secret", func(c *Config) { c.Auth.HMACSecret = "short" }, "at least"},
		{"rate limit", func(c *Config) { c.RateLimit.Burst = -1 }, "RateLimit"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "SampleRatio"},
		{"origin pattern", func(c *Config) { c.AllowedOrigins = []string{"[bad"} }, "AllowedOrigins"},
	}
	for _, tc := range cases {
		cfg := Default()
		cfg.applyDefaults()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", tc.name, tc.want, err)
		}
	}

	cfg := Default()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
