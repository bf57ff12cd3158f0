package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"loanescrow/native/loan"
)

// Config is the loand daemon configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress" yaml:"listenAddress"`
	DataDir       string `toml:"DataDir" yaml:"dataDir"`
	Environment   string `toml:"Environment" yaml:"environment"`
	LogFile       string `toml:"LogFile" yaml:"logFile"`
	LogLevel      string `toml:"LogLevel" yaml:"logLevel"`
	FeeReserve    string `toml:"FeeReserve" yaml:"feeReserve"`
	// AllowedOrigins lists host patterns, such as "app.example.com" or
	// "*.example.com", whose pages may open the event stream. Empty means
	// same-origin only.
	AllowedOrigins []string  `toml:"AllowedOrigins" yaml:"allowedOrigins"`
	EventLog       EventLog  `toml:"EventLog" yaml:"eventLog"`
	Auth           Auth      `toml:"Auth" yaml:"auth"`
	RateLimit      RateLimit `toml:"RateLimit" yaml:"rateLimit"`
	Telemetry      Telemetry `toml:"Telemetry" yaml:"telemetry"`
}

// EventLog selects the SQL database that indexes escrow events.
type EventLog struct {
	Driver string `toml:"Driver" yaml:"driver"`
	DSN    string `toml:"DSN" yaml:"dsn"`
}

// Auth configures bearer token verification for the RPC surface. An empty
// HMACSecret disables authentication, which Validate only allows outside
// production.
type Auth struct {
	HMACSecret string `toml:"HMACSecret" yaml:"hmacSecret"`
	Issuer     string `toml:"Issuer" yaml:"issuer"`
	Audience   string `toml:"Audience" yaml:"audience"`
}

// RateLimit bounds requests per client address.
type RateLimit struct {
	RequestsPerMinute int `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int `toml:"Burst" yaml:"burst"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
}

// Load loads the configuration from the given path. A missing file is
// created with defaults. Files ending in .yaml or .yml are decoded as YAML,
// everything else as TOML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	return &Config{
		ListenAddress: "127.0.0.1:8645",
		DataDir:       "./loan-data",
		Environment:   "local",
		LogLevel:      "info",
		FeeReserve:    fmt.Sprint(loan.DefaultFeeReserve),
		EventLog: EventLog{
			Driver: "sqlite",
		},
		Auth: Auth{
			Issuer:   "loanescrow",
			Audience: "loand",
		},
		RateLimit: RateLimit{
			RequestsPerMinute: 600,
			Burst:             60,
		},
		Telemetry: Telemetry{
			Endpoint: "localhost:4318",
			Insecure: true,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = def.ListenAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if strings.TrimSpace(c.FeeReserve) == "" {
		c.FeeReserve = def.FeeReserve
	}
	if strings.TrimSpace(c.EventLog.Driver) == "" {
		c.EventLog.Driver = def.EventLog.Driver
	}
	if strings.TrimSpace(c.EventLog.DSN) == "" && c.EventLog.Driver == "sqlite" {
		c.EventLog.DSN = filepath.Join(c.DataDir, "events.db")
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = def.RateLimit.RequestsPerMinute
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
}

// FeeReserveAmount parses FeeReserve.
func (c *Config) FeeReserveAmount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(c.FeeReserve), 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("FeeReserve %q must be a non-negative integer", c.FeeReserve)
	}
	return amount, nil
}

// LoanParams returns the protocol constants derived from the configuration.
func (c *Config) LoanParams() (loan.Params, error) {
	reserve, err := c.FeeReserveAmount()
	if err != nil {
		return loan.Params{}, err
	}
	return loan.Params{FeeReserve: reserve}, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
