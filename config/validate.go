package config

import (
	"fmt"
	"net"
	"path"
	"strings"
)

// MinHMACSecretLength is the shortest accepted token signing secret.
var MinHMACSecretLength = 32

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("ListenAddress %q: %w", c.ListenAddress, err)
	}
	if _, err := c.FeeReserveAmount(); err != nil {
		return err
	}
	for _, pattern := range c.AllowedOrigins {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("AllowedOrigins contains an empty pattern")
		}
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("AllowedOrigins pattern %q: %w", pattern, err)
		}
	}
	switch c.EventLog.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("EventLog.Driver %q: want sqlite or postgres", c.EventLog.Driver)
	}
	if c.EventLog.Driver == "postgres" && strings.TrimSpace(c.EventLog.DSN) == "" {
		return fmt.Errorf("EventLog.DSN required for postgres")
	}
	secret := strings.TrimSpace(c.Auth.HMACSecret)
	if secret == "" && strings.EqualFold(c.Environment, "production") {
		return fmt.Errorf("Auth.HMACSecret required in production")
	}
	if secret != "" && len(secret) < MinHMACSecretLength {
		return fmt.Errorf("Auth.HMACSecret must be at least %d bytes", MinHMACSecretLength)
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("RateLimit values must be non-negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("Telemetry.SampleRatio must be within [0, 1]")
	}
	return nil
}
