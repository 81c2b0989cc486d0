package config

import (
	"fmt"
	"slices"
	"time"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	// 1. HTTP server validation
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr cannot be empty", ErrInvalidListenAddr)
	}

	// 2. PostgreSQL configuration validation
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	// Modern SSL modes only; allow/prefer are deprecated (MITM vulnerable).
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	// 3. Tool-server pool validation
	if c.PoolSize < 1 || c.PoolSize > 64 {
		return fmt.Errorf("%w: must be between 1 and 64, got %d", ErrInvalidPoolSize, c.PoolSize)
	}
	for key, ts := range c.ToolServers {
		if ts.Command == "" {
			return fmt.Errorf("%w: tool_servers.%s has no command", ErrInvalidToolServer, key)
		}
	}

	// 4. Orchestration validation
	if c.DrainGrace <= 0 || c.DrainGrace > time.Minute {
		return fmt.Errorf("%w: must be between 0 and 1m exclusive, got %v", ErrInvalidDrainGrace, c.DrainGrace)
	}

	// 5. Registry validation
	if c.IdleTimeout <= 0 || c.IdleTimeout > 24*time.Hour {
		return fmt.Errorf("%w: must be between 0 and 24h exclusive, got %v", ErrInvalidIdleTimeout, c.IdleTimeout)
	}

	// 6. Rate limit validation
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("%w: rps must be positive, got %v", ErrInvalidRateLimit, c.RateLimit.RPS)
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("%w: burst must be at least 1, got %d", ErrInvalidRateLimit, c.RateLimit.Burst)
	}
	if c.RateLimit.SweepEvery <= 0 {
		return fmt.Errorf("%w: sweep_every must be positive, got %v", ErrInvalidRateLimit, c.RateLimit.SweepEvery)
	}
	if c.RateLimit.StaleAfter <= 0 {
		return fmt.Errorf("%w: stale_after must be positive, got %v", ErrInvalidRateLimit, c.RateLimit.StaleAfter)
	}

	return nil
}

// NormalizeHistoryLimit normalizes the history limit value.
func NormalizeHistoryLimit(limit int32) int32 {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
