// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.heron/config.yaml)
//  3. Default values
//
// Error handling uses sentinel errors so callers can match with errors.Is.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidListenAddr indicates the HTTP listen address is empty.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidPoolSize indicates the tool-server pool size is out of range.
	ErrInvalidPoolSize = errors.New("invalid tool server pool size")

	// ErrInvalidToolServer indicates a tool-server entry has no command.
	ErrInvalidToolServer = errors.New("invalid tool server command")

	// ErrInvalidDrainGrace indicates the drain grace period is out of range.
	ErrInvalidDrainGrace = errors.New("invalid drain grace period")

	// ErrInvalidIdleTimeout indicates the connection idle timeout is out of range.
	ErrInvalidIdleTimeout = errors.New("invalid idle timeout")

	// ErrInvalidRateLimit indicates the rate limit settings are out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit")
)

const (
	// DefaultHistoryLimit is the default number of context items loaded per
	// generation task.
	DefaultHistoryLimit int32 = 1000

	// MaxHistoryLimit is the absolute maximum to prevent unbounded loads.
	MaxHistoryLimit int32 = 10000
)

// ToolServerConfig describes one pooled MCP tool-server command.
type ToolServerConfig struct {
	Command string   `mapstructure:"command" json:"command"`
	Args    []string `mapstructure:"args" json:"args"`
	Env     []string `mapstructure:"env" json:"env"`
}

// OtelConfig configures the OTLP trace exporter.
type OtelConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	Environment string `mapstructure:"environment" json:"environment"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// RateLimitConfig configures the per-IP request limiter.
type RateLimitConfig struct {
	RPS        float64       `mapstructure:"rps" json:"rps"`
	Burst      int           `mapstructure:"burst" json:"burst"`
	SweepEvery time.Duration `mapstructure:"sweep_every" json:"sweep_every"`
	StaleAfter time.Duration `mapstructure:"stale_after" json:"stale_after"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON.
type Config struct {
	// HTTP server
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	TrustProxy bool   `mapstructure:"trust_proxy" json:"trust_proxy"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Tool-server pool
	ToolServers    map[string]ToolServerConfig `mapstructure:"tool_servers" json:"tool_servers"`
	PoolSize       int                         `mapstructure:"pool_size" json:"pool_size"`
	AcquireTimeout time.Duration               `mapstructure:"acquire_timeout" json:"acquire_timeout"`

	// Session orchestration
	DrainGrace   time.Duration `mapstructure:"drain_grace" json:"drain_grace"`
	HistoryLimit int32         `mapstructure:"history_limit" json:"history_limit"`

	// Connection registry
	IdleTimeout time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`

	// HTTP middleware
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`

	// Observability
	Otel OtelConfig `mapstructure:"otel" json:"otel"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".heron")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing configuration file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	return parse(v)
}

// parse unmarshals, applies DATABASE_URL, and validates. Split from Load so
// tests can drive it with a prepared viper instance.
func parse(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// HTTP defaults
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("trust_proxy", false)

	// PostgreSQL defaults (local development database)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "heron")
	v.SetDefault("postgres_password", "heron_dev_password")
	v.SetDefault("postgres_db_name", "heron")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Tool-server pool defaults
	v.SetDefault("pool_size", 2)
	v.SetDefault("acquire_timeout", "3s")

	// Orchestration defaults
	v.SetDefault("drain_grace", "5s")
	v.SetDefault("history_limit", DefaultHistoryLimit)

	// Registry defaults
	v.SetDefault("idle_timeout", "5m")

	// Rate limit defaults
	v.SetDefault("rate_limit.rps", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.sweep_every", "5m")
	v.SetDefault("rate_limit.stale_after", "10m")

	// Observability defaults
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4318")
	v.SetDefault("otel.environment", "dev")
	v.SetDefault("otel.service_name", "heron")

	// Logging defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
}

// bindEnvVariables binds runtime override variables explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("listen_addr", "HERON_LISTEN_ADDR")
	mustBind("trust_proxy", "HERON_TRUST_PROXY")
	mustBind("log_level", "HERON_LOG_LEVEL")
	mustBind("pool_size", "HERON_POOL_SIZE")
	mustBind("drain_grace", "HERON_DRAIN_GRACE")
	mustBind("idle_timeout", "HERON_IDLE_TIMEOUT")
	mustBind("otel.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// NOTE: DATABASE_URL is parsed separately and overrides postgres_*.
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters for debugging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
