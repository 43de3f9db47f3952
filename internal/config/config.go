package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the service configuration loaded from environment variables.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `envconfig:"ADDR" default:":8080"`

	// DatabaseDriver is postgres or sqlite.
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	DatabaseURL    string `envconfig:"DATABASE_URL"`

	NatsURL        string `envconfig:"NATS_URL" default:"nats://nats:4222"`
	NatsClientName string `envconfig:"NATS_CLIENT_NAME" default:"edd-events"`

	// RedisURL enables message deduplication when set.
	RedisURL  string        `envconfig:"REDIS_URL"`
	DedupeTTL time.Duration `envconfig:"DEDUPE_TTL" default:"10m"`

	// UserServiceURL enables periodic reconciliation against GET /api/users.
	UserServiceURL    string        `envconfig:"USER_SERVICE_URL"`
	ServiceAPIKey     string        `envconfig:"SERVICE_API_KEY"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"15m"`

	// JWTSecret enables bearer token identity in addition to gateway headers.
	JWTSecret      string   `envconfig:"JWT_SECRET"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogFile   string `envconfig:"LOG_FILE"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// Load reads Config from the environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	return &c, nil
}

// Validate checks the settings required to serve traffic.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver))
	}
	if c.NatsURL == "" {
		errs = append(errs, errors.New("NATS_URL is required"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel converts LogLevel to a slog.Level. Unknown values are info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
