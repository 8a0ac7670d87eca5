// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement settings
	HoldWindow    time.Duration // Delivery-to-auto-release window
	SweepInterval time.Duration // How often the release sweeper scans
	LockTimeout   time.Duration // Per-order escrow lock wait bound

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultHoldWindow    = 7 * 24 * time.Hour
	DefaultSweepInterval = 1 * time.Minute
	DefaultLockTimeout   = 5 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:     getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:   os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		HoldWindow:    getEnvDuration("HOLD_WINDOW", DefaultHoldWindow),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		LockTimeout:   getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.HoldWindow <= 0 {
		return fmt.Errorf("HOLD_WINDOW must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare numbers are seconds.
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
