// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway (Paystack)
	PaystackSecretKey string
	PaystackBaseURL   string
	GatewayTimeout    time.Duration

	// Escrow settings
	Currency         string        // settlement currency, e.g. "KES"
	AutoReleaseAfter time.Duration // elapsed time after dispatch proof before auto-release
	SweepInterval    time.Duration // auto-release timer tick

	// Payout settings
	PayoutMaxRetries    int
	PayoutRetryInterval time.Duration

	// Reconciliation
	ReconcileInterval time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultPaystackBaseURL  = "https://api.paystack.co"
	DefaultCurrency         = "KES"
	DefaultGatewayTimeout   = 15 * time.Second
	DefaultAutoRelease      = 24 * time.Hour
	DefaultSweepInterval    = time.Minute
	DefaultPayoutRetries    = 3
	DefaultRetryInterval    = 5 * time.Minute
	DefaultReconcileEvery   = 15 * time.Minute
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PaystackSecretKey:   os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:     getEnv("PAYSTACK_BASE_URL", DefaultPaystackBaseURL),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		AutoReleaseAfter:    getEnvDuration("AUTO_RELEASE_AFTER", DefaultAutoRelease),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		PayoutMaxRetries:    int(getEnvInt64("PAYOUT_MAX_RETRIES", DefaultPayoutRetries)),
		PayoutRetryInterval: getEnvDuration("PAYOUT_RETRY_INTERVAL", DefaultRetryInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.PaystackSecretKey == "" {
		return fmt.Errorf("PAYSTACK_SECRET_KEY is required")
	}
	if c.AutoReleaseAfter <= 0 {
		return fmt.Errorf("AUTO_RELEASE_AFTER must be positive")
	}
	if c.PayoutMaxRetries < 0 {
		return fmt.Errorf("PAYOUT_MAX_RETRIES must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
