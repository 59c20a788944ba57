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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Billing provider
	StripeWebhookSecret string // Verifies webhook signatures; webhook ingress disabled if empty

	// Entitlement policy
	TrialLengthDays  int           // Trial duration granted on signup
	GracePeriodDays  int           // Days after a failed payment before access is blocked
	DeviceWindowDays int           // Rolling activity window for the device cap
	CheckTimeout     time.Duration // Per-request store deadline for entitlement checks

	// Security
	AdminSecret  string // Admin API secret (tenant provisioning)
	RateLimitRPM int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled if empty
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultTrialLengthDays  = 14
	DefaultGracePeriodDays  = 7
	DefaultDeviceWindowDays = 7
	DefaultCheckTimeoutMS   = 300
	DefaultRateLimit        = 300
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		TrialLengthDays:     getEnvInt("TRIAL_LENGTH_DAYS", DefaultTrialLengthDays),
		GracePeriodDays:     getEnvInt("GRACE_PERIOD_DAYS", DefaultGracePeriodDays),
		DeviceWindowDays:    getEnvInt("DEVICE_WINDOW_DAYS", DefaultDeviceWindowDays),
		CheckTimeout:        time.Duration(getEnvInt("CHECK_TIMEOUT_MS", DefaultCheckTimeoutMS)) * time.Millisecond,
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if c.TrialLengthDays <= 0 {
		return fmt.Errorf("TRIAL_LENGTH_DAYS must be positive")
	}
	if c.GracePeriodDays <= 0 {
		return fmt.Errorf("GRACE_PERIOD_DAYS must be positive")
	}
	if c.DeviceWindowDays <= 0 {
		return fmt.Errorf("DEVICE_WINDOW_DAYS must be positive")
	}
	if c.CheckTimeout <= 0 {
		return fmt.Errorf("CHECK_TIMEOUT_MS must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// GracePeriod returns the configured grace period as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// DeviceWindow returns the device activity window as a duration.
func (c *Config) DeviceWindow() time.Duration {
	return time.Duration(c.DeviceWindowDays) * 24 * time.Hour
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
