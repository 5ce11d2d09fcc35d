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

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)

	// Notification gateways. Each is the base URL of an external provider the
	// engine posts outbound notifications to. Any left empty falls back to the
	// log-only provider for that channel.
	SMSGatewayURL     string
	PushGatewayURL    string
	TicketingURL      string
	LawEnforcementURL string
	DispatchSecret    string // HMAC secret for signing gateway payloads

	// Dispatch tuning
	DispatchTimeout time.Duration // per notification unit
	MaxInFlight     int64         // system-wide cap on concurrent notification units

	// Check-in polling
	CheckInPollInterval time.Duration

	// Rate limiting (moderation/risk endpoints only; safety triggers are exempt)
	RateLimitRPM int
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultDispatchTimeout = 5 * time.Second
	DefaultMaxInFlight     = 256
	DefaultPollInterval    = 30 * time.Second
	DefaultRateLimit       = 120
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
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SMSGatewayURL:       os.Getenv("SMS_GATEWAY_URL"),
		PushGatewayURL:      os.Getenv("PUSH_GATEWAY_URL"),
		TicketingURL:        os.Getenv("TICKETING_URL"),
		LawEnforcementURL:   os.Getenv("LAW_ENFORCEMENT_URL"),
		DispatchSecret:      os.Getenv("DISPATCH_SECRET"),
		DispatchTimeout:     getEnvDuration("DISPATCH_TIMEOUT", DefaultDispatchTimeout),
		MaxInFlight:         getEnvInt64("MAX_INFLIGHT_NOTIFICATIONS", DefaultMaxInFlight),
		CheckInPollInterval: getEnvDuration("CHECKIN_POLL_INTERVAL", DefaultPollInterval),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT must be positive")
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("MAX_INFLIGHT_NOTIFICATIONS must be positive")
	}
	if c.IsProduction() && c.DispatchSecret == "" &&
		(c.SMSGatewayURL != "" || c.PushGatewayURL != "" || c.TicketingURL != "" || c.LawEnforcementURL != "") {
		return fmt.Errorf("DISPATCH_SECRET is required when gateway URLs are set in production")
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
