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

	// Auth
	SessionSecret string // HMAC secret for session tokens
	SessionTTL    time.Duration
	AdminSecret   string // Admin API secret; admin routes are disabled when empty

	// Pricing
	BTCUSDRate          int64 // startup fallback rate, whole US dollars per BTC
	RateSourceURL       string
	RateRefreshInterval time.Duration

	// Funding
	LightningAPIURL        string // invoice issuer endpoint (optional, dev issuer if not set)
	LightningAPIKey        string
	LightningWebhookSecret string
	InvoiceTTL             time.Duration
	StripeAPIKey           string
	StripeWebhookSecret    string
	CheckoutSuccessURL     string
	CheckoutCancelURL      string

	// Security
	RateLimitRPS   int
	AllowedOrigins string // comma-separated, or "*"

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultSessionTTL          = 24 * time.Hour
	DefaultBTCUSDRate          = 100_000
	DefaultRateRefreshInterval = 10 * time.Minute
	DefaultInvoiceTTL          = time.Hour
	DefaultRateLimit           = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SessionSecret:          os.Getenv("SESSION_SECRET"),
		SessionTTL:             getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		BTCUSDRate:             getEnvInt64("BTC_USD_RATE", DefaultBTCUSDRate),
		RateSourceURL:          os.Getenv("RATE_SOURCE_URL"),
		RateRefreshInterval:    getEnvDuration("RATE_REFRESH_INTERVAL", DefaultRateRefreshInterval),
		LightningAPIURL:        os.Getenv("LIGHTNING_API_URL"),
		LightningAPIKey:        os.Getenv("LIGHTNING_API_KEY"),
		LightningWebhookSecret: os.Getenv("LIGHTNING_WEBHOOK_SECRET"),
		InvoiceTTL:             getEnvDuration("INVOICE_TTL", DefaultInvoiceTTL),
		StripeAPIKey:           os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:     os.Getenv("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:      os.Getenv("CHECKOUT_CANCEL_URL"),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AllowedOrigins:         getEnv("ALLOWED_ORIGINS", "*"),
		OTLPEndpoint:           os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.BTCUSDRate <= 0 {
		return fmt.Errorf("BTC_USD_RATE must be positive")
	}

	if c.IsProduction() {
		if len(c.SessionSecret) < 32 {
			return fmt.Errorf("SESSION_SECRET must be at least 32 characters in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
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
