// Package config provides service configuration management.
// Configuration is loaded from environment variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"
)

// Config holds all service configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv string `env:"APP_ENV" envDefault:"development"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Stripe
	StripeSecretKey       string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret   string `env:"STRIPE_WEBHOOK_SECRET"`
	StripePriceID         string `env:"STRIPE_PRICE_ID"`
	StripePriceProMonthly string `env:"STRIPE_PRICE_PRO_MONTHLY"`
	StripeSuccessURL      string `env:"STRIPE_SUCCESS_URL"`
	StripeCancelURL       string `env:"STRIPE_CANCEL_URL"`
	StripePortalReturnURL string `env:"STRIPE_PORTAL_RETURN_URL"`
	DisablePromotionCodes bool   `env:"STRIPE_DISABLE_PROMOTION_CODES" envDefault:"false"`

	// Webhook endpoint
	WebhookMaxBodyBytes   int64   `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"262144"`
	WebhookRateLimitRPS   float64 `env:"WEBHOOK_RATE_LIMIT_RPS" envDefault:"20"`
	WebhookRateLimitBurst int     `env:"WEBHOOK_RATE_LIMIT_BURST" envDefault:"40"`

	// Reconciliation
	EventTimeout    time.Duration `env:"EVENT_TIMEOUT" envDefault:"10s"`
	StaleEventGuard bool          `env:"STALE_EVENT_GUARD" envDefault:"true"`
	LedgerTTL       time.Duration `env:"LEDGER_TTL" envDefault:"720h"`

	// Circuit breaker around the store
	BreakerThreshold    int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For / X-Real-IP
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	// UserIDHeader carries the authenticated user id on /api routes
	UserIDHeader string `env:"USER_ID_HEADER" envDefault:"X-User-ID"`

	// Storage. CacheBackend puts a Redis or memory hot tier in front of StoreBackend.
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	CacheBackend string `env:"CACHE_BACKEND"`

	// Redis
	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"tiersync:"`

	// RedisCacheTTL expires user records when Redis is the CACHE_BACKEND
	RedisCacheTTL time.Duration `env:"REDIS_CACHE_TTL" envDefault:"1h"`

	// PostgreSQL
	DatabaseURL     string `env:"DATABASE_URL"`
	DatabaseMigrate bool   `env:"DATABASE_MIGRATE" envDefault:"true"`

	// Firestore
	FirestoreProjectID       string `env:"FIRESTORE_PROJECT_ID"`
	FirestoreCredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	FirestoreUsersCollection string `env:"FIRESTORE_USERS_COLLECTION" envDefault:"users"`

	// Metrics namespace for Prometheus collectors
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"tiersync"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// PriceID returns the checkout price, preferring STRIPE_PRICE_ID
func (c *Config) PriceID() string {
	if c.StripePriceID != "" {
		return c.StripePriceID
	}
	return c.StripePriceProMonthly
}

// Validate checks values that env tags cannot express
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.EventTimeout <= 0 {
		errs = append(errs, errors.New("EVENT_TIMEOUT must be positive"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or console", c.LogFormat))
	}

	switch c.StoreBackend {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreFirestore:
		if c.FirestoreProjectID == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.CacheBackend {
	case "":
	case StoreMemory, StoreRedis:
		if c.StoreBackend == StoreMemory || c.StoreBackend == c.CacheBackend {
			errs = append(errs, fmt.Errorf("CACHE_BACKEND %q cannot front STORE_BACKEND %q", c.CacheBackend, c.StoreBackend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend))
	}

	return errors.Join(errs...)
}

// ValidateStripe checks the settings the webhook and session endpoints need
func (c *Config) ValidateStripe() error {
	if strings.TrimSpace(c.StripeSecretKey) == "" {
		return errors.New("STRIPE_SECRET_KEY is required")
	}
	return nil
}

// Load reads dotenvPath when present, then parses environment variables.
// Variables already set in the environment win over the file.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", dotenvPath, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
