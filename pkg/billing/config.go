package billing

import (
	"time"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Store is the user entitlement store updated by webhooks
	Store entitlement.Store

	// WebhookSecret is the shared secret used to verify incoming webhook signatures
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	APIKey string

	// MaxBodyBytes caps webhook payload size (default: 256 KiB)
	MaxBodyBytes int64

	// RateLimitRPS and RateLimitBurst configure the per-IP webhook limiter
	// (default: 20 requests per second, burst 40). A negative RPS disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	// Reconciler configures the reconciliation engine (timeout, ledger, callbacks)
	Reconciler entitlement.Config

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger
}

const (
	DefaultMaxBodyBytes   int64 = 256 * 1024
	DefaultRateLimitRPS         = 20.0
	DefaultRateLimitBurst       = 40
	DefaultAPITimeout           = 10 * time.Second
)
