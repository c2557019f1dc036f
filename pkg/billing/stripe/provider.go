package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/billing/internal"
	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

const (
	providerName = "stripe"

	endpointCustomers      = "/customers"
	endpointCheckout       = "/checkout/sessions"
	endpointBillingPortal  = "/billing_portal/sessions"
	signatureHeader        = "Stripe-Signature"
	metadataUserIDKey      = "uid"
	defaultSignatureWindow = 300 * time.Second
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, Reconciler, Metrics, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// PriceID is the recurring price sold by hosted checkout
	PriceID string

	// Redirect targets. Request-level URLs are used when these are empty.
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string

	// DisablePromotionCodes hides the promotion code field on checkout
	DisablePromotionCodes bool

	// SignatureTolerance bounds the age of a signed delivery (default: 5 minutes)
	SignatureTolerance time.Duration
}

// Provider implements billing.Provider and entitlement.PaymentProvider for Stripe
type Provider struct {
	config        Config
	api           stripeAPI
	store         entitlement.Store
	reconciler    *entitlement.Reconciler
	rateLimiter   *internal.RateLimiter
	webhookSecret string
	maxBodyBytes  int64
	metrics       billing.Metrics
	logger        entitlement.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	return newProvider(config, &clientAPI{client: stripe.NewClient(apiKey)})
}

func newProvider(config Config, api stripeAPI) (*Provider, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("%w: store is required", billing.ErrProviderNotConfigured)
	}

	secret := strings.TrimSpace(config.StripeWebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(config.WebhookSecret)
	}
	if config.SignatureTolerance <= 0 {
		config.SignatureTolerance = defaultSignatureWindow
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = billing.DefaultMaxBodyBytes
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = billing.DefaultRateLimitRPS
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = billing.DefaultRateLimitBurst
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	if config.Reconciler.Logger == nil {
		config.Reconciler.Logger = logger
	}

	p := &Provider{
		config:        config,
		api:           api,
		store:         config.Store,
		webhookSecret: secret,
		maxBodyBytes:  config.MaxBodyBytes,
		metrics:       metrics,
		logger:        logger,
	}

	reconciler, err := entitlement.NewReconciler(config.Store, p, config.Reconciler)
	if err != nil {
		return nil, err
	}
	p.reconciler = reconciler

	if config.RateLimitRPS > 0 {
		p.rateLimiter = internal.NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst)
		p.rateLimiter.OnLimited(func(ip string) {
			metrics.RecordRateLimited(providerName)
			logger.Warn("Webhook rate limited", entitlement.F("ip", ip))
		})
	}

	if secret == "" {
		logger.Warn("Stripe webhook secret not configured; all deliveries will be rejected")
	}

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Reconciler returns the reconciliation engine fed by this provider
func (p *Provider) Reconciler() *entitlement.Reconciler {
	return p.reconciler
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

// apiContext bounds one outbound Stripe call
func (p *Provider) apiContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, billing.DefaultAPITimeout)
}

func (p *Provider) recordAPICall(endpoint, status string, start time.Time) {
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

var (
	_ billing.Provider            = (*Provider)(nil)
	_ entitlement.PaymentProvider = (*Provider)(nil)
)
