package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/tiersync/internal/config"
	"github.com/mihaimyh/tiersync/internal/server"
	"github.com/mihaimyh/tiersync/pkg/api"
	"github.com/mihaimyh/tiersync/pkg/billing"
	billprom "github.com/mihaimyh/tiersync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/tiersync/pkg/billing/stripe"
	"github.com/mihaimyh/tiersync/pkg/entitlement"
	entprom "github.com/mihaimyh/tiersync/pkg/entitlement/metrics/prometheus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		if err := cfg.ValidateStripe(); err != nil {
			return err
		}
		logger := newLogger(cmd.OutOrStdout(), cfg.LogLevel, cfg.LogFormat)

		svc, err := buildApp(cmd.Context(), cfg, logger, prometheus.NewRegistry())
		if err != nil {
			return err
		}

		srv := server.New(svc.handler, server.Config{
			Addr:            fmt.Sprintf(":%d", cfg.Port),
			ReadTimeout:     cfg.ReadTimeout,
			WriteTimeout:    cfg.WriteTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, logger)
		for _, c := range svc.backend.closers {
			srv.OnShutdown(c.name, c.fn)
		}

		logger.Info().
			Int("port", cfg.Port).
			Str("store", svc.backend.describe).
			Str("env", cfg.AppEnv).
			Msg("Starting tiersyncd")
		return srv.Run()
	},
}

// app is the fully wired service
type app struct {
	handler http.Handler
	backend *backend
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger,
	reg *prometheus.Registry) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	entMetrics := entprom.NewMetrics(reg, cfg.MetricsNamespace)
	billingMetrics := billprom.NewMetrics(reg, cfg.MetricsNamespace)
	entLogger := newEntitlementLogger(logger)

	b, err := openBackend(ctx, cfg, entMetrics, logger)
	if err != nil {
		return nil, err
	}

	// Store stack: instrumented calls behind a circuit breaker
	breaker := entitlement.NewDefaultCircuitBreaker(entitlement.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}, func(state entitlement.CircuitBreakerState) {
		entMetrics.RecordCircuitBreakerStateChange(string(state))
		logger.Warn().Str("state", string(state)).Msg("Store circuit breaker changed state")
	})
	store := entitlement.NewCircuitBreakerStore(entitlement.NewInstrumentedStore(b.store, entMetrics), breaker)

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Store:          store,
			MaxBodyBytes:   cfg.WebhookMaxBodyBytes,
			RateLimitRPS:   cfg.WebhookRateLimitRPS,
			RateLimitBurst: cfg.WebhookRateLimitBurst,
			Reconciler: entitlement.Config{
				Timeout:                cfg.EventTimeout,
				DisableStaleEventGuard: !cfg.StaleEventGuard,
				AuditLog:               b.store,
				Ledger:                 b.store,
				LedgerTTL:              cfg.LedgerTTL,
				OnTierChange:           logTierChange(logger),
				Metrics:                entMetrics,
				Logger:                 entLogger,
			},
			Metrics: billingMetrics,
			Logger:  entLogger,
		},
		StripeAPIKey:          cfg.StripeSecretKey,
		StripeWebhookSecret:   cfg.StripeWebhookSecret,
		PriceID:               cfg.PriceID(),
		SuccessURL:            cfg.StripeSuccessURL,
		CancelURL:             cfg.StripeCancelURL,
		PortalReturnURL:       cfg.StripePortalReturnURL,
		DisablePromotionCodes: cfg.DisablePromotionCodes,
	})
	if err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("failed to create stripe provider: %w", err)
	}

	apiHandler, err := api.NewHandler(api.Config{
		Store:     store,
		Billing:   provider,
		GetUserID: api.FromHeader(cfg.UserIDHeader),
		Logger:    entLogger,
	})
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}

	router := server.NewRouter(server.Routes{
		Webhook:    provider.WebhookHandler(),
		API:        apiHandler,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Checks:     b.checks,
		TrustProxy: cfg.TrustProxyHeaders,
		Logger:     logger,
	})
	return &app{handler: router, backend: b}, nil
}

// logTierChange is the default tier change hook: one structured line per transition
func logTierChange(logger zerolog.Logger) entitlement.TierChangeHandler {
	return func(_ context.Context, change entitlement.TierChange) error {
		logger.Info().
			Str("user_id", change.InternalID).
			Str("from", string(change.PreviousTier)).
			Str("to", string(change.NewTier)).
			Str("status", change.TierStatus).
			Str("event_id", change.EventID).
			Msg("Tier changed")
		return nil
	}
}
