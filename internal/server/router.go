package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/tiersync/pkg/api"
)

// Route paths
const (
	WebhookPath     = "/webhooks/stripe"
	EntitlementPath = "/api/entitlement"
	CheckoutPath    = "/api/checkout"
	PortalPath      = "/api/customer-portal"
	MetricsPath     = "/metrics"
	HealthPath      = "/healthz"
	ReadyPath       = "/readyz"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Routes holds the handlers mounted by NewRouter
type Routes struct {
	Webhook http.Handler
	API     *api.Handler

	// Metrics is mounted at /metrics when set
	Metrics http.Handler

	// Checks are pinged by /readyz, keyed by dependency name
	Checks map[string]HealthChecker

	// TrustProxy rewrites RemoteAddr from X-Forwarded-For / X-Real-IP. Enable
	// only behind a proxy that overwrites those headers; the webhook rate
	// limiter keys on RemoteAddr.
	TrustProxy bool

	Logger zerolog.Logger
}

// NewRouter configures the chi router with all routes and middleware.
func NewRouter(routes Routes) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	if routes.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.RequestID)
	r.Use(RequestLogger(routes.Logger))
	r.Use(chimiddleware.Recoverer)

	r.Get(HealthPath, healthz)
	r.Get(ReadyPath, readyz(routes.Checks))
	if routes.Metrics != nil {
		r.Method(http.MethodGet, MetricsPath, routes.Metrics)
	}

	// The handler answers 405 itself so Stripe sees a JSON body
	if routes.Webhook != nil {
		r.Handle(WebhookPath, routes.Webhook)
	}

	if routes.API != nil {
		r.Get(EntitlementPath, routes.API.GetEntitlement)
		r.HandleFunc(CheckoutPath, routes.API.CreateCheckout)
		r.HandleFunc(PortalPath, routes.API.CreatePortal)
	}

	return r
}

// RequestLogger returns a middleware that logs HTTP requests with zerolog.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			event := logger.Info()
			switch {
			case status >= 500:
				event = logger.Error()
			case status >= 400:
				event = logger.Warn()
			}
			event.
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status_code", status).
				Float64("duration_ms", float64(time.Since(start).Microseconds())/1000).
				Str("remote_addr", r.RemoteAddr).
				Msg("http request")
		})
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// healthz is a liveness probe with no dependency checks.
func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// readyz pings every dependency and returns 503 when any is unhealthy.
func readyz(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		results := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				results[name] = "error: " + err.Error()
				healthy = false
				continue
			}
			results[name] = "ok"
		}

		response := HealthResponse{Status: "ok", Checks: results}
		statusCode := http.StatusOK
		if !healthy {
			response.Status = "unhealthy"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, response)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
