package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/tiersync/pkg/api"
	"github.com/mihaimyh/tiersync/pkg/billing"
	billingstripe "github.com/mihaimyh/tiersync/pkg/billing/stripe"
	"github.com/mihaimyh/tiersync/pkg/entitlement"
	"github.com/mihaimyh/tiersync/storage/memory"
)

const testSecret = "whsec_router_test"

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(t *testing.T, checks map[string]HealthChecker) http.Handler {
	t.Helper()

	store := memory.New()
	provider, err := billingstripe.NewProvider(billingstripe.Config{
		Config:              billing.Config{Store: store},
		StripeAPIKey:        "sk_test_router",
		StripeWebhookSecret: testSecret,
		PriceID:             "price_pro",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	handler, err := api.NewHandler(api.Config{
		Store:     store,
		Billing:   provider,
		GetUserID: api.FromHeader("X-User-ID"),
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	return NewRouter(Routes{
		Webhook: provider.WebhookHandler(),
		API:     handler,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
		Checks: checks,
		Logger: zerolog.Nop(),
	})
}

func signedCheckout(t *testing.T, uid string) *http.Request {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      "evt_router_1",
		"object":  "event",
		"type":    "checkout.session.completed",
		"created": time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":           "cs_1",
			"object":       "checkout.session",
			"mode":         "subscription",
			"customer":     "cus_router",
			"subscription": "sub_router",
			"metadata":     map[string]string{"uid": uid},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestRouter_WebhookThenEntitlement(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedCheckout(t, "user_router"))
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, EntitlementPath, nil)
	req.Header.Set("X-User-ID", "user_router")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("entitlement status = %d", rec.Code)
	}

	var body api.EntitlementResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Tier != string(entitlement.TierPro) || body.TierStatus != entitlement.StatusActive {
		t.Errorf("entitlement = %+v, want pro/active", body)
	}
}

func TestRouter_WebhookRejectsUnsigned(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader([]byte(`{"id":"evt"}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, WebhookPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, map[string]HealthChecker{
		"store": pingFunc(func(context.Context) error { return nil }),
	})

	for _, path := range []string{HealthPath, ReadyPath, MetricsPath} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestRouter_ReadyzUnhealthy(t *testing.T) {
	router := newTestRouter(t, map[string]HealthChecker{
		"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ReadyPath, nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "unhealthy" || body.Checks["redis"] != "error: connection refused" {
		t.Errorf("body = %+v", body)
	}
}

func TestRouter_ForwardedHeadersNeedTrustProxy(t *testing.T) {
	echoAddr := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.RemoteAddr))
	})

	tests := []struct {
		name       string
		trustProxy bool
		want       string
	}{
		{"ignored by default", false, "192.0.2.10:4000"},
		{"honored behind proxy", true, "203.0.113.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(Routes{Webhook: echoAddr, TrustProxy: tt.trustProxy, Logger: zerolog.Nop()})

			req := httptest.NewRequest(http.MethodPost, WebhookPath, nil)
			req.RemoteAddr = "192.0.2.10:4000"
			req.Header.Set("X-Forwarded-For", "203.0.113.50")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if got := rec.Body.String(); got != tt.want {
				t.Errorf("RemoteAddr = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv := New(http.NotFoundHandler(), Config{ShutdownTimeout: time.Second}, zerolog.Nop())

	var order []string
	srv.OnShutdown("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	srv.OnShutdown("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("shutdown order = %v, want LIFO", order)
	}
}

func TestServer_ShutdownErrorsAreJoined(t *testing.T) {
	srv := New(http.NotFoundHandler(), Config{}, zerolog.Nop())
	srv.OnShutdown("broken", func(context.Context) error { return errors.New("close failed") })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := srv.Serve(ctx, ln); err == nil {
		t.Error("Serve() error = nil, want component error")
	}
}
