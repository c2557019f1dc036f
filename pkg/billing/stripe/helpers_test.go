package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

const (
	testUserID     = "user_123"
	testCustomerID = "cus_test_123"
	testSubID      = "sub_test_123"
	testSecret     = "whsec_test_secret"
	testPriceID    = "price_pro_monthly"
	testEmail      = "ada@example.com"
)

// fakeAPI records Stripe API calls and serves canned responses
type fakeAPI struct {
	mu        sync.Mutex
	customers map[string]*stripe.Customer
	getErr    error
	createErr error

	checkoutParams []*stripe.CheckoutSessionCreateParams
	portalParams   []*stripe.BillingPortalSessionCreateParams
	createdParams  []*stripe.CustomerCreateParams
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{customers: make(map[string]*stripe.Customer)}
}

func (f *fakeAPI) GetCustomer(_ context.Context, id string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.customers[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing}
	}
	return c, nil
}

func (f *fakeAPI) CreateCustomer(_ context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.createdParams = append(f.createdParams, params)
	c := &stripe.Customer{ID: "cus_created"}
	if params.Email != nil {
		c.Email = *params.Email
	}
	f.customers[c.ID] = c
	return c, nil
}

func (f *fakeAPI) CreateCheckoutSession(
	_ context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.checkoutParams = append(f.checkoutParams, params)
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func (f *fakeAPI) CreatePortalSession(
	_ context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.portalParams = append(f.portalParams, params)
	return &stripe.BillingPortalSession{ID: "bps_test_1", URL: "https://billing.stripe.test/p/session"}, nil
}

func newTestProvider(t *testing.T, cfg Config, api stripeAPI) *Provider {
	t.Helper()
	if cfg.StripeWebhookSecret == "" {
		cfg.StripeWebhookSecret = testSecret
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = -1
	}
	p, err := newProvider(cfg, api)
	if err != nil {
		t.Fatalf("newProvider() error = %v", err)
	}
	return p
}

// eventPayload builds a Stripe event envelope around object
func eventPayload(t *testing.T, id, eventType string, created time.Time, object any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func signedWebhookRequest(t *testing.T, payload []byte, secret string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set(signatureHeader, signed.Header)
	return req
}

func serve(p *Provider, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

// recordingMetrics captures billing metrics calls
type recordingMetrics struct {
	billing.NoopMetrics
	mu      sync.Mutex
	events  []string
	errors  []string
	limited int
	api     []string
}

func (m *recordingMetrics) RecordWebhookEvent(_, eventType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType+":"+outcome)
}

func (m *recordingMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, errorType)
}

func (m *recordingMetrics) RecordRateLimited(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limited++
}

func (m *recordingMetrics) RecordAPICall(_, endpoint, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.api = append(m.api, endpoint+":"+status)
}
