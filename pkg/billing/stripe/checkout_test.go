package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/entitlement"
	"github.com/mihaimyh/tiersync/storage/memory"
)

func checkoutConfig(store entitlement.Store) Config {
	return Config{
		Config:     billing.Config{Store: store},
		PriceID:    testPriceID,
		SuccessURL: "https://app.test/billing?status=success",
		CancelURL:  "https://app.test/billing?status=cancel",
	}
}

func TestCheckoutURL_NewCustomer(t *testing.T) {
	api := newFakeAPI()
	p := newTestProvider(t, checkoutConfig(memory.New()), api)

	url, err := p.CheckoutURL(context.Background(), billing.CheckoutRequest{UserID: testUserID, Email: testEmail})
	if err != nil {
		t.Fatalf("CheckoutURL() error = %v", err)
	}
	if url != "https://checkout.stripe.test/cs_test_1" {
		t.Errorf("CheckoutURL() = %q", url)
	}
	if len(api.checkoutParams) != 1 {
		t.Fatalf("checkout sessions created = %d, want 1", len(api.checkoutParams))
	}
	params := api.checkoutParams[0]
	if stripe.StringValue(params.Mode) != string(stripe.CheckoutSessionModeSubscription) {
		t.Errorf("Mode = %q", stripe.StringValue(params.Mode))
	}
	if params.Metadata["uid"] != testUserID || params.SubscriptionData.Metadata["uid"] != testUserID {
		t.Errorf("metadata = %v / %v", params.Metadata, params.SubscriptionData.Metadata)
	}
	if stripe.StringValue(params.ClientReferenceID) != testUserID {
		t.Errorf("ClientReferenceID = %q", stripe.StringValue(params.ClientReferenceID))
	}
	if stripe.StringValue(params.CustomerEmail) != testEmail || params.Customer != nil {
		t.Errorf("customer = %v email = %q", params.Customer, stripe.StringValue(params.CustomerEmail))
	}
	if !stripe.BoolValue(params.AllowPromotionCodes) {
		t.Error("AllowPromotionCodes = false, want true")
	}
	if stripe.StringValue(params.LineItems[0].Price) != testPriceID {
		t.Errorf("price = %q", stripe.StringValue(params.LineItems[0].Price))
	}
}

func TestCheckoutURL_ReusesStoredCustomer(t *testing.T) {
	store := memory.New()
	if err := store.PutUser(context.Background(), &entitlement.UserEntitlement{
		InternalID: testUserID, ExternalCustomerID: testCustomerID,
	}); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}
	api := newFakeAPI()
	p := newTestProvider(t, checkoutConfig(store), api)

	if _, err := p.CheckoutURL(context.Background(), billing.CheckoutRequest{UserID: testUserID, Email: testEmail}); err != nil {
		t.Fatalf("CheckoutURL() error = %v", err)
	}
	params := api.checkoutParams[0]
	if stripe.StringValue(params.Customer) != testCustomerID {
		t.Errorf("Customer = %q, want %q", stripe.StringValue(params.Customer), testCustomerID)
	}
	if params.CustomerEmail != nil {
		t.Error("CustomerEmail set alongside Customer")
	}
}

func TestCheckoutURL_RequestURLsUsedWhenUnconfigured(t *testing.T) {
	api := newFakeAPI()
	cfg := checkoutConfig(memory.New())
	cfg.SuccessURL, cfg.CancelURL = "", ""
	p := newTestProvider(t, cfg, api)

	_, err := p.CheckoutURL(context.Background(), billing.CheckoutRequest{
		UserID:     testUserID,
		Email:      testEmail,
		SuccessURL: "https://origin.test/billing?status=success",
		CancelURL:  "https://origin.test/billing?status=cancel",
	})
	if err != nil {
		t.Fatalf("CheckoutURL() error = %v", err)
	}
	if got := stripe.StringValue(api.checkoutParams[0].SuccessURL); got != "https://origin.test/billing?status=success" {
		t.Errorf("SuccessURL = %q", got)
	}
}

func TestCheckoutURL_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func(*Config)
		req     billing.CheckoutRequest
		wantErr error
	}{
		{"missing user", nil, billing.CheckoutRequest{Email: testEmail}, billing.ErrMissingUserID},
		{"missing email", nil, billing.CheckoutRequest{UserID: testUserID}, billing.ErrMissingEmail},
		{
			"missing price",
			func(c *Config) { c.PriceID = "" },
			billing.CheckoutRequest{UserID: testUserID, Email: testEmail},
			billing.ErrPriceNotConfigured,
		},
		{
			"missing redirects",
			func(c *Config) { c.SuccessURL = "" },
			billing.CheckoutRequest{UserID: testUserID, Email: testEmail},
			billing.ErrProviderNotConfigured,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := checkoutConfig(memory.New())
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			api := newFakeAPI()
			p := newTestProvider(t, cfg, api)
			_, err := p.CheckoutURL(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CheckoutURL() error = %v, want %v", err, tt.wantErr)
			}
			if len(api.checkoutParams) != 0 {
				t.Error("checkout session created for invalid request")
			}
		})
	}
}

func TestCheckoutURL_StoreFailureDoesNotCreateSession(t *testing.T) {
	api := newFakeAPI()
	p := newTestProvider(t, checkoutConfig(brokenStore{}), api)

	_, err := p.CheckoutURL(context.Background(), billing.CheckoutRequest{UserID: testUserID, Email: testEmail})
	if !errors.Is(err, errBackendDown) {
		t.Fatalf("CheckoutURL() error = %v, want backend error", err)
	}
	if len(api.checkoutParams) != 0 {
		t.Error("checkout session created despite store failure")
	}
}

func TestCheckoutURL_APIError(t *testing.T) {
	api := newFakeAPI()
	api.createErr = errors.New("stripe unavailable")
	metrics := &recordingMetrics{}
	cfg := checkoutConfig(memory.New())
	cfg.Metrics = metrics
	p := newTestProvider(t, cfg, api)

	_, err := p.CheckoutURL(context.Background(), billing.CheckoutRequest{UserID: testUserID, Email: testEmail})
	if !errors.Is(err, billing.ErrProviderAPIError) {
		t.Fatalf("CheckoutURL() error = %v, want ErrProviderAPIError", err)
	}
	if len(metrics.api) != 1 || metrics.api[0] != endpointCheckout+":error" {
		t.Errorf("api calls = %v", metrics.api)
	}
}

func TestPortalURL_CreatesAndLinksCustomer(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.PutUser(ctx, &entitlement.UserEntitlement{
		InternalID: testUserID, Email: testEmail, Tier: entitlement.TierFree,
	}); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}
	api := newFakeAPI()
	cfg := checkoutConfig(store)
	cfg.PortalReturnURL = "https://app.test/billing?status=portal"
	p := newTestProvider(t, cfg, api)

	url, err := p.PortalURL(ctx, billing.PortalRequest{UserID: testUserID})
	if err != nil {
		t.Fatalf("PortalURL() error = %v", err)
	}
	if url != "https://billing.stripe.test/p/session" {
		t.Errorf("PortalURL() = %q", url)
	}
	if len(api.createdParams) != 1 {
		t.Fatalf("customers created = %d, want 1", len(api.createdParams))
	}
	created := api.createdParams[0]
	if stripe.StringValue(created.Email) != testEmail || created.Metadata["uid"] != testUserID {
		t.Errorf("customer params = %+v", created)
	}
	if got := stripe.StringValue(api.portalParams[0].Customer); got != "cus_created" {
		t.Errorf("portal customer = %q", got)
	}

	ent, err := store.GetByInternalID(ctx, testUserID)
	if err != nil {
		t.Fatalf("GetByInternalID() error = %v", err)
	}
	if ent.ExternalCustomerID != "cus_created" {
		t.Errorf("linked customer = %q, want cus_created", ent.ExternalCustomerID)
	}

	// Second portal visit reuses the linked customer
	if _, err := p.PortalURL(ctx, billing.PortalRequest{UserID: testUserID}); err != nil {
		t.Fatalf("PortalURL() error = %v", err)
	}
	if len(api.createdParams) != 1 {
		t.Errorf("customers created = %d, want 1", len(api.createdParams))
	}
}

func TestPortalURL_Validation(t *testing.T) {
	p := newTestProvider(t, checkoutConfig(memory.New()), newFakeAPI())

	if _, err := p.PortalURL(context.Background(), billing.PortalRequest{}); !errors.Is(err, billing.ErrMissingUserID) {
		t.Errorf("PortalURL() error = %v, want ErrMissingUserID", err)
	}
	if _, err := p.PortalURL(context.Background(), billing.PortalRequest{UserID: testUserID}); !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("PortalURL() error = %v, want ErrProviderNotConfigured", err)
	}
}

func TestFetchCustomerEmail(t *testing.T) {
	api := newFakeAPI()
	api.customers["cus_live"] = &stripe.Customer{ID: "cus_live", Email: " ada@example.com "}
	api.customers["cus_gone"] = &stripe.Customer{ID: "cus_gone", Deleted: true}
	p := newTestProvider(t, checkoutConfig(memory.New()), api)
	ctx := context.Background()

	email, err := p.FetchCustomerEmail(ctx, "cus_live")
	if err != nil || email != testEmail {
		t.Errorf("FetchCustomerEmail(live) = %q, %v", email, err)
	}
	for _, id := range []string{"cus_gone", "cus_missing", ""} {
		if _, err := p.FetchCustomerEmail(ctx, id); !errors.Is(err, entitlement.ErrCustomerNotFound) {
			t.Errorf("FetchCustomerEmail(%q) error = %v, want ErrCustomerNotFound", id, err)
		}
	}

	api.getErr = errors.New("connection reset")
	if _, err := p.FetchCustomerEmail(ctx, "cus_live"); !errors.Is(err, billing.ErrProviderAPIError) {
		t.Errorf("FetchCustomerEmail() error = %v, want ErrProviderAPIError", err)
	}
}

func TestNewProvider_RequiresConfiguration(t *testing.T) {
	if _, err := NewProvider(Config{Config: billing.Config{Store: memory.New()}}); !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("NewProvider() without key error = %v", err)
	}
	if _, err := NewProvider(Config{StripeAPIKey: "sk_test_123"}); !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("NewProvider() without store error = %v", err)
	}
	p, err := NewProvider(Config{Config: billing.Config{Store: memory.New()}, StripeAPIKey: "sk_test_123"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Name() != "stripe" || p.Reconciler() == nil {
		t.Errorf("provider = %s, reconciler = %v", p.Name(), p.Reconciler())
	}
}
