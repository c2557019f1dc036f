package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// stripeAPI is the subset of the Stripe API the provider calls
type stripeAPI interface {
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
}

// clientAPI adapts the stripe-go client to stripeAPI
type clientAPI struct {
	client *stripe.Client
}

func (c *clientAPI) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	return c.client.V1Customers.Retrieve(ctx, id, nil)
}

func (c *clientAPI) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	return c.client.V1Customers.Create(ctx, params)
}

func (c *clientAPI) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

func (c *clientAPI) CreatePortalSession(
	ctx context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	return c.client.V1BillingPortalSessions.Create(ctx, params)
}

// VerifySignature checks the Stripe-Signature header against the raw payload.
// A missing header or an unconfigured secret fails verification.
func (p *Provider) VerifySignature(payload []byte, header string) error {
	if p.webhookSecret == "" {
		return fmt.Errorf("%w: webhook secret not configured", entitlement.ErrInvalidSignature)
	}
	if strings.TrimSpace(header) == "" {
		return fmt.Errorf("%w: missing %s header", entitlement.ErrInvalidSignature, signatureHeader)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, p.webhookSecret, p.config.SignatureTolerance); err != nil {
		return fmt.Errorf("%w: %v", entitlement.ErrInvalidSignature, err)
	}
	return nil
}

// FetchCustomerEmail retrieves the email on file for a Stripe customer.
// Deleted and unknown customers return entitlement.ErrCustomerNotFound.
func (p *Provider) FetchCustomerEmail(ctx context.Context, customerID string) (string, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", entitlement.ErrCustomerNotFound
	}

	start := time.Now()
	ctx, cancel := p.apiContext(ctx)
	defer cancel()

	customer, err := p.api.GetCustomer(ctx, customerID)
	if err != nil {
		if isResourceMissing(err) {
			p.recordAPICall(endpointCustomers, "not_found", start)
			return "", entitlement.ErrCustomerNotFound
		}
		p.recordAPICall(endpointCustomers, "error", start)
		return "", fmt.Errorf("%w: retrieve customer: %v", billing.ErrProviderAPIError, err)
	}
	p.recordAPICall(endpointCustomers, "success", start)

	if customer == nil || customer.Deleted {
		return "", entitlement.ErrCustomerNotFound
	}
	return strings.TrimSpace(customer.Email), nil
}

// ensureCustomer returns the user's Stripe customer id, creating and linking
// a customer when the user has none
func (p *Provider) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	ent, err := p.store.GetByInternalID(ctx, userID)
	switch {
	case err == nil:
		if ent.ExternalCustomerID != "" {
			return ent.ExternalCustomerID, nil
		}
		if email == "" {
			email = ent.Email
		}
	case errors.Is(err, entitlement.ErrUserNotFound):
	default:
		return "", fmt.Errorf("failed to load user: %w", err)
	}

	start := time.Now()
	apiCtx, cancel := p.apiContext(ctx)
	defer cancel()

	params := &stripe.CustomerCreateParams{
		Metadata: map[string]string{metadataUserIDKey: userID},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	customer, err := p.api.CreateCustomer(apiCtx, params)
	if err != nil {
		p.recordAPICall(endpointCustomers, "error", start)
		return "", fmt.Errorf("%w: create customer: %v", billing.ErrProviderAPIError, err)
	}
	p.recordAPICall(endpointCustomers, "success", start)

	if err := p.reconciler.Writer().LinkCustomer(ctx, userID, customer.ID); err != nil {
		return "", fmt.Errorf("failed to link customer: %w", err)
	}
	p.logger.Info("Linked Stripe customer",
		entitlement.F("user_id", userID),
		entitlement.F("customer_id", customer.ID),
	)
	return customer.ID, nil
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}
