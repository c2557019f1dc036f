package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// CheckoutURL creates a subscription Checkout Session for the configured
// price and returns its URL. The user id travels in the session and
// subscription metadata so completion events resolve directly.
func (p *Provider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	userID := strings.TrimSpace(req.UserID)
	email := strings.TrimSpace(req.Email)
	if userID == "" {
		return "", billing.ErrMissingUserID
	}
	if email == "" {
		return "", billing.ErrMissingEmail
	}
	priceID := strings.TrimSpace(p.config.PriceID)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, endpointCheckout, "price_not_configured")
		return "", billing.ErrPriceNotConfigured
	}
	successURL := firstNonEmpty(p.config.SuccessURL, req.SuccessURL)
	cancelURL := firstNonEmpty(p.config.CancelURL, req.CancelURL)
	if successURL == "" || cancelURL == "" {
		return "", fmt.Errorf("%w: checkout redirect URLs", billing.ErrProviderNotConfigured)
	}

	// Only a missing user is tolerated. Any other store error fails the
	// request so a second Stripe customer is never created for the user.
	customerID := ""
	ent, err := p.store.GetByInternalID(ctx, userID)
	switch {
	case err == nil:
		customerID = ent.ExternalCustomerID
	case errors.Is(err, entitlement.ErrUserNotFound):
	default:
		p.metrics.RecordAPICall(providerName, endpointCheckout, "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	metadata := map[string]string{metadataUserIDKey: userID}
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:          stripe.String(successURL),
		CancelURL:           stripe.String(cancelURL),
		ClientReferenceID:   stripe.String(userID),
		AllowPromotionCodes: stripe.Bool(!p.config.DisablePromotionCodes),
		Metadata:            metadata,
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{metadataUserIDKey: userID},
		},
	}

	// Stripe accepts either an existing customer or a prefill email
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.CustomerEmail = stripe.String(email)
	}

	start := time.Now()
	apiCtx, cancel := p.apiContext(ctx)
	defer cancel()

	session, err := p.api.CreateCheckoutSession(apiCtx, params)
	if err != nil {
		p.recordAPICall(endpointCheckout, "error", start)
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}
	p.recordAPICall(endpointCheckout, "success", start)

	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal session and returns its URL.
// A customer is created and linked to the user when none exists yet.
func (p *Provider) PortalURL(ctx context.Context, req billing.PortalRequest) (string, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return "", billing.ErrMissingUserID
	}
	returnURL := firstNonEmpty(p.config.PortalReturnURL, req.ReturnURL)
	if returnURL == "" {
		return "", fmt.Errorf("%w: portal return URL", billing.ErrProviderNotConfigured)
	}

	customerID, err := p.ensureCustomer(ctx, userID, strings.TrimSpace(req.Email))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpointBillingPortal, "customer_resolution_failed")
		return "", err
	}

	start := time.Now()
	apiCtx, cancel := p.apiContext(ctx)
	defer cancel()

	session, err := p.api.CreatePortalSession(apiCtx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		p.recordAPICall(endpointBillingPortal, "error", start)
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrProviderAPIError, err)
	}
	p.recordAPICall(endpointBillingPortal, "success", start)

	return session.URL, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
