package billing

import (
	"context"
	"net/http"
)

// CheckoutRequest describes a hosted checkout session for one application user
type CheckoutRequest struct {
	// UserID is embedded in the session so the completion webhook resolves directly
	UserID string

	// Email prefills the checkout form when no provider customer exists yet
	Email string

	// SuccessURL and CancelURL override the configured redirect targets
	SuccessURL string
	CancelURL  string
}

// PortalRequest describes a customer self-service portal session
type PortalRequest struct {
	UserID    string
	Email     string
	ReturnURL string
}

// Provider is the interface a billing backend exposes to the HTTP layer.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, decoding and reconciliation internally.
	WebhookHandler() http.Handler

	// CheckoutURL creates a hosted checkout session and returns its URL
	CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error)

	// PortalURL creates a customer portal session and returns its URL.
	// A provider customer is created and linked when the user has none.
	PortalURL(ctx context.Context, req PortalRequest) (string, error)
}
