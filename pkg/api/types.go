package api

import "time"

// EntitlementResponse is the current entitlement of one user
type EntitlementResponse struct {
	UserID           string     `json:"user_id"`
	Tier             string     `json:"tier"`
	TierStatus       string     `json:"tier_status,omitempty"`
	TierSince        *time.Time `json:"tier_since,omitempty"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
}

// CheckoutRequest is the body of POST /api/checkout
type CheckoutRequest struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// PortalRequest is the body of POST /api/customer-portal
type PortalRequest struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
}

// SessionResponse carries a hosted checkout or portal URL
type SessionResponse struct {
	URL string `json:"url"`
}
