package entitlement

import (
	"strings"
	"time"
)

// Tier is the entitlement level granted to a user
type Tier string

const (
	// TierFree is the default tier for users without a paid subscription
	TierFree Tier = "free"
	// TierPro is granted while the provider reports an entitled subscription
	TierPro Tier = "pro"
)

// Satisfies reports whether t grants at least the access of required.
// Unknown tiers rank as free.
func (t Tier) Satisfies(required Tier) bool {
	return tierRank(t) >= tierRank(required)
}

func tierRank(t Tier) int {
	if t == TierPro {
		return 1
	}
	return 0
}

// Provider-reported subscription statuses the decision table knows about.
// Any other status maps to TierFree.
const (
	StatusTrialing          = "trialing"
	StatusActive            = "active"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusUnpaid            = "unpaid"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusPaused            = "paused"

	// StatusPaid is recorded for one-time payment activations
	StatusPaid = "paid"
)

// UserEntitlement is the persisted entitlement record of one application user
type UserEntitlement struct {
	// InternalID is the application-owned primary key
	InternalID string

	// ExternalCustomerID is the payment provider's customer id (soft-unique)
	ExternalCustomerID string

	// ExternalSubscriptionID is the latest known subscription for the customer
	ExternalSubscriptionID string

	// Email is a best-effort secondary correlation key owned by the application
	Email string

	Tier       Tier
	TierStatus string

	// LastInvoiceID is the last invoice that activated the pro tier
	LastInvoiceID string

	// TierSince changes only when Tier changes
	TierSince time.Time

	// LastReconciledAt is the wall-clock time of the last entitlement write
	LastReconciledAt time.Time

	// LastEventAt is the provider creation time of the last applied event
	LastEventAt time.Time
}

// Patch is a partial update of the entitlement fields of a UserEntitlement.
// Nil pointer fields are left untouched by MergeWrite.
type Patch struct {
	Tier                   *Tier
	TierStatus             *string
	ExternalCustomerID     *string
	ExternalSubscriptionID *string
	LastInvoiceID          *string

	// ReconciledAt is stored as LastReconciledAt, and as TierSince when the tier changes
	ReconciledAt time.Time

	// EventAt is the provider event time. When non-zero, stores reject the patch
	// with ErrStaleEvent if the stored LastEventAt is strictly later.
	EventAt time.Time
}

// Apply merges the patch into ent. Stores that keep records in memory share
// this logic so the merge semantics stay identical across backends.
func (p *Patch) Apply(ent *UserEntitlement) {
	if p.Tier != nil {
		if ent.Tier != *p.Tier || ent.TierSince.IsZero() {
			ent.TierSince = p.ReconciledAt
		}
		ent.Tier = *p.Tier
	}
	if p.TierStatus != nil {
		ent.TierStatus = *p.TierStatus
	}
	if p.ExternalCustomerID != nil && *p.ExternalCustomerID != "" {
		ent.ExternalCustomerID = *p.ExternalCustomerID
	}
	if p.ExternalSubscriptionID != nil {
		ent.ExternalSubscriptionID = *p.ExternalSubscriptionID
	}
	if p.LastInvoiceID != nil {
		ent.LastInvoiceID = *p.LastInvoiceID
	}
	if !p.ReconciledAt.IsZero() {
		ent.LastReconciledAt = p.ReconciledAt
	}
	if !p.EventAt.IsZero() && p.EventAt.After(ent.LastEventAt) {
		ent.LastEventAt = p.EventAt
	}
}

// IsStale reports whether the patch carries an event older than the one last applied to ent
func (p *Patch) IsStale(ent *UserEntitlement) bool {
	if ent == nil || p.EventAt.IsZero() || ent.LastEventAt.IsZero() {
		return false
	}
	return p.EventAt.Before(ent.LastEventAt)
}

// NormalizeEmail returns the canonical form used for email correlation
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ReconciliationRecord is an audit entry for one applied entitlement change
type ReconciliationRecord struct {
	ID           string
	InternalID   string
	EventID      string
	EventType    string
	PreviousTier Tier
	NewTier      Tier
	TierStatus   string
	Method       ResolutionMethod
	EventAt      time.Time
	RecordedAt   time.Time
}

// TierChange describes an applied entitlement write. It is passed to the
// OnTierChange callback after the write has been persisted.
type TierChange struct {
	InternalID         string
	PreviousTier       Tier
	NewTier            Tier
	TierStatus         string
	ExternalCustomerID string
	EventID            string
	EventType          string
	EventAt            time.Time
}
