package entitlement

import (
	"context"
	"time"
)

// Store defines the interface for persisting user entitlement records.
// Implementations must make MergeWrite atomic per record.
type Store interface {
	// GetByInternalID returns the record for an application user id
	GetByInternalID(ctx context.Context, internalID string) (*UserEntitlement, error)

	// GetByExternalCustomerID returns the most recently reconciled record
	// holding the provider customer id
	GetByExternalCustomerID(ctx context.Context, customerID string) (*UserEntitlement, error)

	// GetByEmail returns a record whose email matches case-insensitively
	GetByEmail(ctx context.Context, email string) (*UserEntitlement, error)

	// MergeWrite upserts the patch into the record of internalID. It returns
	// ErrStaleEvent when patch.EventAt is strictly before the stored LastEventAt.
	MergeWrite(ctx context.Context, internalID string, patch *Patch) error
}

// PaymentProvider is the subset of the payment-provider client the engine depends on
type PaymentProvider interface {
	// VerifySignature authenticates the raw payload against the signature header
	VerifySignature(payload []byte, header string) error

	// DecodeEvent parses a verified payload into an Event
	DecodeEvent(payload []byte) (Event, error)

	// FetchCustomerEmail returns the customer's email. A customer that is
	// missing or deleted yields ErrCustomerNotFound.
	FetchCustomerEmail(ctx context.Context, customerID string) (string, error)
}

// UserDirectory maps an email to an existing application user that has no
// entitlement record yet. Implementations must never invent users.
type UserDirectory interface {
	LookupByEmail(ctx context.Context, email string) (internalID string, err error)
}

// EventLedger records processed event ids so side effects run at most once
type EventLedger interface {
	// Claim reserves eventID. It returns false when the id was already claimed.
	Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// Release drops a claim so a redelivery can retry the side effect
	Release(ctx context.Context, eventID string) error
}

// AuditLog stores applied reconciliation records
type AuditLog interface {
	AddReconciliationRecord(ctx context.Context, record *ReconciliationRecord) error
	ListReconciliationRecords(ctx context.Context, internalID string, limit int) ([]*ReconciliationRecord, error)
}
