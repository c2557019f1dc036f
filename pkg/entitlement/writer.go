package entitlement

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// WriteRequest is one entitlement write produced by the dispatcher
type WriteRequest struct {
	InternalID string
	Decision   Decision
	EventAt    time.Time
	Link       string

	// Audit fields
	EventID   string
	EventType string
	Method    ResolutionMethod
}

// WriteResult reports what the writer did
type WriteResult struct {
	// Changed is false when the stored record already matched the decision
	Changed      bool
	PreviousTier Tier
	Entitlement  *UserEntitlement
}

// Writer applies tier decisions to the store with merge semantics
type Writer struct {
	store    Store
	audit    AuditLog
	logger   Logger
	now      func() time.Time
	staleOff bool
}

// WriterOption configures a Writer
type WriterOption func(*Writer)

// WithAuditLog records every applied change in log
func WithAuditLog(log AuditLog) WriterOption {
	return func(w *Writer) { w.audit = log }
}

// WithClock overrides the wall clock used for reconciliation timestamps
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithoutStaleGuard disables the event-time ordering check
func WithoutStaleGuard() WriterOption {
	return func(w *Writer) { w.staleOff = true }
}

// NewWriter creates an entitlement writer
func NewWriter(store Store, logger Logger, opts ...WriterOption) *Writer {
	if logger == nil {
		logger = &NoopLogger{}
	}
	w := &Writer{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Apply merges the decision into the user's record. Only entitlement fields
// are touched. A redelivered event that would not change the record issues
// no write.
func (w *Writer) Apply(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	if req.InternalID == "" {
		return nil, fmt.Errorf("write: empty internal id")
	}
	if req.Decision.NoOp {
		return &WriteResult{}, nil
	}

	current, err := w.store.GetByInternalID(ctx, req.InternalID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("read current entitlement: %w", err)
	}

	result := &WriteResult{PreviousTier: TierFree, Entitlement: current}
	if current != nil {
		if current.Tier != "" {
			result.PreviousTier = current.Tier
		}
		if w.matches(current, req) {
			return result, nil
		}
	}

	patch := w.patchFor(req)
	if current != nil && patch.IsStale(current) {
		return result, ErrStaleEvent
	}

	if err := w.store.MergeWrite(ctx, req.InternalID, patch); err != nil {
		if errors.Is(err, ErrStaleEvent) {
			return result, err
		}
		return nil, fmt.Errorf("merge write: %w", err)
	}

	updated := &UserEntitlement{InternalID: req.InternalID}
	if current != nil {
		c := *current
		updated = &c
	}
	patch.Apply(updated)
	result.Changed = true
	result.Entitlement = updated

	w.recordAudit(ctx, req, result)
	return result, nil
}

// LinkCustomer associates a provider customer id with a user. It never
// touches the tier.
func (w *Writer) LinkCustomer(ctx context.Context, internalID, customerID string) error {
	if internalID == "" || customerID == "" {
		return fmt.Errorf("link customer: empty id")
	}
	patch := &Patch{
		ExternalCustomerID: &customerID,
		ReconciledAt:       w.now().UTC(),
	}
	if err := w.store.MergeWrite(ctx, internalID, patch); err != nil {
		return fmt.Errorf("link customer: %w", err)
	}
	return nil
}

func (w *Writer) patchFor(req *WriteRequest) *Patch {
	d := req.Decision
	tier := d.Tier
	status := d.TierStatus
	patch := &Patch{
		Tier:         &tier,
		TierStatus:   &status,
		ReconciledAt: w.now().UTC(),
	}
	if !w.staleOff {
		patch.EventAt = req.EventAt.UTC()
	}
	if req.Link != "" {
		link := req.Link
		patch.ExternalCustomerID = &link
	}
	if d.ExternalSubscriptionID != "" {
		sub := d.ExternalSubscriptionID
		patch.ExternalSubscriptionID = &sub
	}
	if d.InvoiceID != "" {
		inv := d.InvoiceID
		patch.LastInvoiceID = &inv
	}
	return patch
}

// matches reports whether applying req would leave current unchanged
func (w *Writer) matches(current *UserEntitlement, req *WriteRequest) bool {
	d := req.Decision
	if current.Tier != d.Tier || current.TierStatus != d.TierStatus {
		return false
	}
	if !current.LastEventAt.Equal(req.EventAt.UTC()) && !w.staleOff {
		return false
	}
	if d.ExternalSubscriptionID != "" && current.ExternalSubscriptionID != d.ExternalSubscriptionID {
		return false
	}
	if d.InvoiceID != "" && current.LastInvoiceID != d.InvoiceID {
		return false
	}
	if req.Link != "" && current.ExternalCustomerID != req.Link {
		return false
	}
	return true
}

func (w *Writer) recordAudit(ctx context.Context, req *WriteRequest, result *WriteResult) {
	if w.audit == nil {
		return
	}
	now := w.now().UTC()
	record := &ReconciliationRecord{
		ID:           ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		InternalID:   req.InternalID,
		EventID:      req.EventID,
		EventType:    req.EventType,
		PreviousTier: result.PreviousTier,
		NewTier:      req.Decision.Tier,
		TierStatus:   req.Decision.TierStatus,
		Method:       req.Method,
		EventAt:      req.EventAt.UTC(),
		RecordedAt:   now,
	}
	if err := w.audit.AddReconciliationRecord(ctx, record); err != nil {
		w.logger.Warn("Failed to record reconciliation audit entry",
			Field{"user_id", req.InternalID},
			Field{"event_id", req.EventID},
			Field{"error", err},
		)
	}
}
