package entitlement

import (
	"context"
	"time"
)

// InstrumentedStore records the latency and errors of every store call
type InstrumentedStore struct {
	store   Store
	metrics Metrics
}

// NewInstrumentedStore wraps store with storage operation metrics
func NewInstrumentedStore(store Store, metrics Metrics) *InstrumentedStore {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if countsAsFailure(err) {
		s.metrics.RecordStorageOperation(op, time.Since(start), err)
		return
	}
	s.metrics.RecordStorageOperation(op, time.Since(start), nil)
}

func (s *InstrumentedStore) GetByInternalID(ctx context.Context, internalID string) (*UserEntitlement, error) {
	start := time.Now()
	ent, err := s.store.GetByInternalID(ctx, internalID)
	s.observe("get_by_internal_id", start, err)
	return ent, err
}

func (s *InstrumentedStore) GetByExternalCustomerID(ctx context.Context, customerID string) (*UserEntitlement, error) {
	start := time.Now()
	ent, err := s.store.GetByExternalCustomerID(ctx, customerID)
	s.observe("get_by_customer_id", start, err)
	return ent, err
}

func (s *InstrumentedStore) GetByEmail(ctx context.Context, email string) (*UserEntitlement, error) {
	start := time.Now()
	ent, err := s.store.GetByEmail(ctx, email)
	s.observe("get_by_email", start, err)
	return ent, err
}

func (s *InstrumentedStore) MergeWrite(ctx context.Context, internalID string, patch *Patch) error {
	start := time.Now()
	err := s.store.MergeWrite(ctx, internalID, patch)
	s.observe("merge_write", start, err)
	return err
}
