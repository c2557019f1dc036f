package entitlement_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// fakeProvider is a PaymentProvider whose behavior is set per test
type fakeProvider struct {
	mu          sync.Mutex
	verifyErr   error
	event       entitlement.Event
	decodeErr   error
	emails      map[string]string
	fetchErr    error
	fetchCalls  int32
	decodePanic bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{emails: make(map[string]string)}
}

func (p *fakeProvider) VerifySignature(_ []byte, header string) error {
	if header == "" {
		return entitlement.ErrInvalidSignature
	}
	return p.verifyErr
}

func (p *fakeProvider) DecodeEvent(_ []byte) (entitlement.Event, error) {
	if p.decodePanic {
		panic("decoder exploded")
	}
	if p.decodeErr != nil {
		return nil, p.decodeErr
	}
	return p.event, nil
}

func (p *fakeProvider) FetchCustomerEmail(_ context.Context, customerID string) (string, error) {
	atomic.AddInt32(&p.fetchCalls, 1)
	if p.fetchErr != nil {
		return "", p.fetchErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	email, ok := p.emails[customerID]
	if !ok {
		return "", entitlement.ErrCustomerNotFound
	}
	return email, nil
}

// failingStore fails every call with err and counts writes
type failingStore struct {
	entitlement.Store
	err    error
	writes int32
}

func (s *failingStore) GetByInternalID(ctx context.Context, id string) (*entitlement.UserEntitlement, error) {
	return nil, s.err
}

func (s *failingStore) GetByExternalCustomerID(ctx context.Context, id string) (*entitlement.UserEntitlement, error) {
	return nil, s.err
}

func (s *failingStore) GetByEmail(ctx context.Context, email string) (*entitlement.UserEntitlement, error) {
	return nil, s.err
}

func (s *failingStore) MergeWrite(ctx context.Context, id string, p *entitlement.Patch) error {
	atomic.AddInt32(&s.writes, 1)
	return s.err
}

// blockingStore blocks every read until the context is done
type blockingStore struct {
	entitlement.Store
}

func (s *blockingStore) GetByInternalID(ctx context.Context, id string) (*entitlement.UserEntitlement, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *blockingStore) GetByExternalCustomerID(ctx context.Context, id string) (*entitlement.UserEntitlement, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var errBackend = errors.New("backend unavailable")

func envelope(id, typ string, created time.Time) entitlement.Envelope {
	return entitlement.Envelope{ID: id, Type: typ, Created: created}
}
