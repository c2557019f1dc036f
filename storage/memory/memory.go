// Package memory provides an in-memory implementation of the entitlement.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// Storage implements entitlement.Store, entitlement.EventLedger and
// entitlement.AuditLog using in-memory maps
type Storage struct {
	mu      sync.RWMutex
	users   map[string]*entitlement.UserEntitlement
	claims  map[string]time.Time
	records map[string][]*entitlement.ReconciliationRecord
	now     func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:   make(map[string]*entitlement.UserEntitlement),
		claims:  make(map[string]time.Time),
		records: make(map[string][]*entitlement.ReconciliationRecord),
		now:     time.Now,
	}
}

// PutUser stores a full record, as the application does at sign-up
func (s *Storage) PutUser(_ context.Context, ent *entitlement.UserEntitlement) error {
	if ent == nil || ent.InternalID == "" {
		return fmt.Errorf("invalid user entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entCopy := *ent
	s.users[ent.InternalID] = &entCopy
	return nil
}

// GetByInternalID implements entitlement.Store
func (s *Storage) GetByInternalID(_ context.Context, internalID string) (*entitlement.UserEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.users[internalID]
	if !ok {
		return nil, entitlement.ErrUserNotFound
	}

	// Return a copy to prevent external mutations
	entCopy := *ent
	return &entCopy, nil
}

// GetByExternalCustomerID implements entitlement.Store
func (s *Storage) GetByExternalCustomerID(_ context.Context, customerID string) (*entitlement.UserEntitlement, error) {
	if customerID == "" {
		return nil, entitlement.ErrUserNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *entitlement.UserEntitlement
	for _, ent := range s.users {
		if ent.ExternalCustomerID != customerID {
			continue
		}
		if found == nil || ent.LastReconciledAt.After(found.LastReconciledAt) {
			found = ent
		}
	}
	if found == nil {
		return nil, entitlement.ErrUserNotFound
	}
	entCopy := *found
	return &entCopy, nil
}

// GetByEmail implements entitlement.Store
func (s *Storage) GetByEmail(_ context.Context, email string) (*entitlement.UserEntitlement, error) {
	email = entitlement.NormalizeEmail(email)
	if email == "" {
		return nil, entitlement.ErrUserNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ent := range s.users {
		if entitlement.NormalizeEmail(ent.Email) == email {
			entCopy := *ent
			return &entCopy, nil
		}
	}
	return nil, entitlement.ErrUserNotFound
}

// MergeWrite implements entitlement.Store
func (s *Storage) MergeWrite(_ context.Context, internalID string, patch *entitlement.Patch) error {
	if internalID == "" || patch == nil {
		return fmt.Errorf("invalid merge write")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.users[internalID]
	if !ok {
		ent = &entitlement.UserEntitlement{InternalID: internalID, Tier: entitlement.TierFree}
	}
	if patch.IsStale(ent) {
		return entitlement.ErrStaleEvent
	}

	updated := *ent
	patch.Apply(&updated)
	s.users[internalID] = &updated
	return nil
}

// Claim implements entitlement.EventLedger
func (s *Storage) Claim(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiresAt, ok := s.claims[eventID]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.claims[eventID] = now.Add(ttl)
	return true, nil
}

// Release implements entitlement.EventLedger
func (s *Storage) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claims, eventID)
	return nil
}

// AddReconciliationRecord implements entitlement.AuditLog
func (s *Storage) AddReconciliationRecord(_ context.Context, record *entitlement.ReconciliationRecord) error {
	if record == nil || record.InternalID == "" {
		return fmt.Errorf("invalid reconciliation record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recordCopy := *record
	s.records[record.InternalID] = append(s.records[record.InternalID], &recordCopy)
	return nil
}

// ListReconciliationRecords implements entitlement.AuditLog. Records are
// returned newest first.
func (s *Storage) ListReconciliationRecords(_ context.Context, internalID string,
	limit int) ([]*entitlement.ReconciliationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.records[internalID]
	out := make([]*entitlement.ReconciliationRecord, 0, len(stored))
	for _, r := range stored {
		rCopy := *r
		out = append(out, &rCopy)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Directory implements entitlement.UserDirectory over a fixed email map,
// standing in for the application's account system
type Directory struct {
	mu      sync.RWMutex
	byEmail map[string]string
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{byEmail: make(map[string]string)}
}

// Add registers an application user
func (d *Directory) Add(internalID, email string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byEmail[entitlement.NormalizeEmail(email)] = internalID
}

// LookupByEmail implements entitlement.UserDirectory
func (d *Directory) LookupByEmail(_ context.Context, email string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byEmail[entitlement.NormalizeEmail(email)]
	if !ok {
		return "", entitlement.ErrUserNotFound
	}
	return id, nil
}
