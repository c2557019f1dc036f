// Package tiered provides a Hot/Cold tiered storage adapter that puts a fast
// cache (Hot) in front of a durable store of record (Cold).
//
// Strategies per operation:
//   - Read-Through: GetByInternalID (Hot → Cold → populate Hot)
//   - Cold-First: customer and email lookups, which must see the most recent holder
//   - Write-Through: MergeWrite (Cold, then refresh Hot from Cold)
//   - Hot-Primary: event ledger claims when Hot supports them
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// Cache types reported to entitlement.Metrics
const (
	cacheInternalID = "internal_id"
	cacheCustomer   = "customer"
	cacheEmail      = "email"
)

// HotStore is a store that can be populated with full records
type HotStore interface {
	entitlement.Store
	PutUser(ctx context.Context, ent *entitlement.UserEntitlement) error
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory)
	Hot HotStore

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold entitlement.Store

	// AsyncRefresh refreshes Hot after a write in the background. If false,
	// the refresh happens before MergeWrite returns.
	AsyncRefresh bool

	// SyncBufferSize is the size of the buffered channel for async refreshes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot refresh fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)

	// Metrics receives cache hit and miss counts (default: NoopMetrics)
	Metrics entitlement.Metrics
}

// Storage implements entitlement.Store over a Hot/Cold pair
type Storage struct {
	hot     HotStore
	cold    entitlement.Store
	conf    Config
	metrics entitlement.Metrics

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}
	if config.Metrics == nil {
		config.Metrics = &entitlement.NoopMetrics{}
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		metrics:   config.Metrics,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncRefresh {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending refreshes and stops the worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncRefresh {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background refresh loop.
// Jobs run sequentially so refreshes of one user apply in write order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.runJob(job)
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.runJob(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) runJob(job func() error) {
	if err := job(); err != nil {
		s.reportError(err)
	}
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered refresh failed: %w", err))
	}
}

// GetByInternalID implements entitlement.Store with read-through strategy.
func (s *Storage) GetByInternalID(ctx context.Context, internalID string) (*entitlement.UserEntitlement, error) {
	ent, err := s.hot.GetByInternalID(ctx, internalID)
	if err == nil {
		s.metrics.RecordCacheHit(cacheInternalID)
		return ent, nil
	}
	s.metrics.RecordCacheMiss(cacheInternalID)

	ent, err = s.cold.GetByInternalID(ctx, internalID)
	if err != nil {
		return nil, err
	}

	// Read-repair; a failed fill only costs the next read a miss
	if err := s.hot.PutUser(ctx, ent); err != nil {
		s.reportError(err)
	}
	return ent, nil
}

// GetByExternalCustomerID implements entitlement.Store. Hot may hold only a
// subset of the holders of a customer id, so Cold answers.
func (s *Storage) GetByExternalCustomerID(ctx context.Context, customerID string) (*entitlement.UserEntitlement, error) {
	s.metrics.RecordCacheMiss(cacheCustomer)
	ent, err := s.cold.GetByExternalCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, ent)
	return ent, nil
}

// GetByEmail implements entitlement.Store. Cold answers, as for customer ids.
func (s *Storage) GetByEmail(ctx context.Context, email string) (*entitlement.UserEntitlement, error) {
	s.metrics.RecordCacheMiss(cacheEmail)
	ent, err := s.cold.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, ent)
	return ent, nil
}

// MergeWrite implements entitlement.Store with write-through strategy.
// Cold applies the merge and its stale guard. Hot is then overwritten with
// the merged Cold record.
func (s *Storage) MergeWrite(ctx context.Context, internalID string, patch *entitlement.Patch) error {
	if err := s.cold.MergeWrite(ctx, internalID, patch); err != nil {
		return err
	}

	refresh := func(ctx context.Context) error {
		ent, err := s.cold.GetByInternalID(ctx, internalID)
		if err != nil {
			return err
		}
		return s.hot.PutUser(ctx, ent)
	}

	if !s.conf.AsyncRefresh {
		if err := refresh(ctx); err != nil {
			s.reportError(err)
		}
		return nil
	}

	// The request context ends with the webhook; refreshes outlive it
	detached := context.WithoutCancel(ctx)
	select {
	case s.syncQueue <- func() error { return refresh(detached) }:
	default:
		s.reportError(fmt.Errorf("sync queue full, hot record of %s left stale", internalID))
	}
	return nil
}

// PutUser writes a full record to Cold and then Hot. Cold must support PutUser.
func (s *Storage) PutUser(ctx context.Context, ent *entitlement.UserEntitlement) error {
	cold, ok := s.cold.(HotStore)
	if !ok {
		return fmt.Errorf("tiered storage: cold store does not support PutUser")
	}
	if err := cold.PutUser(ctx, ent); err != nil {
		return err
	}
	return s.hot.PutUser(ctx, ent)
}

// Claim implements entitlement.EventLedger on Hot when possible, else Cold.
func (s *Storage) Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ledger, err := s.ledger()
	if err != nil {
		return false, err
	}
	return ledger.Claim(ctx, eventID, ttl)
}

// Release implements entitlement.EventLedger
func (s *Storage) Release(ctx context.Context, eventID string) error {
	ledger, err := s.ledger()
	if err != nil {
		return err
	}
	return ledger.Release(ctx, eventID)
}

// AddReconciliationRecord implements entitlement.AuditLog on Cold
func (s *Storage) AddReconciliationRecord(ctx context.Context, record *entitlement.ReconciliationRecord) error {
	audit, ok := s.cold.(entitlement.AuditLog)
	if !ok {
		return fmt.Errorf("tiered storage: cold store has no audit log")
	}
	return audit.AddReconciliationRecord(ctx, record)
}

// ListReconciliationRecords implements entitlement.AuditLog on Cold
func (s *Storage) ListReconciliationRecords(ctx context.Context, internalID string,
	limit int) ([]*entitlement.ReconciliationRecord, error) {
	audit, ok := s.cold.(entitlement.AuditLog)
	if !ok {
		return nil, fmt.Errorf("tiered storage: cold store has no audit log")
	}
	return audit.ListReconciliationRecords(ctx, internalID, limit)
}

func (s *Storage) ledger() (entitlement.EventLedger, error) {
	if l, ok := s.hot.(entitlement.EventLedger); ok {
		return l, nil
	}
	if l, ok := s.cold.(entitlement.EventLedger); ok {
		return l, nil
	}
	return nil, fmt.Errorf("tiered storage: no event ledger available")
}

func (s *Storage) fill(ctx context.Context, ent *entitlement.UserEntitlement) {
	if err := s.hot.PutUser(ctx, ent); err != nil {
		s.reportError(err)
	}
}
