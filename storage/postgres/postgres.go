// Package postgres provides a PostgreSQL implementation of the entitlement.Store interface.
// Merge writes run in a transaction with SELECT FOR UPDATE so the stale-event
// guard and the field merge are atomic per user.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// Schema creates the tables used by Storage. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS user_entitlements (
	internal_id              TEXT PRIMARY KEY,
	external_customer_id     TEXT NOT NULL DEFAULT '',
	external_subscription_id TEXT NOT NULL DEFAULT '',
	email                    TEXT NOT NULL DEFAULT '',
	tier                     TEXT NOT NULL DEFAULT 'free',
	tier_status              TEXT NOT NULL DEFAULT '',
	last_invoice_id          TEXT NOT NULL DEFAULT '',
	tier_since               TIMESTAMPTZ,
	last_reconciled_at       TIMESTAMPTZ,
	last_event_at            TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS user_entitlements_customer_idx
	ON user_entitlements (external_customer_id) WHERE external_customer_id <> '';
CREATE INDEX IF NOT EXISTS user_entitlements_email_idx
	ON user_entitlements (lower(email)) WHERE email <> '';

CREATE TABLE IF NOT EXISTS processed_events (
	event_id   TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliation_records (
	id            TEXT PRIMARY KEY,
	internal_id   TEXT NOT NULL,
	event_id      TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	previous_tier TEXT NOT NULL,
	new_tier      TEXT NOT NULL,
	tier_status   TEXT NOT NULL,
	method        TEXT NOT NULL,
	event_at      TIMESTAMPTZ,
	recorded_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS reconciliation_records_user_idx
	ON reconciliation_records (internal_id, recorded_at DESC);
`

const userColumns = `internal_id, external_customer_id, external_subscription_id, email,
	tier, tier_status, last_invoice_id, tier_since, last_reconciled_at, last_event_at`

// Storage implements entitlement.Store, entitlement.EventLedger and
// entitlement.AuditLog using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	AuditRetention  time.Duration // Age after which audit records are deleted (0 = keep)

	// Logger reports background cleanup failures (default: NoopLogger)
	Logger entitlement.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		AuditRetention:  365 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Create context for background cleanup worker
	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	// Start cleanup goroutine if enabled
	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup() // Stop the background cleanup routine
	}
	if s.pool != nil {
		s.pool.Close() // Close PG connection pool
	}
}

// PutUser stores a full record, as the application does at sign-up
func (s *Storage) PutUser(ctx context.Context, ent *entitlement.UserEntitlement) error {
	if ent == nil || ent.InternalID == "" {
		return fmt.Errorf("invalid user entitlement")
	}
	if err := s.upsertUser(ctx, s.pool, ent); err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// GetByInternalID implements entitlement.Store
func (s *Storage) GetByInternalID(ctx context.Context, internalID string) (*entitlement.UserEntitlement, error) {
	return s.queryUser(ctx, s.pool,
		`SELECT `+userColumns+` FROM user_entitlements WHERE internal_id = $1`, internalID)
}

// GetByExternalCustomerID implements entitlement.Store.
// When several users carry the customer id, the most recently reconciled wins.
func (s *Storage) GetByExternalCustomerID(ctx context.Context, customerID string) (*entitlement.UserEntitlement, error) {
	if customerID == "" {
		return nil, entitlement.ErrUserNotFound
	}
	return s.queryUser(ctx, s.pool,
		`SELECT `+userColumns+` FROM user_entitlements
			WHERE external_customer_id = $1
			ORDER BY last_reconciled_at DESC NULLS LAST
			LIMIT 1`, customerID)
}

// GetByEmail implements entitlement.Store
func (s *Storage) GetByEmail(ctx context.Context, email string) (*entitlement.UserEntitlement, error) {
	email = entitlement.NormalizeEmail(email)
	if email == "" {
		return nil, entitlement.ErrUserNotFound
	}
	return s.queryUser(ctx, s.pool,
		`SELECT `+userColumns+` FROM user_entitlements
			WHERE lower(email) = $1 AND email <> ''
			LIMIT 1`, email)
}

// MergeWrite implements entitlement.Store
func (s *Storage) MergeWrite(ctx context.Context, internalID string, patch *entitlement.Patch) error {
	if internalID == "" || patch == nil {
		return fmt.Errorf("invalid merge write")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Ensure the row exists so FOR UPDATE has something to lock
	if _, err := tx.Exec(ctx,
		`INSERT INTO user_entitlements (internal_id) VALUES ($1)
			ON CONFLICT (internal_id) DO NOTHING`, internalID); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	ent, err := s.queryUser(ctx, tx,
		`SELECT `+userColumns+` FROM user_entitlements WHERE internal_id = $1 FOR UPDATE`, internalID)
	if err != nil {
		return err
	}
	if patch.IsStale(ent) {
		return entitlement.ErrStaleEvent
	}
	patch.Apply(ent)

	if err := s.upsertUser(ctx, tx, ent); err != nil {
		return fmt.Errorf("failed to merge user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	return nil
}

// Claim implements entitlement.EventLedger. An expired claim can be taken again.
func (s *Storage) Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, expires_at) VALUES ($1, $2)
			ON CONFLICT (event_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
			WHERE processed_events.expires_at < $3`,
		eventID, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release implements entitlement.EventLedger
func (s *Storage) Release(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// AddReconciliationRecord implements entitlement.AuditLog
func (s *Storage) AddReconciliationRecord(ctx context.Context, record *entitlement.ReconciliationRecord) error {
	if record == nil || record.ID == "" || record.InternalID == "" {
		return fmt.Errorf("invalid reconciliation record")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconciliation_records
			(id, internal_id, event_id, event_type, previous_tier, new_tier, tier_status, method, event_at, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
		record.ID, record.InternalID, record.EventID, record.EventType,
		string(record.PreviousTier), string(record.NewTier), record.TierStatus, string(record.Method),
		nullTime(record.EventAt), record.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add reconciliation record: %w", err)
	}
	return nil
}

// ListReconciliationRecords implements entitlement.AuditLog. Newest first.
func (s *Storage) ListReconciliationRecords(ctx context.Context, internalID string,
	limit int) ([]*entitlement.ReconciliationRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, internal_id, event_id, event_type, previous_tier, new_tier, tier_status, method, event_at, recorded_at
			FROM reconciliation_records
			WHERE internal_id = $1
			ORDER BY recorded_at DESC, id DESC
			LIMIT $2`, internalID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation records: %w", err)
	}
	defer rows.Close()

	var records []*entitlement.ReconciliationRecord
	for rows.Next() {
		var (
			r                      entitlement.ReconciliationRecord
			previous, next, method string
			eventAt                *time.Time
		)
		if err := rows.Scan(&r.ID, &r.InternalID, &r.EventID, &r.EventType,
			&previous, &next, &r.TierStatus, &method, &eventAt, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation record: %w", err)
		}
		r.PreviousTier = entitlement.Tier(previous)
		r.NewTier = entitlement.Tier(next)
		r.Method = entitlement.ResolutionMethod(method)
		r.EventAt = derefTime(eventAt)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reconciliation records: %w", err)
	}
	return records, nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Storage) queryUser(ctx context.Context, q querier, sql string, arg string) (*entitlement.UserEntitlement, error) {
	var (
		ent                            entitlement.UserEntitlement
		tier                           string
		tierSince, reconciled, eventAt *time.Time
	)
	err := q.QueryRow(ctx, sql, arg).Scan(
		&ent.InternalID,
		&ent.ExternalCustomerID,
		&ent.ExternalSubscriptionID,
		&ent.Email,
		&tier,
		&ent.TierStatus,
		&ent.LastInvoiceID,
		&tierSince,
		&reconciled,
		&eventAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	ent.Tier = entitlement.Tier(tier)
	ent.TierSince = derefTime(tierSince)
	ent.LastReconciledAt = derefTime(reconciled)
	ent.LastEventAt = derefTime(eventAt)
	return &ent, nil
}

func (s *Storage) upsertUser(ctx context.Context, q querier, ent *entitlement.UserEntitlement) error {
	tier := ent.Tier
	if tier == "" {
		tier = entitlement.TierFree
	}
	_, err := q.Exec(ctx,
		`INSERT INTO user_entitlements (`+userColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (internal_id) DO UPDATE SET
				external_customer_id = EXCLUDED.external_customer_id,
				external_subscription_id = EXCLUDED.external_subscription_id,
				email = EXCLUDED.email,
				tier = EXCLUDED.tier,
				tier_status = EXCLUDED.tier_status,
				last_invoice_id = EXCLUDED.last_invoice_id,
				tier_since = EXCLUDED.tier_since,
				last_reconciled_at = EXCLUDED.last_reconciled_at,
				last_event_at = EXCLUDED.last_event_at`,
		ent.InternalID, ent.ExternalCustomerID, ent.ExternalSubscriptionID, ent.Email,
		string(tier), ent.TierStatus, ent.LastInvoiceID,
		nullTime(ent.TierSince), nullTime(ent.LastReconciledAt), nullTime(ent.LastEventAt),
	)
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// startCleanup runs periodic cleanup of expired records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanupExpiredRecords(ctx); err != nil && ctx.Err() == nil {
				s.config.Logger.Warn("PostgreSQL cleanup failed", entitlement.F("error", err))
			}
		}
	}
}

// cleanupExpiredRecords deletes expired event claims and aged audit records
func (s *Storage) cleanupExpiredRecords(ctx context.Context) error {
	now := time.Now().UTC()

	if _, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE expires_at < $1`, now); err != nil {
		return fmt.Errorf("failed to cleanup processed events: %w", err)
	}

	if s.config.AuditRetention > 0 {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM reconciliation_records WHERE recorded_at < $1`,
			now.Add(-s.config.AuditRetention)); err != nil {
			return fmt.Errorf("failed to cleanup reconciliation records: %w", err)
		}
	}

	return nil
}

// Cleanup can be called manually to clean up expired records
func (s *Storage) Cleanup(ctx context.Context) error {
	return s.cleanupExpiredRecords(ctx)
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
