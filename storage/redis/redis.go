// Package redis provides a Redis implementation of the entitlement.Store interface.
// Merge writes run as a Lua script so the stale-event guard and the field
// merge happen atomically.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// Hash fields of a user record
const (
	fieldInternalID       = "internal_id"
	fieldCustomerID       = "customer_id"
	fieldSubscriptionID   = "subscription_id"
	fieldEmail            = "email"
	fieldTier             = "tier"
	fieldTierStatus       = "tier_status"
	fieldLastInvoiceID    = "last_invoice_id"
	fieldTierSince        = "tier_since"
	fieldLastReconciledAt = "last_reconciled_at"
	fieldLastEventAt      = "last_event_at"
)

const (
	mergeOK    = "ok"
	mergeStale = "stale"
)

// Storage implements entitlement.Store, entitlement.EventLedger and
// entitlement.AuditLog using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "tiersync:")
	KeyPrefix string

	// UserTTL expires user records (0 = no expiration). Set it when Redis
	// is used as a cache in front of another store.
	UserTTL time.Duration

	// MaxAuditRecords caps the audit list kept per user (default: 1000)
	MaxAuditRecords int64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "tiersync:",
		UserTTL:         0,
		MaxAuditRecords: 1000,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "tiersync:"
	}
	if config.MaxAuditRecords <= 0 {
		config.MaxAuditRecords = 1000
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	// Load Lua scripts
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Merge a patch into a user hash.
	// KEYS[1] user key, KEYS[2] customer index key
	// ARGV[1] event time (unix micro, 0 = none)
	// ARGV[2] reconciled time (unix micro, 0 = none)
	// ARGV[3] "1" when the tier is set, ARGV[4] tier
	// ARGV[5] internal id, ARGV[6] customer id ("" = unchanged)
	// ARGV[7] ttl in seconds (0 = none)
	// ARGV[8..] field/value pairs set verbatim
	s.scripts["merge"] = redis.NewScript(`
		local key = KEYS[1]
		local eventAt = tonumber(ARGV[1])
		local reconciledAt = tonumber(ARGV[2])
		local hasTier = ARGV[3] == '1'
		local tier = ARGV[4]
		local internalID = ARGV[5]
		local customerID = ARGV[6]
		local ttl = tonumber(ARGV[7])

		local last = tonumber(redis.call('HGET', key, 'last_event_at') or '0')
		if eventAt > 0 and last > 0 and eventAt < last then
			return 'stale'
		end

		if redis.call('EXISTS', key) == 0 then
			redis.call('HSET', key, 'internal_id', internalID, 'tier', 'free')
		end

		if hasTier then
			local current = redis.call('HGET', key, 'tier')
			local since = tonumber(redis.call('HGET', key, 'tier_since') or '0')
			if current ~= tier or since == 0 then
				redis.call('HSET', key, 'tier_since', ARGV[2])
			end
			redis.call('HSET', key, 'tier', tier)
		end

		if customerID ~= '' then
			redis.call('HSET', key, 'customer_id', customerID)
			redis.call('SET', KEYS[2], internalID)
		end

		for i = 8, #ARGV, 2 do
			redis.call('HSET', key, ARGV[i], ARGV[i + 1])
		end

		if reconciledAt > 0 then
			redis.call('HSET', key, 'last_reconciled_at', ARGV[2])
		end
		if eventAt > last then
			redis.call('HSET', key, 'last_event_at', ARGV[1])
		end

		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return 'ok'
	`)
}

// PutUser stores a full record and its lookup indexes, as the application
// does at sign-up. Also used to fill Redis from a colder store.
func (s *Storage) PutUser(ctx context.Context, ent *entitlement.UserEntitlement) error {
	if ent == nil || ent.InternalID == "" {
		return fmt.Errorf("invalid user entitlement")
	}

	key := s.userKey(ent.InternalID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		fieldInternalID:       ent.InternalID,
		fieldCustomerID:       ent.ExternalCustomerID,
		fieldSubscriptionID:   ent.ExternalSubscriptionID,
		fieldEmail:            ent.Email,
		fieldTier:             string(ent.Tier),
		fieldTierStatus:       ent.TierStatus,
		fieldLastInvoiceID:    ent.LastInvoiceID,
		fieldTierSince:        encodeTime(ent.TierSince),
		fieldLastReconciledAt: encodeTime(ent.LastReconciledAt),
		fieldLastEventAt:      encodeTime(ent.LastEventAt),
	})
	if s.config.UserTTL > 0 {
		pipe.Expire(ctx, key, s.config.UserTTL)
	}
	if ent.ExternalCustomerID != "" {
		pipe.Set(ctx, s.customerKey(ent.ExternalCustomerID), ent.InternalID, s.config.UserTTL)
	}
	if email := entitlement.NormalizeEmail(ent.Email); email != "" {
		pipe.Set(ctx, s.emailKey(email), ent.InternalID, s.config.UserTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// GetByInternalID implements entitlement.Store
func (s *Storage) GetByInternalID(ctx context.Context, internalID string) (*entitlement.UserEntitlement, error) {
	if internalID == "" {
		return nil, entitlement.ErrUserNotFound
	}

	fields, err := s.client.HGetAll(ctx, s.userKey(internalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(fields) == 0 {
		return nil, entitlement.ErrUserNotFound
	}
	return decodeUser(fields)
}

// GetByExternalCustomerID implements entitlement.Store.
// The index points at the user most recently linked to the customer.
func (s *Storage) GetByExternalCustomerID(ctx context.Context, customerID string) (*entitlement.UserEntitlement, error) {
	if customerID == "" {
		return nil, entitlement.ErrUserNotFound
	}
	return s.getByIndex(ctx, s.customerKey(customerID), func(ent *entitlement.UserEntitlement) bool {
		return ent.ExternalCustomerID == customerID
	})
}

// GetByEmail implements entitlement.Store
func (s *Storage) GetByEmail(ctx context.Context, email string) (*entitlement.UserEntitlement, error) {
	email = entitlement.NormalizeEmail(email)
	if email == "" {
		return nil, entitlement.ErrUserNotFound
	}
	return s.getByIndex(ctx, s.emailKey(email), func(ent *entitlement.UserEntitlement) bool {
		return entitlement.NormalizeEmail(ent.Email) == email
	})
}

// getByIndex follows an index key and verifies the record still matches,
// since index entries are not removed when a record changes
func (s *Storage) getByIndex(
	ctx context.Context, indexKey string, matches func(*entitlement.UserEntitlement) bool,
) (*entitlement.UserEntitlement, error) {
	internalID, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	ent, err := s.GetByInternalID(ctx, internalID)
	if err != nil {
		return nil, err
	}
	if !matches(ent) {
		return nil, entitlement.ErrUserNotFound
	}
	return ent, nil
}

// MergeWrite implements entitlement.Store
func (s *Storage) MergeWrite(ctx context.Context, internalID string, patch *entitlement.Patch) error {
	if internalID == "" || patch == nil {
		return fmt.Errorf("invalid merge write")
	}

	hasTier, tier := "0", ""
	if patch.Tier != nil {
		hasTier, tier = "1", string(*patch.Tier)
	}
	customerID := ""
	if patch.ExternalCustomerID != nil {
		customerID = *patch.ExternalCustomerID
	}
	ttl := int64(s.config.UserTTL / time.Second)

	args := []interface{}{
		encodeTime(patch.EventAt),
		encodeTime(patch.ReconciledAt),
		hasTier,
		tier,
		internalID,
		customerID,
		ttl,
	}
	if patch.TierStatus != nil {
		args = append(args, fieldTierStatus, *patch.TierStatus)
	}
	if patch.ExternalSubscriptionID != nil {
		args = append(args, fieldSubscriptionID, *patch.ExternalSubscriptionID)
	}
	if patch.LastInvoiceID != nil {
		args = append(args, fieldLastInvoiceID, *patch.LastInvoiceID)
	}

	keys := []string{s.userKey(internalID), s.customerKey(customerID)}
	result, err := s.scripts["merge"].Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("failed to merge user: %w", err)
	}
	if result == mergeStale {
		return entitlement.ErrStaleEvent
	}
	if result != mergeOK {
		return fmt.Errorf("unexpected merge result: %s", result)
	}
	return nil
}

// Claim implements entitlement.EventLedger
func (s *Storage) Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.claimKey(eventID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return ok, nil
}

// Release implements entitlement.EventLedger
func (s *Storage) Release(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, s.claimKey(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// auditEntry is the JSON form of an audit record
type auditEntry struct {
	ID           string    `json:"id"`
	InternalID   string    `json:"internalId"`
	EventID      string    `json:"eventId"`
	EventType    string    `json:"eventType"`
	PreviousTier string    `json:"previousTier"`
	NewTier      string    `json:"newTier"`
	TierStatus   string    `json:"tierStatus"`
	Method       string    `json:"method"`
	EventAt      time.Time `json:"eventAt"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// AddReconciliationRecord implements entitlement.AuditLog
func (s *Storage) AddReconciliationRecord(ctx context.Context, record *entitlement.ReconciliationRecord) error {
	if record == nil || record.InternalID == "" {
		return fmt.Errorf("invalid reconciliation record")
	}

	data, err := json.Marshal(auditEntry{
		ID:           record.ID,
		InternalID:   record.InternalID,
		EventID:      record.EventID,
		EventType:    record.EventType,
		PreviousTier: string(record.PreviousTier),
		NewTier:      string(record.NewTier),
		TierStatus:   record.TierStatus,
		Method:       string(record.Method),
		EventAt:      record.EventAt,
		RecordedAt:   record.RecordedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reconciliation record: %w", err)
	}

	key := s.auditKey(record.InternalID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.config.MaxAuditRecords-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add reconciliation record: %w", err)
	}
	return nil
}

// ListReconciliationRecords implements entitlement.AuditLog. Newest first.
func (s *Storage) ListReconciliationRecords(ctx context.Context, internalID string,
	limit int) ([]*entitlement.ReconciliationRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	items, err := s.client.LRange(ctx, s.auditKey(internalID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation records: %w", err)
	}

	records := make([]*entitlement.ReconciliationRecord, 0, len(items))
	for _, item := range items {
		var e auditEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reconciliation record: %w", err)
		}
		records = append(records, &entitlement.ReconciliationRecord{
			ID:           e.ID,
			InternalID:   e.InternalID,
			EventID:      e.EventID,
			EventType:    e.EventType,
			PreviousTier: entitlement.Tier(e.PreviousTier),
			NewTier:      entitlement.Tier(e.NewTier),
			TierStatus:   e.TierStatus,
			Method:       entitlement.ResolutionMethod(e.Method),
			EventAt:      e.EventAt,
			RecordedAt:   e.RecordedAt,
		})
	}
	return records, nil
}

func decodeUser(fields map[string]string) (*entitlement.UserEntitlement, error) {
	ent := &entitlement.UserEntitlement{
		InternalID:             fields[fieldInternalID],
		ExternalCustomerID:     fields[fieldCustomerID],
		ExternalSubscriptionID: fields[fieldSubscriptionID],
		Email:                  fields[fieldEmail],
		Tier:                   entitlement.Tier(fields[fieldTier]),
		TierStatus:             fields[fieldTierStatus],
		LastInvoiceID:          fields[fieldLastInvoiceID],
	}
	if ent.Tier == "" {
		ent.Tier = entitlement.TierFree
	}

	var err error
	if ent.TierSince, err = decodeTime(fields[fieldTierSince]); err != nil {
		return nil, err
	}
	if ent.LastReconciledAt, err = decodeTime(fields[fieldLastReconciledAt]); err != nil {
		return nil, err
	}
	if ent.LastEventAt, err = decodeTime(fields[fieldLastEventAt]); err != nil {
		return nil, err
	}
	return ent, nil
}

// encodeTime stores times as unix microseconds, exact within Lua's number range
func encodeTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func decodeTime(v string) (time.Time, error) {
	if v == "" || v == "0" {
		return time.Time{}, nil
	}
	micros, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", v, err)
	}
	return time.UnixMicro(micros).UTC(), nil
}

// Key generation helpers

func (s *Storage) userKey(internalID string) string {
	return fmt.Sprintf("%suser:%s", s.config.KeyPrefix, internalID)
}

func (s *Storage) customerKey(customerID string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerID)
}

func (s *Storage) emailKey(email string) string {
	return fmt.Sprintf("%semail:%s", s.config.KeyPrefix, email)
}

func (s *Storage) claimKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

func (s *Storage) auditKey(internalID string) string {
	return fmt.Sprintf("%saudit:%s", s.config.KeyPrefix, internalID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
