// Package firestore provides a Firestore implementation of the entitlement.Store interface.
// User records live in one document per application user, keyed by the internal id.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// Document fields of a user record
const (
	fieldCustomerID       = "stripeCustomerId"
	fieldSubscriptionID   = "stripeSubscriptionId"
	fieldTierStatus       = "stripeSubscriptionStatus"
	fieldEmail            = "email"
	fieldEmailNormalized  = "emailNormalized"
	fieldTier             = "planTier"
	fieldLastInvoiceID    = "lastInvoiceId"
	fieldTierSince        = "proSince"
	fieldLastReconciledAt = "lastReconciledAt"
	fieldLastEventAt      = "lastEventAt"
)

// Storage implements entitlement.Store, entitlement.EventLedger and
// entitlement.AuditLog using Google Cloud Firestore
type Storage struct {
	client            *firestore.Client
	usersCollection   string
	eventsCollection  string
	recordsCollection string
	now               func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the collection holding user documents
	// Default: "users"
	UsersCollection string

	// EventsCollection is the collection for processed event ids
	// Default: "processed_events"
	EventsCollection string

	// RecordsCollection is the collection for reconciliation audit records
	// Default: "reconciliation_records"
	RecordsCollection string
}

// NewClient opens a Firestore client for projectID. An empty credentialsFile
// uses application default credentials, or the emulator when
// FIRESTORE_EMULATOR_HOST is set.
func NewClient(ctx context.Context, projectID, credentialsFile string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("firestore project id is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return client, nil
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "processed_events"
	}
	if config.RecordsCollection == "" {
		config.RecordsCollection = "reconciliation_records"
	}

	return &Storage{
		client:            client,
		usersCollection:   config.UsersCollection,
		eventsCollection:  config.EventsCollection,
		recordsCollection: config.RecordsCollection,
		now:               time.Now,
	}, nil
}

// PutUser writes a full user document, as the application does at sign-up
func (s *Storage) PutUser(ctx context.Context, ent *entitlement.UserEntitlement) error {
	if ent == nil || ent.InternalID == "" {
		return fmt.Errorf("invalid user entitlement")
	}

	if _, err := s.userDoc(ent.InternalID).Set(ctx, toData(ent)); err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// GetByInternalID implements entitlement.Store
func (s *Storage) GetByInternalID(ctx context.Context, internalID string) (*entitlement.UserEntitlement, error) {
	if internalID == "" {
		return nil, entitlement.ErrUserNotFound
	}

	snap, err := s.userDoc(internalID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrUserNotFound
	}
	return fromData(internalID, snap.Data()), nil
}

// GetByExternalCustomerID implements entitlement.Store. Requires a composite
// index on (stripeCustomerId, lastReconciledAt desc). Documents written before
// lastReconciledAt existed drop out of the ordered query, so an empty result
// is retried without the ordering.
func (s *Storage) GetByExternalCustomerID(ctx context.Context, customerID string) (*entitlement.UserEntitlement, error) {
	if customerID == "" {
		return nil, entitlement.ErrUserNotFound
	}

	users := s.client.Collection(s.usersCollection)
	return s.firstOf(ctx,
		users.Where(fieldCustomerID, "==", customerID).OrderBy(fieldLastReconciledAt, firestore.Desc).Limit(1),
		users.Where(fieldCustomerID, "==", customerID).Limit(1),
	)
}

// GetByEmail implements entitlement.Store. Documents created by the
// application carry only the raw email, so the normalized field is tried
// first and the email field after it.
func (s *Storage) GetByEmail(ctx context.Context, email string) (*entitlement.UserEntitlement, error) {
	normalized := entitlement.NormalizeEmail(email)
	if normalized == "" {
		return nil, entitlement.ErrUserNotFound
	}

	users := s.client.Collection(s.usersCollection)
	queries := []firestore.Query{
		users.Where(fieldEmailNormalized, "==", normalized).Limit(1),
		users.Where(fieldEmail, "==", normalized).Limit(1),
	}
	if raw := strings.TrimSpace(email); raw != normalized {
		queries = append(queries, users.Where(fieldEmail, "==", raw).Limit(1))
	}
	return s.firstOf(ctx, queries...)
}

// MergeWrite implements entitlement.Store. The read, the stale check and the
// write run in one transaction.
func (s *Storage) MergeWrite(ctx context.Context, internalID string, patch *entitlement.Patch) error {
	if internalID == "" || patch == nil {
		return fmt.Errorf("invalid merge write")
	}

	ref := s.userDoc(internalID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		ent := &entitlement.UserEntitlement{InternalID: internalID, Tier: entitlement.TierFree}

		snap, err := tx.Get(ref)
		switch {
		case err == nil && snap.Exists():
			ent = fromData(internalID, snap.Data())
		case err != nil && status.Code(err) != codes.NotFound:
			return fmt.Errorf("failed to read user: %w", err)
		}

		if patch.IsStale(ent) {
			return entitlement.ErrStaleEvent
		}
		patch.Apply(ent)

		return tx.Set(ref, mergeData(ent), firestore.MergeAll)
	})
	if err != nil {
		if errors.Is(err, entitlement.ErrStaleEvent) {
			return entitlement.ErrStaleEvent
		}
		return fmt.Errorf("failed to merge entitlement: %w", err)
	}
	return nil
}

// Claim implements entitlement.EventLedger. An expired claim can be taken again.
func (s *Storage) Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}

	ref := s.client.Collection(s.eventsCollection).Doc(eventID)
	claimed := false
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		claimed = false
		now := s.now().UTC()

		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			if now.Before(getTime(snap.Data(), "expiresAt")) {
				return nil
			}
		}

		claimed = true
		return tx.Set(ref, map[string]interface{}{
			"claimedAt": now,
			"expiresAt": now.Add(ttl),
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return claimed, nil
}

// Release implements entitlement.EventLedger
func (s *Storage) Release(ctx context.Context, eventID string) error {
	if _, err := s.client.Collection(s.eventsCollection).Doc(eventID).Delete(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// AddReconciliationRecord implements entitlement.AuditLog
func (s *Storage) AddReconciliationRecord(ctx context.Context, record *entitlement.ReconciliationRecord) error {
	if record == nil || record.InternalID == "" {
		return fmt.Errorf("invalid reconciliation record")
	}

	coll := s.client.Collection(s.recordsCollection)
	ref := coll.NewDoc()
	if record.ID != "" {
		ref = coll.Doc(record.ID)
	}

	_, err := ref.Create(ctx, map[string]interface{}{
		"internalId":   record.InternalID,
		"eventId":      record.EventID,
		"eventType":    record.EventType,
		"previousTier": string(record.PreviousTier),
		"newTier":      string(record.NewTier),
		"tierStatus":   record.TierStatus,
		"method":       string(record.Method),
		"eventAt":      record.EventAt,
		"recordedAt":   record.RecordedAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return fmt.Errorf("failed to add reconciliation record: %w", err)
	}
	return nil
}

// ListReconciliationRecords implements entitlement.AuditLog. Records are
// returned newest first.
func (s *Storage) ListReconciliationRecords(ctx context.Context, internalID string,
	limit int) ([]*entitlement.ReconciliationRecord, error) {
	q := s.client.Collection(s.recordsCollection).
		Where("internalId", "==", internalID).
		OrderBy("recordedAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation records: %w", err)
	}

	records := make([]*entitlement.ReconciliationRecord, 0, len(docs))
	for _, doc := range docs {
		data := doc.Data()
		records = append(records, &entitlement.ReconciliationRecord{
			ID:           doc.Ref.ID,
			InternalID:   getString(data, "internalId"),
			EventID:      getString(data, "eventId"),
			EventType:    getString(data, "eventType"),
			PreviousTier: entitlement.Tier(getString(data, "previousTier")),
			NewTier:      entitlement.Tier(getString(data, "newTier")),
			TierStatus:   getString(data, "tierStatus"),
			Method:       entitlement.ResolutionMethod(getString(data, "method")),
			EventAt:      getTime(data, "eventAt"),
			RecordedAt:   getTime(data, "recordedAt"),
		})
	}
	return records, nil
}

// firstOf returns the first match of the first query that has one
func (s *Storage) firstOf(ctx context.Context, queries ...firestore.Query) (*entitlement.UserEntitlement, error) {
	for _, q := range queries {
		ent, err := s.first(ctx, q)
		if errors.Is(err, entitlement.ErrUserNotFound) {
			continue
		}
		return ent, err
	}
	return nil, entitlement.ErrUserNotFound
}

func (s *Storage) first(ctx context.Context, q firestore.Query) (*entitlement.UserEntitlement, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	return fromData(snap.Ref.ID, snap.Data()), nil
}

func (s *Storage) userDoc(internalID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(internalID)
}

// mergeData holds the entitlement-owned fields. Email belongs to the
// application and is only written by PutUser.
func mergeData(ent *entitlement.UserEntitlement) map[string]interface{} {
	data := map[string]interface{}{
		fieldTier:           string(ent.Tier),
		fieldTierStatus:     ent.TierStatus,
		fieldSubscriptionID: ent.ExternalSubscriptionID,
		fieldLastInvoiceID:  ent.LastInvoiceID,
	}
	if ent.ExternalCustomerID != "" {
		data[fieldCustomerID] = ent.ExternalCustomerID
	}
	setTime(data, fieldTierSince, ent.TierSince)
	setTime(data, fieldLastReconciledAt, ent.LastReconciledAt)
	setTime(data, fieldLastEventAt, ent.LastEventAt)
	return data
}

func toData(ent *entitlement.UserEntitlement) map[string]interface{} {
	data := mergeData(ent)
	data[fieldCustomerID] = ent.ExternalCustomerID
	data[fieldEmail] = ent.Email
	data[fieldEmailNormalized] = entitlement.NormalizeEmail(ent.Email)
	return data
}

func fromData(internalID string, data map[string]interface{}) *entitlement.UserEntitlement {
	ent := &entitlement.UserEntitlement{
		InternalID:             internalID,
		ExternalCustomerID:     getString(data, fieldCustomerID),
		ExternalSubscriptionID: getString(data, fieldSubscriptionID),
		Email:                  getString(data, fieldEmail),
		Tier:                   entitlement.Tier(getString(data, fieldTier)),
		TierStatus:             getString(data, fieldTierStatus),
		LastInvoiceID:          getString(data, fieldLastInvoiceID),
		TierSince:              getTime(data, fieldTierSince),
		LastReconciledAt:       getTime(data, fieldLastReconciledAt),
		LastEventAt:            getTime(data, fieldLastEventAt),
	}
	if ent.Tier == "" {
		ent.Tier = entitlement.TierFree
	}
	return ent
}

func setTime(data map[string]interface{}, key string, t time.Time) {
	if !t.IsZero() {
		data[key] = t.UTC()
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
