package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/tiersync/internal/config"
	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

var inspectLimit int

var inspectCmd = &cobra.Command{
	Use:   "inspect <user-id>",
	Short: "Print the stored entitlement and recent reconciliation records of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		// Diagnostics go to stderr so stdout stays valid JSON
		logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

		b, err := openBackend(cmd.Context(), cfg, &entitlement.NoopMetrics{}, logger)
		if err != nil {
			return err
		}
		defer func() { _ = b.Close(cmd.Context()) }()

		return inspectUser(cmd, b.store, args[0], inspectLimit)
	},
}

func init() {
	inspectCmd.Flags().IntVar(&inspectLimit, "limit", 10, "maximum reconciliation records to print")
}

type inspectOutput struct {
	UserID  string               `json:"user_id"`
	Found   bool                 `json:"found"`
	Record  *inspectRecord       `json:"record,omitempty"`
	Records []inspectAuditRecord `json:"reconciliation_records"`
}

type inspectRecord struct {
	Tier                   string     `json:"tier"`
	TierStatus             string     `json:"tier_status,omitempty"`
	ExternalCustomerID     string     `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string     `json:"external_subscription_id,omitempty"`
	Email                  string     `json:"email,omitempty"`
	LastInvoiceID          string     `json:"last_invoice_id,omitempty"`
	TierSince              *time.Time `json:"tier_since,omitempty"`
	LastReconciledAt       *time.Time `json:"last_reconciled_at,omitempty"`
	LastEventAt            *time.Time `json:"last_event_at,omitempty"`
}

type inspectAuditRecord struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	PreviousTier string    `json:"previous_tier"`
	NewTier      string    `json:"new_tier"`
	TierStatus   string    `json:"tier_status,omitempty"`
	Method       string    `json:"method"`
	RecordedAt   time.Time `json:"recorded_at"`
}

func inspectUser(cmd *cobra.Command, store backendStore, userID string, limit int) error {
	ctx := cmd.Context()
	out := inspectOutput{UserID: userID, Records: []inspectAuditRecord{}}

	ent, err := store.GetByInternalID(ctx, userID)
	switch {
	case errors.Is(err, entitlement.ErrUserNotFound):
	case err != nil:
		return fmt.Errorf("failed to read entitlement: %w", err)
	default:
		out.Found = true
		out.Record = &inspectRecord{
			Tier:                   string(ent.Tier),
			TierStatus:             ent.TierStatus,
			ExternalCustomerID:     ent.ExternalCustomerID,
			ExternalSubscriptionID: ent.ExternalSubscriptionID,
			Email:                  ent.Email,
			LastInvoiceID:          ent.LastInvoiceID,
			TierSince:              optionalTime(ent.TierSince),
			LastReconciledAt:       optionalTime(ent.LastReconciledAt),
			LastEventAt:            optionalTime(ent.LastEventAt),
		}
	}

	if limit > 0 {
		records, err := store.ListReconciliationRecords(ctx, userID, limit)
		if err != nil {
			return fmt.Errorf("failed to list reconciliation records: %w", err)
		}
		for _, r := range records {
			out.Records = append(out.Records, inspectAuditRecord{
				EventID:      r.EventID,
				EventType:    r.EventType,
				PreviousTier: string(r.PreviousTier),
				NewTier:      string(r.NewTier),
				TierStatus:   r.TierStatus,
				Method:       string(r.Method),
				RecordedAt:   r.RecordedAt,
			})
		}
	}

	return writeIndented(cmd.OutOrStdout(), out)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
