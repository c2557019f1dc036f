package stripe

import (
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

func TestDecodeEvent_CheckoutCompleted(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	payload := eventPayload(t, "evt_1", entitlement.EventCheckoutCompleted, created, map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"mode":                "subscription",
		"customer":            testCustomerID,
		"subscription":        map[string]any{"id": testSubID, "object": "subscription"},
		"client_reference_id": "ref_user",
		"customer_email":      "fallback@example.com",
		"customer_details":    map[string]any{"email": testEmail},
		"metadata":            map[string]string{"uid": testUserID},
	})

	ev, err := decodeEvent(payload)
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	got, ok := ev.(entitlement.CheckoutCompleted)
	if !ok {
		t.Fatalf("decodeEvent() = %T, want CheckoutCompleted", ev)
	}
	if !got.Created.Equal(created) {
		t.Errorf("Created = %v, want %v", got.Created, created)
	}
	got.Created = created
	want := entitlement.CheckoutCompleted{
		Envelope:               entitlement.Envelope{ID: "evt_1", Type: entitlement.EventCheckoutCompleted, Created: created},
		InternalUserID:         testUserID,
		ExternalCustomerID:     testCustomerID,
		ExternalSubscriptionID: testSubID,
		Email:                  testEmail,
		Mode:                   "subscription",
	}
	if got != want {
		t.Errorf("decodeEvent() = %+v, want %+v", got, want)
	}
}

func TestDecodeEvent_CheckoutUserIDFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		ref      string
		want     string
	}{
		{"uid wins", map[string]string{"uid": "a", "user_id": "b"}, "c", "a"},
		{"user_id", map[string]string{"user_id": "b"}, "c", "b"},
		{"client reference", nil, "c", "c"},
		{"none", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := eventPayload(t, "evt_1", entitlement.EventCheckoutCompleted, time.Now(), map[string]any{
				"mode":                "payment",
				"client_reference_id": tt.ref,
				"customer_email":      testEmail,
				"metadata":            tt.metadata,
			})
			ev, err := decodeEvent(payload)
			if err != nil {
				t.Fatalf("decodeEvent() error = %v", err)
			}
			got := ev.(entitlement.CheckoutCompleted)
			if got.InternalUserID != tt.want {
				t.Errorf("InternalUserID = %q, want %q", got.InternalUserID, tt.want)
			}
			if got.Email != testEmail {
				t.Errorf("Email = %q, want customer_email fallback", got.Email)
			}
		})
	}
}

func TestDecodeEvent_Subscription(t *testing.T) {
	sub := map[string]any{
		"id":       testSubID,
		"object":   "subscription",
		"customer": map[string]any{"id": testCustomerID, "object": "customer"},
		"status":   "past_due",
		"metadata": map[string]string{"user_id": testUserID},
	}

	for _, eventType := range []string{entitlement.EventSubscriptionCreated, entitlement.EventSubscriptionUpdated} {
		ev, err := decodeEvent(eventPayload(t, "evt_2", eventType, time.Now(), sub))
		if err != nil {
			t.Fatalf("decodeEvent(%s) error = %v", eventType, err)
		}
		got, ok := ev.(entitlement.SubscriptionUpdated)
		if !ok {
			t.Fatalf("decodeEvent(%s) = %T, want SubscriptionUpdated", eventType, ev)
		}
		if got.ExternalCustomerID != testCustomerID || got.ExternalSubscriptionID != testSubID ||
			got.Status != "past_due" || got.InternalUserID != testUserID {
			t.Errorf("decodeEvent(%s) = %+v", eventType, got)
		}
	}

	ev, err := decodeEvent(eventPayload(t, "evt_3", entitlement.EventSubscriptionDeleted, time.Now(), sub))
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	deleted, ok := ev.(entitlement.SubscriptionDeleted)
	if !ok {
		t.Fatalf("decodeEvent() = %T, want SubscriptionDeleted", ev)
	}
	if deleted.ExternalSubscriptionID != testSubID || deleted.ExternalCustomerID != testCustomerID {
		t.Errorf("decodeEvent() = %+v", deleted)
	}
}

func TestDecodeEvent_Invoice(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		invoice map[string]any
	}{
		{
			name: "legacy subscription field",
			typ:  entitlement.EventInvoicePaymentSucceeded,
			invoice: map[string]any{
				"id": "in_1", "customer": testCustomerID, "customer_email": testEmail, "subscription": testSubID,
			},
		},
		{
			name: "parent subscription details",
			typ:  entitlement.EventInvoicePaid,
			invoice: map[string]any{
				"id": "in_1", "customer": testCustomerID, "customer_email": testEmail,
				"parent": map[string]any{
					"type":                 "subscription_details",
					"subscription_details": map[string]any{"subscription": testSubID},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeEvent(eventPayload(t, "evt_4", tt.typ, time.Now(), tt.invoice))
			if err != nil {
				t.Fatalf("decodeEvent() error = %v", err)
			}
			got, ok := ev.(entitlement.InvoicePaymentSucceeded)
			if !ok {
				t.Fatalf("decodeEvent() = %T, want InvoicePaymentSucceeded", ev)
			}
			if got.InvoiceID != "in_1" || got.ExternalSubscriptionID != testSubID ||
				got.ExternalCustomerID != testCustomerID || got.Email != testEmail {
				t.Errorf("decodeEvent() = %+v", got)
			}
		})
	}
}

func TestDecodeEvent_Unhandled(t *testing.T) {
	ev, err := decodeEvent(eventPayload(t, "evt_5", "charge.refunded", time.Now(), map[string]any{"id": "ch_1"}))
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	got, ok := ev.(entitlement.Unhandled)
	if !ok {
		t.Fatalf("decodeEvent() = %T, want Unhandled", ev)
	}
	if got.RawType != "charge.refunded" || got.ID != "evt_5" {
		t.Errorf("decodeEvent() = %+v", got)
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `not json`},
		{"missing type", `{"id":"evt_1","data":{"object":{"id":"x"}}}`},
		{"missing data", `{"id":"evt_1","type":"checkout.session.completed"}`},
		{"bad object", `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"mode":42}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEvent([]byte(tt.payload))
			if !errors.Is(err, entitlement.ErrMalformedEvent) {
				t.Errorf("decodeEvent() error = %v, want ErrMalformedEvent", err)
			}
		})
	}
}
