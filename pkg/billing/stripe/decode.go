package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// Metadata keys that may carry the application user id
var userIDMetadataKeys = []string{"uid", "user_id"}

// expandableID decodes a Stripe reference that is either an id string or an
// expanded object with an "id" field
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(strings.TrimSpace(obj.ID))
	return nil
}

// checkoutSession is the subset of a Checkout Session the engine reads
type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// subscription is the subset of a Subscription the engine reads
type subscription struct {
	ID       string            `json:"id"`
	Customer expandableID      `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// invoice is the subset of an Invoice the engine reads. Newer API versions
// moved the subscription reference under parent.subscription_details.
type invoice struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	CustomerEmail string       `json:"customer_email"`
	Subscription  expandableID `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (inv *invoice) subscriptionID() string {
	if inv.Subscription != "" {
		return string(inv.Subscription)
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// DecodeEvent parses a verified webhook payload into an entitlement.Event.
// Unknown event types decode to entitlement.Unhandled.
func (p *Provider) DecodeEvent(payload []byte) (entitlement.Event, error) {
	return decodeEvent(payload)
}

func decodeEvent(payload []byte) (entitlement.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", entitlement.ErrMalformedEvent, err)
	}
	eventType := strings.TrimSpace(string(event.Type))
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing type", entitlement.ErrMalformedEvent)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing data.object", entitlement.ErrMalformedEvent)
	}

	env := entitlement.Envelope{
		ID:      event.ID,
		Type:    eventType,
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Created == 0 {
		env.Created = time.Time{}
	}

	switch eventType {
	case entitlement.EventCheckoutCompleted:
		var s checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", entitlement.ErrMalformedEvent, err)
		}
		email := ""
		if s.CustomerDetails != nil {
			email = strings.TrimSpace(s.CustomerDetails.Email)
		}
		if email == "" {
			email = strings.TrimSpace(s.CustomerEmail)
		}
		internalID := userIDFromMetadata(s.Metadata)
		if internalID == "" {
			internalID = strings.TrimSpace(s.ClientReferenceID)
		}
		return entitlement.CheckoutCompleted{
			Envelope:               env,
			InternalUserID:         internalID,
			ExternalCustomerID:     string(s.Customer),
			ExternalSubscriptionID: string(s.Subscription),
			Email:                  email,
			Mode:                   s.Mode,
		}, nil

	case entitlement.EventSubscriptionCreated, entitlement.EventSubscriptionUpdated:
		var s subscription
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", entitlement.ErrMalformedEvent, err)
		}
		return entitlement.SubscriptionUpdated{
			Envelope:               env,
			ExternalCustomerID:     string(s.Customer),
			ExternalSubscriptionID: s.ID,
			Status:                 s.Status,
			InternalUserID:         userIDFromMetadata(s.Metadata),
		}, nil

	case entitlement.EventSubscriptionDeleted:
		var s subscription
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", entitlement.ErrMalformedEvent, err)
		}
		return entitlement.SubscriptionDeleted{
			Envelope:               env,
			ExternalCustomerID:     string(s.Customer),
			ExternalSubscriptionID: s.ID,
			InternalUserID:         userIDFromMetadata(s.Metadata),
		}, nil

	case entitlement.EventInvoicePaymentSucceeded, entitlement.EventInvoicePaid:
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", entitlement.ErrMalformedEvent, err)
		}
		return entitlement.InvoicePaymentSucceeded{
			Envelope:               env,
			ExternalCustomerID:     string(inv.Customer),
			ExternalSubscriptionID: inv.subscriptionID(),
			InvoiceID:              inv.ID,
			Email:                  strings.TrimSpace(inv.CustomerEmail),
		}, nil

	default:
		return entitlement.Unhandled{Envelope: env, RawType: eventType}, nil
	}
}

func userIDFromMetadata(md map[string]string) string {
	for _, key := range userIDMetadataKeys {
		if v := strings.TrimSpace(md[key]); v != "" {
			return v
		}
	}
	return ""
}
