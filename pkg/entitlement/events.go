package entitlement

import "time"

// Event types understood by the decoder. Anything else decodes to Unhandled.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaid             = "invoice.paid"
)

// Checkout session modes
const (
	CheckoutModeSubscription = "subscription"
	CheckoutModePayment      = "payment"
	CheckoutModeSetup        = "setup"
)

// Envelope carries the provider metadata shared by every event
type Envelope struct {
	ID      string
	Type    string
	Created time.Time
}

// Event is the closed set of decoded webhook events. The concrete types are
// CheckoutCompleted, SubscriptionUpdated, SubscriptionDeleted,
// InvoicePaymentSucceeded and Unhandled.
type Event interface {
	Meta() Envelope
	isEvent()
}

// CheckoutCompleted is emitted when a hosted checkout session finishes
type CheckoutCompleted struct {
	Envelope
	InternalUserID         string
	ExternalCustomerID     string
	ExternalSubscriptionID string
	Email                  string
	Mode                   string
}

// SubscriptionUpdated is emitted when a subscription is created or changes status
type SubscriptionUpdated struct {
	Envelope
	ExternalCustomerID     string
	ExternalSubscriptionID string
	Status                 string
	InternalUserID         string
}

// SubscriptionDeleted is emitted when a subscription ends
type SubscriptionDeleted struct {
	Envelope
	ExternalCustomerID     string
	ExternalSubscriptionID string
	InternalUserID         string
}

// InvoicePaymentSucceeded is emitted when an invoice is paid
type InvoicePaymentSucceeded struct {
	Envelope
	ExternalCustomerID     string
	ExternalSubscriptionID string
	InvoiceID              string
	Email                  string
}

// Unhandled is any event type the engine does not act on
type Unhandled struct {
	Envelope
	RawType string
}

func (e Envelope) Meta() Envelope { return e }

func (CheckoutCompleted) isEvent()       {}
func (SubscriptionUpdated) isEvent()     {}
func (SubscriptionDeleted) isEvent()     {}
func (InvoicePaymentSucceeded) isEvent() {}
func (Unhandled) isEvent()               {}

// Correlation is the identity data an event carries
type Correlation struct {
	InternalUserID     string
	ExternalCustomerID string
	Email              string
}

// CorrelationOf extracts the correlation keys carried by ev
func CorrelationOf(ev Event) Correlation {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return Correlation{InternalUserID: e.InternalUserID, ExternalCustomerID: e.ExternalCustomerID, Email: e.Email}
	case SubscriptionUpdated:
		return Correlation{InternalUserID: e.InternalUserID, ExternalCustomerID: e.ExternalCustomerID}
	case SubscriptionDeleted:
		return Correlation{InternalUserID: e.InternalUserID, ExternalCustomerID: e.ExternalCustomerID}
	case InvoicePaymentSucceeded:
		return Correlation{ExternalCustomerID: e.ExternalCustomerID, Email: e.Email}
	default:
		return Correlation{}
	}
}
