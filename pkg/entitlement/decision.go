package entitlement

import "strings"

// Decision is the outcome of the tier decision table
type Decision struct {
	// NoOp is true when the event does not change entitlement
	NoOp bool

	Tier       Tier
	TierStatus string

	// ExternalSubscriptionID is empty when the event carries no subscription
	ExternalSubscriptionID string

	// InvoiceID is set for invoice-driven activations
	InvoiceID string
}

// graceStatuses keep the paid tier while the provider retries payment
var graceStatuses = map[string]bool{
	StatusTrialing: true,
	StatusActive:   true,
	StatusPastDue:  true,
}

// NormalizeStatus lowercases and trims a provider status
func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// IsEntitledStatus reports whether a subscription status grants the paid tier
func IsEntitledStatus(status string) bool {
	return graceStatuses[NormalizeStatus(status)]
}

// Decide maps an event to a tier decision. It is pure and total over Event.
func Decide(ev Event) Decision {
	switch e := ev.(type) {
	case CheckoutCompleted:
		switch strings.ToLower(strings.TrimSpace(e.Mode)) {
		case CheckoutModeSubscription:
			return Decision{Tier: TierPro, TierStatus: StatusActive, ExternalSubscriptionID: e.ExternalSubscriptionID}
		case CheckoutModePayment:
			return Decision{Tier: TierPro, TierStatus: StatusPaid}
		default:
			return Decision{NoOp: true}
		}
	case SubscriptionUpdated:
		status := NormalizeStatus(e.Status)
		tier := TierFree
		if graceStatuses[status] {
			tier = TierPro
		}
		return Decision{Tier: tier, TierStatus: status, ExternalSubscriptionID: e.ExternalSubscriptionID}
	case SubscriptionDeleted:
		return Decision{Tier: TierFree, TierStatus: StatusCanceled, ExternalSubscriptionID: e.ExternalSubscriptionID}
	case InvoicePaymentSucceeded:
		return Decision{
			Tier:                   TierPro,
			TierStatus:             StatusActive,
			ExternalSubscriptionID: e.ExternalSubscriptionID,
			InvoiceID:              e.InvoiceID,
		}
	default:
		return Decision{NoOp: true}
	}
}
