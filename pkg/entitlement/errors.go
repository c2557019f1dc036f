package entitlement

import "errors"

var (
	// ErrInvalidSignature is returned when the webhook signature is absent, the
	// secret is unconfigured, or the signature does not match the payload
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedEvent is returned when a verified payload is not a well-formed event
	ErrMalformedEvent = errors.New("malformed event payload")

	// ErrUnresolvable is returned when no correlation key maps to an internal user
	ErrUnresolvable = errors.New("identity unresolvable")

	// ErrStoreUnavailable is returned when the user store cannot serve a request
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUserNotFound is returned by store lookups that match no record
	ErrUserNotFound = errors.New("user not found")

	// ErrStaleEvent is returned by MergeWrite when a newer event was already applied
	ErrStaleEvent = errors.New("stale event")

	// ErrCustomerNotFound is returned when the provider has no such customer
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrCircuitOpen is returned when the store circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
