package billing

import (
	"errors"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPriceNotConfigured is returned when no price is configured for checkout
	ErrPriceNotConfigured = errors.New("price not configured")

	// ErrMissingUserID is returned when a session request carries no user id
	ErrMissingUserID = errors.New("missing user id")

	// ErrMissingEmail is returned when checkout is requested without an email
	ErrMissingEmail = errors.New("missing email")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = entitlement.ErrCustomerNotFound
)
