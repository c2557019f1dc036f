package entitlement

import "time"

// Metrics defines the interface for tracking reconciliation outcomes.
type Metrics interface {
	// RecordOutcome records the terminal outcome of one event.
	// reason is empty for applied events.
	RecordOutcome(eventType string, outcome Outcome, reason string)

	// RecordResolution records which correlation key resolved an event.
	RecordResolution(method ResolutionMethod)

	// RecordTierChange records a persisted tier transition.
	RecordTierChange(fromTier, toTier Tier)

	// RecordCacheHit records a hot-tier hit for a lookup kind (e.g., "internal_id", "customer").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a hot-tier miss for a lookup kind.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a store call.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordOutcome(eventType string, outcome Outcome, reason string)             {}
func (n *NoopMetrics) RecordResolution(method ResolutionMethod)                                   {}
func (n *NoopMetrics) RecordTierChange(fromTier, toTier Tier)                                     {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
