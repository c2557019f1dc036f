package entitlement

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// CircuitBreaker defines the interface for a circuit breaker.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// Success records a successful execution.
	Success()
	// Failure records a failed execution.
	Failure(err error)
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker counts consecutive failures and fails fast once the
// threshold is reached. A single trial call is let through after ResetTimeout.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	now                 func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(config CircuitBreakerConfig,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if countsAsFailure(err) {
		cb.Failure(err)
		return err
	}

	cb.Success()
	return err
}

func (cb *DefaultCircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) Failure(_ error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	switch {
	case state == StateHalfOpen:
		cb.state = StateHalfOpen
		cb.changeState(StateOpen)
	case state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold:
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// countsAsFailure separates backend failures from domain answers
func countsAsFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrUserNotFound) &&
		!errors.Is(err, ErrStaleEvent) &&
		!errors.Is(err, context.Canceled)
}

// CircuitBreakerStore wraps a Store implementation with circuit breaker protection.
type CircuitBreakerStore struct {
	store Store
	cb    CircuitBreaker
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		store: store,
		cb:    cb,
	}
}

func (s *CircuitBreakerStore) GetByInternalID(ctx context.Context, internalID string) (*UserEntitlement, error) {
	var ent *UserEntitlement
	err := s.cb.Execute(ctx, func() error {
		var e error
		ent, e = s.store.GetByInternalID(ctx, internalID)
		return e
	})
	return ent, err
}

func (s *CircuitBreakerStore) GetByExternalCustomerID(ctx context.Context, customerID string) (*UserEntitlement, error) {
	var ent *UserEntitlement
	err := s.cb.Execute(ctx, func() error {
		var e error
		ent, e = s.store.GetByExternalCustomerID(ctx, customerID)
		return e
	})
	return ent, err
}

func (s *CircuitBreakerStore) GetByEmail(ctx context.Context, email string) (*UserEntitlement, error) {
	var ent *UserEntitlement
	err := s.cb.Execute(ctx, func() error {
		var e error
		ent, e = s.store.GetByEmail(ctx, email)
		return e
	})
	return ent, err
}

func (s *CircuitBreakerStore) MergeWrite(ctx context.Context, internalID string, patch *Patch) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.MergeWrite(ctx, internalID, patch)
	})
}
