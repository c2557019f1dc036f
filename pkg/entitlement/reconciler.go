package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the terminal outcome of one webhook delivery
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// State is the last processing state an event reached
type State string

const (
	StateReceived State = "received"
	StateVerified State = "verified"
	StateDecoded  State = "decoded"
	StateResolved State = "resolved"
	StateDecided  State = "decided"
	StateApplied  State = "applied"
)

// Skip and rejection reasons reported in Result.Reason and metrics
const (
	ReasonAuthFailed     = "auth_failed"
	ReasonMalformedEvent = "malformed_event"
	ReasonUnhandled      = "unhandled"
	ReasonUnresolvable   = "unresolvable"
	ReasonNoOp           = "no_op"
	ReasonUnchanged      = "unchanged"
	ReasonStaleEvent     = "stale_event"
	ReasonTimeout        = "timeout"
	ReasonPanic          = "panic"
	ReasonError          = "error"
	ReasonCallbackFailed = "callback_failed"
)

// Result describes how an event was processed
type Result struct {
	Outcome   Outcome
	State     State
	Reason    string
	EventID   string
	EventType string
	UserID    string
	Method    ResolutionMethod
	Decision  Decision
	Err       error
}

// TierChangeHandler is called once per event id after an applied write
type TierChangeHandler func(ctx context.Context, change TierChange) error

// Config holds reconciler configuration
type Config struct {
	// Timeout bounds the processing of one event (default: 10 seconds)
	Timeout time.Duration

	// DisableStaleEventGuard applies events regardless of their creation time
	DisableStaleEventGuard bool

	// Directory maps unknown emails to existing application users (optional)
	Directory UserDirectory

	// AuditLog records applied changes (optional)
	AuditLog AuditLog

	// OnTierChange is invoked after an applied write (optional). A failing
	// callback fails the delivery so the provider redelivers it; the redelivery
	// finds the record unchanged and runs only the callback.
	OnTierChange TierChangeHandler

	// Ledger guards OnTierChange against redelivery. Required when OnTierChange is set.
	Ledger EventLedger

	// LedgerTTL is how long claimed event ids are remembered (default: 30 days)
	LedgerTTL time.Duration

	// Metrics is used for tracking outcomes (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// Reconciler drives one webhook delivery through verification, decoding,
// identity resolution, decision and write
type Reconciler struct {
	provider PaymentProvider
	resolver *Resolver
	writer   *Writer
	config   Config
}

// NewReconciler creates a reconciler over store and provider
func NewReconciler(store Store, provider PaymentProvider, config Config) (*Reconciler, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	if provider == nil {
		return nil, fmt.Errorf("payment provider is required")
	}
	if config.OnTierChange != nil && config.Ledger == nil {
		return nil, fmt.Errorf("ledger is required when OnTierChange is set")
	}

	// Set defaults
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.LedgerTTL == 0 {
		config.LedgerTTL = 30 * 24 * time.Hour
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}

	opts := []WriterOption{}
	if config.AuditLog != nil {
		opts = append(opts, WithAuditLog(config.AuditLog))
	}
	if config.DisableStaleEventGuard {
		opts = append(opts, WithoutStaleGuard())
	}

	return &Reconciler{
		provider: provider,
		resolver: NewResolver(store, provider, config.Directory, config.Logger),
		writer:   NewWriter(store, config.Logger, opts...),
		config:   config,
	}, nil
}

// Writer returns the entitlement writer used by the reconciler
func (r *Reconciler) Writer() *Writer {
	return r.writer
}

// HandleDelivery verifies, decodes and reconciles one raw webhook payload
func (r *Reconciler) HandleDelivery(ctx context.Context, payload []byte, signature string) (result Result) {
	result = Result{State: StateReceived}
	defer func() {
		if p := recover(); p != nil {
			result = r.fail(result, ReasonPanic, fmt.Errorf("panic during reconciliation: %v", p))
		}
		r.finish(result)
	}()

	if err := r.provider.VerifySignature(payload, signature); err != nil {
		result.Outcome = OutcomeRejected
		result.Reason = ReasonAuthFailed
		result.Err = err
		r.config.Logger.Warn("Webhook signature verification failed",
			Field{"error", err},
		)
		return result
	}
	result.State = StateVerified

	ev, err := r.provider.DecodeEvent(payload)
	if err != nil {
		result.Outcome = OutcomeRejected
		result.Reason = ReasonMalformedEvent
		result.Err = err
		r.config.Logger.Warn("Malformed webhook event",
			Field{"error", err},
			Field{"payload_bytes", len(payload)},
		)
		return result
	}

	return r.reconcile(ctx, ev, result)
}

// Reconcile processes an already decoded event
func (r *Reconciler) Reconcile(ctx context.Context, ev Event) (result Result) {
	result = Result{State: StateVerified}
	defer func() {
		if p := recover(); p != nil {
			result = r.fail(result, ReasonPanic, fmt.Errorf("panic during reconciliation: %v", p))
		}
		r.finish(result)
	}()
	return r.reconcile(ctx, ev, result)
}

func (r *Reconciler) reconcile(ctx context.Context, ev Event, result Result) Result {
	meta := ev.Meta()
	result.State = StateDecoded
	result.EventID = meta.ID
	result.EventType = meta.Type

	if u, ok := ev.(Unhandled); ok {
		result.Outcome = OutcomeSkipped
		result.Reason = ReasonUnhandled
		r.config.Logger.Debug("Ignoring unhandled event type",
			Field{"event_id", meta.ID},
			Field{"event_type", u.RawType},
		)
		return result
	}

	decision := Decide(ev)
	if decision.NoOp {
		result.State = StateDecided
		result.Outcome = OutcomeSkipped
		result.Reason = ReasonNoOp
		result.Decision = decision
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	corr := CorrelationOf(ev)
	res, err := r.resolver.Resolve(ctx, corr)
	if err != nil {
		if errors.Is(err, ErrUnresolvable) {
			result.Outcome = OutcomeSkipped
			result.Reason = ReasonUnresolvable
			result.Err = err
			r.config.Logger.Warn("Skipping event with unresolvable identity",
				Field{"event_id", meta.ID},
				Field{"event_type", meta.Type},
				Field{"customer_id", corr.ExternalCustomerID},
				Field{"has_email", corr.Email != ""},
			)
			return result
		}
		return r.failWith(ctx, result, err)
	}
	result.State = StateResolved
	result.UserID = res.InternalID
	result.Method = res.Method
	r.config.Metrics.RecordResolution(res.Method)

	result.State = StateDecided
	result.Decision = decision

	wr, err := r.writer.Apply(ctx, &WriteRequest{
		InternalID: res.InternalID,
		Decision:   decision,
		EventAt:    meta.Created,
		Link:       res.Link,
		EventID:    meta.ID,
		EventType:  meta.Type,
		Method:     res.Method,
	})
	if err != nil {
		if errors.Is(err, ErrStaleEvent) {
			result.Outcome = OutcomeSkipped
			result.Reason = ReasonStaleEvent
			result.Err = err
			r.config.Logger.Info("Skipping stale event",
				Field{"event_id", meta.ID},
				Field{"event_type", meta.Type},
				Field{"user_id", res.InternalID},
				Field{"event_created", meta.Created},
			)
			return result
		}
		return r.failWith(ctx, result, err)
	}

	if !wr.Changed {
		result.Outcome = OutcomeSkipped
		result.Reason = ReasonUnchanged
		if r.config.OnTierChange == nil {
			return result
		}
		change, ok := r.pendingChange(ctx, meta, res, decision, wr)
		if !ok {
			return result
		}
		if err := r.notify(ctx, change); err != nil {
			return r.fail(result, ReasonCallbackFailed, err)
		}
		return result
	}

	result.State = StateApplied
	result.Outcome = OutcomeApplied
	if wr.PreviousTier != decision.Tier {
		r.config.Metrics.RecordTierChange(wr.PreviousTier, decision.Tier)
	}
	r.config.Logger.Info("Entitlement reconciled",
		Field{"event_id", meta.ID},
		Field{"event_type", meta.Type},
		Field{"user_id", res.InternalID},
		Field{"method", string(res.Method)},
		Field{"previous_tier", string(wr.PreviousTier)},
		Field{"tier", string(decision.Tier)},
		Field{"tier_status", decision.TierStatus},
	)

	if r.config.OnTierChange != nil {
		if err := r.notify(ctx, tierChangeOf(meta, res, decision, wr, wr.PreviousTier)); err != nil {
			return r.fail(result, ReasonCallbackFailed, err)
		}
	}
	return result
}

func tierChangeOf(meta Envelope, res *Resolution, decision Decision, wr *WriteResult, previous Tier) TierChange {
	customerID := res.Link
	if wr.Entitlement != nil && wr.Entitlement.ExternalCustomerID != "" {
		customerID = wr.Entitlement.ExternalCustomerID
	}
	return TierChange{
		InternalID:         res.InternalID,
		PreviousTier:       previous,
		NewTier:            decision.Tier,
		TierStatus:         decision.TierStatus,
		ExternalCustomerID: customerID,
		EventID:            meta.ID,
		EventType:          meta.Type,
		EventAt:            meta.Created,
	}
}

// pendingChange rebuilds the change an earlier delivery of this event applied.
// With an audit log the event must have an applied record, which also supplies
// the tier it replaced. Without one the ledger claim alone decides.
func (r *Reconciler) pendingChange(ctx context.Context, meta Envelope, res *Resolution,
	decision Decision, wr *WriteResult) (TierChange, bool) {
	if r.config.AuditLog == nil {
		return tierChangeOf(meta, res, decision, wr, wr.PreviousTier), true
	}

	records, err := r.config.AuditLog.ListReconciliationRecords(ctx, res.InternalID, pendingAuditScan)
	if err != nil {
		r.config.Logger.Warn("Failed to read audit log for callback retry",
			Field{"event_id", meta.ID},
			Field{"error", err},
		)
		return TierChange{}, false
	}
	for _, rec := range records {
		if rec.EventID == meta.ID {
			return tierChangeOf(meta, res, decision, wr, rec.PreviousTier), true
		}
	}
	return TierChange{}, false
}

// pendingAuditScan bounds how far back a redelivered event is looked up
const pendingAuditScan = 50

// notify runs the tier change callback at most once per event id. A failed
// callback releases its claim and is returned so the delivery fails.
func (r *Reconciler) notify(ctx context.Context, change TierChange) error {
	claimed, err := r.config.Ledger.Claim(ctx, change.EventID, r.config.LedgerTTL)
	if err != nil {
		return fmt.Errorf("claim event %s: %w", change.EventID, err)
	}
	if !claimed {
		r.config.Logger.Debug("Tier change callback already ran",
			Field{"event_id", change.EventID},
		)
		return nil
	}

	if err := r.config.OnTierChange(ctx, change); err != nil {
		if relErr := r.config.Ledger.Release(context.WithoutCancel(ctx), change.EventID); relErr != nil {
			r.config.Logger.Error("Failed to release ledger claim",
				Field{"event_id", change.EventID},
				Field{"error", relErr},
			)
		}
		return fmt.Errorf("tier change callback: %w", err)
	}
	return nil
}

func (r *Reconciler) failWith(ctx context.Context, result Result, err error) Result {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return r.fail(result, ReasonTimeout, fmt.Errorf("reconciliation timed out after %s: %w", r.config.Timeout, err))
	}
	return r.fail(result, ReasonError, err)
}

func (r *Reconciler) fail(result Result, reason string, err error) Result {
	result.Outcome = OutcomeFailed
	result.Reason = reason
	result.Err = err
	r.config.Logger.Error("Reconciliation failed",
		Field{"event_id", result.EventID},
		Field{"event_type", result.EventType},
		Field{"user_id", result.UserID},
		Field{"state", string(result.State)},
		Field{"reason", reason},
		Field{"error", err},
	)
	return result
}

func (r *Reconciler) finish(result Result) {
	reason := result.Reason
	if result.Outcome == OutcomeApplied {
		reason = ""
	}
	eventType := result.EventType
	if eventType == "" {
		eventType = "unknown"
	}
	r.config.Metrics.RecordOutcome(eventType, result.Outcome, reason)
}
