package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// fallbackTimeout bounds a shared fallback whose first caller had no deadline
const fallbackTimeout = 10 * time.Second

// ResolutionMethod names the correlation key that resolved an event
type ResolutionMethod string

const (
	MethodDirect   ResolutionMethod = "direct"
	MethodCustomer ResolutionMethod = "customer"
	MethodEmail    ResolutionMethod = "email"
)

// Resolution is the result of identity resolution
type Resolution struct {
	InternalID string
	Method     ResolutionMethod

	// Link is a customer id to persist on the resolved record so that future
	// events resolve by customer id. Empty when nothing needs linking.
	Link string
}

// Resolver maps event correlation data to exactly one internal user id
type Resolver struct {
	store     Store
	provider  PaymentProvider
	directory UserDirectory
	logger    Logger
	group     singleflight.Group
}

// NewResolver creates a resolver. provider and directory may be nil.
func NewResolver(store Store, provider PaymentProvider, directory UserDirectory, logger Logger) *Resolver {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Resolver{
		store:     store,
		provider:  provider,
		directory: directory,
		logger:    logger,
	}
}

// Resolve runs the direct id, customer id and email fallback chain. It returns
// ErrUnresolvable when every key is absent or unknown. Store and provider
// failures are returned as-is so the caller can retry.
func (r *Resolver) Resolve(ctx context.Context, c Correlation) (*Resolution, error) {
	if c.InternalUserID != "" {
		return &Resolution{
			InternalID: c.InternalUserID,
			Method:     MethodDirect,
			Link:       c.ExternalCustomerID,
		}, nil
	}

	if c.ExternalCustomerID != "" {
		ent, err := r.store.GetByExternalCustomerID(ctx, c.ExternalCustomerID)
		switch {
		case err == nil:
			return &Resolution{InternalID: ent.InternalID, Method: MethodCustomer}, nil
		case !errors.Is(err, ErrUserNotFound):
			return nil, fmt.Errorf("lookup by customer: %w", err)
		}

		// Fallbacks for the same customer and email share one lookup. The shared
		// call is detached from any single caller; each caller waits on its own ctx.
		key := c.ExternalCustomerID + "\x00" + NormalizeEmail(c.Email)
		ch := r.group.DoChan(key, func() (interface{}, error) {
			shared, cancel := detach(ctx)
			defer cancel()
			return r.resolveByEmail(shared, c)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case out := <-ch:
			if out.Err != nil {
				return nil, out.Err
			}
			res := *(out.Val.(*Resolution))
			return &res, nil
		}
	}

	return r.resolveByEmail(ctx, c)
}

func (r *Resolver) resolveByEmail(ctx context.Context, c Correlation) (*Resolution, error) {
	email := NormalizeEmail(c.Email)
	if email == "" && c.ExternalCustomerID != "" && r.provider != nil {
		fetched, err := r.provider.FetchCustomerEmail(ctx, c.ExternalCustomerID)
		switch {
		case err == nil:
			email = NormalizeEmail(fetched)
		case errors.Is(err, ErrCustomerNotFound):
			r.logger.Debug("Customer missing in provider",
				Field{"customer_id", c.ExternalCustomerID},
			)
		default:
			return nil, fmt.Errorf("fetch customer email: %w", err)
		}
	}
	if email == "" {
		return nil, ErrUnresolvable
	}

	ent, err := r.store.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return &Resolution{InternalID: ent.InternalID, Method: MethodEmail, Link: c.ExternalCustomerID}, nil
	case !errors.Is(err, ErrUserNotFound):
		return nil, fmt.Errorf("lookup by email: %w", err)
	}

	if r.directory == nil {
		return nil, ErrUnresolvable
	}
	internalID, err := r.directory.LookupByEmail(ctx, email)
	switch {
	case err == nil && internalID != "":
		return &Resolution{InternalID: internalID, Method: MethodEmail, Link: c.ExternalCustomerID}, nil
	case err == nil, errors.Is(err, ErrUserNotFound):
		return nil, ErrUnresolvable
	default:
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
}

// detach keeps ctx values and deadline but not its cancellation
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(base, deadline)
	}
	return context.WithTimeout(base, fallbackTimeout)
}
