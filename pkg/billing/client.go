package billing

import (
	"context"
	"fmt"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// LookupStatus tags the outcome of a provider lookup.
type LookupStatus int

const (
	// LookupFound means the provider returned the object.
	LookupFound LookupStatus = iota + 1
	// LookupNotFound means the provider no longer knows the object.
	LookupNotFound
	// LookupTransient means the provider could not answer (timeout, 5xx, open circuit).
	LookupTransient
)

func (s LookupStatus) String() string {
	switch s {
	case LookupFound:
		return "found"
	case LookupNotFound:
		return "not_found"
	case LookupTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Lookup is the tagged result of a provider call. Callers switch on Status
// rather than inspecting provider error types.
type Lookup[T any] struct {
	Status LookupStatus
	Value  *T
	Err    error
}

// Found wraps a successfully retrieved object.
func Found[T any](v *T) Lookup[T] {
	return Lookup[T]{Status: LookupFound, Value: v}
}

// NotFound reports that the provider does not know the object.
func NotFound[T any]() Lookup[T] {
	return Lookup[T]{Status: LookupNotFound, Err: subsync.ErrNotFoundUpstream}
}

// Transient reports that the provider could not be reached. The returned
// error always matches subsync.ErrProviderUnreachable.
func Transient[T any](err error) Lookup[T] {
	return Lookup[T]{Status: LookupTransient, Err: fmt.Errorf("%w: %w", subsync.ErrProviderUnreachable, err)}
}

// SubscriptionPatch lists the subscription fields this module ever changes
// at the provider.
type SubscriptionPatch struct {
	CancelAtPeriodEnd *bool
	Metadata          map[string]string
}

// Client is the outbound view of a billing provider.
type Client interface {
	// RetrieveSubscription fetches the live subscription object.
	RetrieveSubscription(ctx context.Context, id string) Lookup[Subscription]

	// RetrieveCheckoutSession fetches a checkout session.
	RetrieveCheckoutSession(ctx context.Context, id string) Lookup[CheckoutSession]

	// UpdateSubscription applies a patch and returns the updated subscription.
	UpdateSubscription(ctx context.Context, id string, patch SubscriptionPatch) Lookup[Subscription]
}

// GuardedClient runs every call of the wrapped client through a circuit breaker.
// Only transient outcomes count as failures; a missing object is a valid answer.
type GuardedClient struct {
	next Client
	cb   subsync.CircuitBreaker
}

// NewGuardedClient wraps next with cb.
func NewGuardedClient(next Client, cb subsync.CircuitBreaker) *GuardedClient {
	return &GuardedClient{next: next, cb: cb}
}

func (g *GuardedClient) RetrieveSubscription(ctx context.Context, id string) Lookup[Subscription] {
	return guard(ctx, g.cb, func() Lookup[Subscription] { return g.next.RetrieveSubscription(ctx, id) })
}

func (g *GuardedClient) RetrieveCheckoutSession(ctx context.Context, id string) Lookup[CheckoutSession] {
	return guard(ctx, g.cb, func() Lookup[CheckoutSession] { return g.next.RetrieveCheckoutSession(ctx, id) })
}

func (g *GuardedClient) UpdateSubscription(ctx context.Context, id string, patch SubscriptionPatch) Lookup[Subscription] {
	return guard(ctx, g.cb, func() Lookup[Subscription] { return g.next.UpdateSubscription(ctx, id, patch) })
}

func guard[T any](ctx context.Context, cb subsync.CircuitBreaker, call func() Lookup[T]) Lookup[T] {
	var res Lookup[T]
	err := cb.Execute(ctx, func() error {
		res = call()
		if res.Status == LookupTransient {
			return res.Err
		}
		return nil
	})
	if err != nil && res.Status == 0 {
		return Transient[T](fmt.Errorf("%w: %w", subsync.ErrProviderUnreachable, err))
	}
	return res
}
