// Package billingtest provides an in-memory billing.Client for tests.
package billingtest

import (
	"context"
	"errors"
	"sync"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// ErrUnavailable is returned by FakeClient while it is marked down.
var ErrUnavailable = errors.New("provider unavailable")

// FakeClient is a billing.Client backed by maps. It is safe for concurrent use.
type FakeClient struct {
	mu            sync.Mutex
	subscriptions map[string]*billing.Subscription
	sessions      map[string]*billing.CheckoutSession
	down          bool
	calls         map[string]int
	updates       []billing.SubscriptionPatch
}

// NewFakeClient creates an empty fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		subscriptions: make(map[string]*billing.Subscription),
		sessions:      make(map[string]*billing.CheckoutSession),
		calls:         make(map[string]int),
	}
}

// PutSubscription stores or replaces a subscription.
func (f *FakeClient) PutSubscription(sub *billing.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *sub
	f.subscriptions[sub.ID] = &c
}

// DeleteSubscription makes the provider forget a subscription.
func (f *FakeClient) DeleteSubscription(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscriptions, id)
}

// PutSession stores or replaces a checkout session.
func (f *FakeClient) PutSession(s *billing.CheckoutSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *s
	f.sessions[s.ID] = &c
}

// SetDown makes every call return a transient failure.
func (f *FakeClient) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// Calls returns how often a method was called.
func (f *FakeClient) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Updates returns the patches applied so far.
func (f *FakeClient) Updates() []billing.SubscriptionPatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billing.SubscriptionPatch(nil), f.updates...)
}

func (f *FakeClient) RetrieveSubscription(_ context.Context, id string) billing.Lookup[billing.Subscription] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["RetrieveSubscription"]++
	if f.down {
		return billing.Transient[billing.Subscription](ErrUnavailable)
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return billing.NotFound[billing.Subscription]()
	}
	c := *sub
	return billing.Found(&c)
}

func (f *FakeClient) RetrieveCheckoutSession(_ context.Context, id string) billing.Lookup[billing.CheckoutSession] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["RetrieveCheckoutSession"]++
	if f.down {
		return billing.Transient[billing.CheckoutSession](ErrUnavailable)
	}
	s, ok := f.sessions[id]
	if !ok {
		return billing.NotFound[billing.CheckoutSession]()
	}
	c := *s
	return billing.Found(&c)
}

func (f *FakeClient) UpdateSubscription(_ context.Context, id string, patch billing.SubscriptionPatch) billing.Lookup[billing.Subscription] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateSubscription"]++
	if f.down {
		return billing.Transient[billing.Subscription](ErrUnavailable)
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return billing.NotFound[billing.Subscription]()
	}
	f.updates = append(f.updates, patch)
	if patch.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *patch.CancelAtPeriodEnd
	}
	for k, v := range patch.Metadata {
		if sub.Metadata == nil {
			sub.Metadata = make(map[string]string)
		}
		sub.Metadata[k] = v
	}
	c := *sub
	return billing.Found(&c)
}

// MonthlySubscription builds a provider subscription with one monthly item
// whose period bounds are start and end.
func MonthlySubscription(id, customer, status string, start, end int64) *billing.Subscription {
	sub := &billing.Subscription{
		ID:       id,
		Customer: billing.ExpandableID(customer),
		Status:   status,
	}
	sub.Items.Data = []billing.SubscriptionItem{{
		ID:                 "si_" + id,
		Price:              billing.Price{ID: "price_monthly", Recurring: &billing.Recurring{Interval: "month", IntervalCount: 1}},
		CurrentPeriodStart: billing.UnixField{Value: start, Valid: true},
		CurrentPeriodEnd:   billing.UnixField{Value: end, Valid: true},
	}}
	return sub
}
