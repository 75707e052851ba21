package stripe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/billingtest"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	store := memory.New()
	manager, err := subsync.NewManager(subsync.Config{Store: store, Admin: store})
	require.NoError(t, err)

	_, err = NewProvider(Config{Config: billing.Config{Manager: manager}})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured, "no api key and no client")

	p, err := NewProvider(Config{Config: billing.Config{Manager: manager}, StripeAPIKey: "sk_test_123"})
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())
	assert.NotNil(t, p.WebhookHandler())
	assert.IsType(t, &Client{}, p.Client())
}

func TestNewProvider_WrapsClientWithCircuitBreaker(t *testing.T) {
	store := memory.New()
	manager, err := subsync.NewManager(subsync.Config{Store: store, Admin: store})
	require.NoError(t, err)

	p, err := NewProvider(Config{
		Config: billing.Config{
			Manager:        manager,
			CircuitBreaker: subsync.NewDefaultCircuitBreaker(subsync.CircuitBreakerConfig{}),
		},
		Client: billingtest.NewFakeClient(),
	})
	require.NoError(t, err)
	assert.IsType(t, &billing.GuardedClient{}, p.Client())
}

func TestProvider_Cancel(t *testing.T) {
	seed := func(t *testing.T, f *fixture) {
		t.Helper()
		_, err := f.manager.Upsert(context.Background(), &subsync.SubscriptionWrite{
			ExternalSubscriptionID: "sub_1",
			UserID:                 subsync.Ptr(testUserID),
			Status:                 subsync.Ptr(subsync.StatusActive),
		}, subsync.TriggerWebhook)
		require.NoError(t, err)
	}

	t.Run("provider first then local", func(t *testing.T) {
		f := newFixture(t)
		seed(t, f)
		f.client.PutSubscription(ownedSubscription("sub_1", "active", periodStart, periodEnd))

		out, err := f.provider.CancelForUser(context.Background(), testUserID, subsync.TriggerUser)
		require.NoError(t, err)
		assert.True(t, out.Verified)

		updates := f.client.Updates()
		require.Len(t, updates, 1)
		require.NotNil(t, updates[0].CancelAtPeriodEnd)
		assert.True(t, *updates[0].CancelAtPeriodEnd)
		assert.Equal(t, subsync.StatusCanceled, f.row(t, "sub_1").Status)
	})

	t.Run("provider unreachable leaves local state", func(t *testing.T) {
		f := newFixture(t)
		seed(t, f)
		f.client.SetDown(true)

		_, err := f.provider.Cancel(context.Background(), "sub_1", subsync.TriggerAdmin)
		assert.ErrorIs(t, err, subsync.ErrProviderUnreachable)
		assert.Equal(t, subsync.StatusActive, f.row(t, "sub_1").Status)
	})

	t.Run("unknown at provider still cancels locally", func(t *testing.T) {
		f := newFixture(t)
		seed(t, f)

		out, err := f.provider.Cancel(context.Background(), "sub_1", subsync.TriggerAdmin)
		require.NoError(t, err)
		assert.True(t, out.Verified)
		assert.Equal(t, subsync.StatusCanceled, f.row(t, "sub_1").Status)
	})

	t.Run("no active subscription", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.provider.CancelForUser(context.Background(), "nobody", subsync.TriggerUser)
		assert.ErrorIs(t, err, subsync.ErrNoActiveSubscription)
	})
}

func TestCheckoutParams(t *testing.T) {
	f := newFixture(t)

	params, err := f.provider.checkoutParams(CheckoutRequest{
		UserID:     testUserID,
		PlanID:     "pro",
		SuccessURL: "https://example.com/ok",
		CancelURL:  "https://example.com/cancel",
	})
	require.NoError(t, err)

	require.Len(t, params.LineItems, 1)
	assert.Equal(t, "price_monthly", *params.LineItems[0].Price)
	assert.Equal(t, testUserID, *params.ClientReferenceID)
	assert.Equal(t, testUserID, params.Metadata[billing.MetadataUserID])
	assert.Equal(t, "pro", params.Metadata[billing.MetadataPlanID])
	assert.Equal(t, testUserID, params.SubscriptionData.Metadata[billing.MetadataUserID])
	assert.Equal(t, "pro", params.SubscriptionData.Metadata[billing.MetadataPlanID])
	assert.Nil(t, params.Customer)

	_, err = f.provider.checkoutParams(CheckoutRequest{UserID: testUserID, PlanID: "enterprise"})
	assert.ErrorIs(t, err, billing.ErrPlanNotConfigured)

	_, err = f.provider.CheckoutURL(context.Background(), CheckoutRequest{UserID: testUserID, PlanID: "pro"})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured, "fake client has no checkout api")
}
