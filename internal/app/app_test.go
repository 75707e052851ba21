package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/billingtest"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const testWebhookSecret = "whsec_app_test"

func testConfig(backend string) *config.Config {
	return &config.Config{
		LogFormat: "json",
		Storage: config.StorageConfig{
			Backend: backend,
		},
		Stripe: config.StripeConfig{
			SecretKey:         "sk_test_123",
			WebhookSecret:     testWebhookSecret,
			Timeout:           time.Second,
			RateLimitRequests: -1,
			BreakerThreshold:  5,
			BreakerReset:      time.Second,
		},
		Identity: config.IdentityConfig{UserHeader: "X-User-ID", RoleHeader: "X-User-Role"},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *billingtest.FakeClient) {
	t.Helper()
	client := billingtest.NewFakeClient()
	a, err := New(context.Background(), cfg, Options{
		Logger:     zerolog.Nop(),
		Registerer: prometheus.NewRegistry(),
		Client:     client,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, client
}

func serve(a *App, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	return rec
}

func signedEvent(t *testing.T, id, eventType string, object any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set(stripe.SignatureHeader, signed.Header)
	return req
}

func TestNew_Memory(t *testing.T) {
	a, _ := newTestApp(t, testConfig(config.BackendMemory))

	rec := serve(a, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(a, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), testConfig("mongo"), Options{
		Logger:     zerolog.Nop(),
		Registerer: prometheus.NewRegistry(),
	})
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestNew_MissingCatalog(t *testing.T) {
	cfg := testConfig(config.BackendMemory)
	cfg.Stripe.PlanCatalog = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg, Options{
		Logger:     zerolog.Nop(),
		Registerer: prometheus.NewRegistry(),
	})
	assert.Error(t, err)
}

func TestApp_WebhookToAccessCheck(t *testing.T) {
	cfg := testConfig(config.BackendSQLite)
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "subsync.db")
	a, client := newTestApp(t, cfg)

	start := time.Now().Add(-time.Hour).Unix()
	sub := billingtest.MonthlySubscription("sub_app_1", "cus_1", "active", start, start+2592000)
	sub.Metadata = map[string]string{billing.MetadataUserID: "user_1", billing.MetadataPlanID: "pro"}
	client.PutSubscription(sub)

	rec := serve(a, signedEvent(t, "evt_1", stripe.EventSubscriptionUpdated, sub))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/v1/subscriptions/me", nil)
	req.Header.Set("X-User-ID", "user_1")
	rec = serve(a, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got subsync.Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "sub_app_1", got.ExternalSubscriptionID)
	assert.Equal(t, subsync.StatusActive, got.Status)

	// Deletion at the provider revokes access.
	rec = serve(a, signedEvent(t, "evt_2", stripe.EventSubscriptionDeleted, map[string]any{
		"id": "sub_app_1", "object": "subscription", "status": "canceled",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, err := a.Manager.CheckAccess(context.Background(), "user_1")
	assert.ErrorIs(t, err, subsync.ErrNoActiveSubscription)

	events, err := a.Stores.Audit.ListWebhookEvents(context.Background(), subsync.WebhookEventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestStores_CloseIsSafeTwice(t *testing.T) {
	cfg := testConfig(config.BackendSQLite)
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "subsync.db")
	s, err := OpenStores(context.Background(), cfg, &subsync.NoopLogger{})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}
