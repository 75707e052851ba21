package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// DefaultProviderTimeout bounds every outbound provider call.
const DefaultProviderTimeout = 10 * time.Second

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager is the subscription manager that will be updated from provider events
	Manager *subsync.Manager

	// Catalog maps provider price ids to plan ids. Optional; when nil the
	// plan id must arrive in checkout metadata.
	Catalog PlanCatalog

	// WebhookSecret is the shared secret used to verify webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with a DefaultProviderTimeout timeout will be used.
	HTTPClient *http.Client

	// Timeout bounds each outbound provider call. Defaults to DefaultProviderTimeout.
	Timeout time.Duration

	// CircuitBreaker optionally guards outbound provider calls.
	CircuitBreaker subsync.CircuitBreaker

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics
}
