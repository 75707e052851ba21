package billing

import (
	"net/http"
)

// Provider is the interface a billing backend implements to feed the
// subscription state store.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that ingests provider events.
	// The implementation handles verification, auditing and state updates internally.
	WebhookHandler() http.Handler

	// Client returns the outbound API client used for live lookups.
	Client() Client
}
