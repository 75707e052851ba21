package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API rejects a request
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPlanNotConfigured is returned when a plan is not in the catalog
	ErrPlanNotConfigured = errors.New("plan not configured in catalog")

	// ErrCheckoutIncomplete is returned when a checkout session has no subscription yet
	ErrCheckoutIncomplete = errors.New("checkout session not complete")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)
