package subsync

import "errors"

var (
	// ErrMissingSignature is returned when a webhook arrives without a signature header
	ErrMissingSignature = errors.New("missing webhook signature")

	// ErrInvalidSignature is returned when the webhook signature does not verify
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedProviderData is returned when provider data cannot be repaired
	ErrMalformedProviderData = errors.New("malformed provider data")

	// ErrProviderUnreachable is returned when the billing provider times out or fails
	ErrProviderUnreachable = errors.New("billing provider unreachable")

	// ErrNotFoundUpstream is returned when the provider no longer knows the subscription
	ErrNotFoundUpstream = errors.New("subscription not found at provider")

	// ErrPersistenceFailure is returned when a datastore write fails
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrSubscriptionNotFound is returned when no local row matches
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNoActiveSubscription is returned when the user has no active subscription
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrOwnerUnknown is returned when a row would be created without a user
	ErrOwnerUnknown = errors.New("subscription owner unknown")

	// ErrInvalidWrite is returned for writes without an external subscription id
	ErrInvalidWrite = errors.New("invalid subscription write")

	// ErrForbidden is returned when the caller may not act on a subscription
	ErrForbidden = errors.New("forbidden")

	// ErrStorageUnavailable is returned when no store was configured
	ErrStorageUnavailable = errors.New("storage unavailable")
)
