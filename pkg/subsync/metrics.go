package subsync

import "time"

// Metrics defines the interface for tracking subscription state changes.
type Metrics interface {
	// RecordUpsert records a subscription upsert and the resulting status.
	RecordUpsert(status Status, created bool, err error)

	// RecordCancellation records which enforcement tier settled a cancellation.
	// tier is 0 when nothing was found to cancel.
	RecordCancellation(trigger Trigger, tier int, verified bool)

	// RecordReconciliation records the action taken by a diagnostic run.
	RecordReconciliation(action Action)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordUpsert(status Status, created bool, err error)                        {}
func (n *NoopMetrics) RecordCancellation(trigger Trigger, tier int, verified bool)                {}
func (n *NoopMetrics) RecordReconciliation(action Action)                                         {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
