package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Metrics implements subsync.Metrics using Prometheus.
type Metrics struct {
	upsertsTotal               *prometheus.CounterVec
	upsertErrorsTotal          *prometheus.CounterVec
	cancellationsTotal         *prometheus.CounterVec
	reconciliationsTotal       *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		upsertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_upserts_total",
			Help:      "Total number of subscription upserts by resulting status.",
		}, []string{"status", "created"}),

		upsertErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_upsert_errors_total",
			Help:      "Total number of failed subscription upserts.",
		}, []string{"status"}),

		cancellationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_cancellations_total",
			Help:      "Total number of cancellations by trigger and settling tier.",
		}, []string{"trigger", "tier", "verified"}),

		reconciliationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_reconciliations_total",
			Help:      "Total number of diagnostic runs by action taken.",
		}, []string{"action"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordUpsert(status subsync.Status, created bool, err error) {
	if err != nil {
		m.upsertErrorsTotal.WithLabelValues(string(status)).Inc()
		return
	}
	m.upsertsTotal.WithLabelValues(string(status), strconv.FormatBool(created)).Inc()
}

func (m *Metrics) RecordCancellation(trigger subsync.Trigger, tier int, verified bool) {
	m.cancellationsTotal.WithLabelValues(string(trigger), strconv.Itoa(tier), strconv.FormatBool(verified)).Inc()
}

func (m *Metrics) RecordReconciliation(action subsync.Action) {
	m.reconciliationsTotal.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
