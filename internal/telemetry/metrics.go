// Package telemetry exposes prometheus metrics for the sync engine and the
// control API.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
)

// Sync outcome labels recorded on the engine metrics.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeStalled   = "stalled"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is a
// no-op, so wiring metrics stays optional in tests.
type Metrics struct {
	syncDuration *prometheus.HistogramVec
	syncOutcomes *prometheus.CounterVec
	syncItems    *prometheus.CounterVec
	retries      *prometheus.CounterVec
	queueWaiting *prometheus.GaugeVec
	queueActive  *prometheus.GaugeVec
}

// NewMetrics creates the engine collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sync_job_duration_seconds",
			Help:    "Wall time of sync job executions by entity type and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"entity_type", "outcome"}),
		syncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_job_outcomes_total",
			Help: "Terminal sync job outcomes by entity type.",
		}, []string{"entity_type", "outcome"}),
		syncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_items_processed_total",
			Help: "Items processed by successful and failed sync jobs.",
		}, []string{"entity_type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_retries_scheduled_total",
			Help: "Retry attempts scheduled by the background sweep.",
		}, []string{"entity_type"}),
		queueWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_queue_waiting_jobs",
			Help: "Jobs waiting on each queue.",
		}, []string{"queue"}),
		queueActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_queue_active_jobs",
			Help: "Jobs executing on each queue.",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		m.syncDuration,
		m.syncOutcomes,
		m.syncItems,
		m.retries,
		m.queueWaiting,
		m.queueActive,
	)
	return m
}

// ObserveSync records one terminal sync job execution.
func (m *Metrics) ObserveSync(et entity.Type, outcome string, duration time.Duration, items int) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(string(et), outcome).Observe(duration.Seconds())
	m.syncOutcomes.WithLabelValues(string(et), outcome).Inc()
	m.syncItems.WithLabelValues(string(et)).Add(float64(items))
}

// ObserveRetryScheduled records one sweep-scheduled retry.
func (m *Metrics) ObserveRetryScheduled(et entity.Type) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(et)).Inc()
}

// SetQueueDepths records a queue's waiting and active populations.
func (m *Metrics) SetQueueDepths(queueName string, waiting, active int64) {
	if m == nil {
		return
	}
	m.queueWaiting.WithLabelValues(queueName).Set(float64(waiting))
	m.queueActive.WithLabelValues(queueName).Set(float64(active))
}
