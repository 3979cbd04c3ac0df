// Package metrics exposes Prometheus collectors for the trade capture
// pipeline: stage latency, lock wait time, dedup hit rate, sequence buffer
// depth, backpressure saturation and webhook delivery outcomes.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
)

var (
	// StageDuration records how long each pipeline stage takes to run.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradecapture_stage_duration_seconds",
		Help:    "Duration of a single processing pipeline stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// StageErrorsTotal counts stage failures by stage and error kind.
	StageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecapture_stage_errors_total",
		Help: "Total pipeline stage failures.",
	}, []string{"stage", "kind"})

	// LockWaitDuration records time spent waiting to acquire a per-partition lock.
	LockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradecapture_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a partition lock.",
		Buckets: prometheus.DefBuckets,
	})

	// LockHeldDuration records how long a partition lock is held once acquired.
	LockHeldDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradecapture_lock_held_seconds",
		Help:    "Time a partition lock is held for.",
		Buckets: prometheus.DefBuckets,
	})

	// IdempotencyChecksTotal counts idempotency lookups by outcome (hit/miss).
	IdempotencyChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecapture_idempotency_checks_total",
		Help: "Total idempotency key lookups by outcome.",
	}, []string{"outcome"})

	// SequenceBufferDepth tracks how many entries are buffered per partition.
	SequenceBufferDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradecapture_sequence_buffer_depth",
		Help: "Number of out-of-order entries currently buffered for a partition.",
	}, []string{"partitionKey"})

	// SequenceGapReleasedTotal counts stale-gap releases and flags by partition.
	SequenceGapReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecapture_sequence_gap_total",
		Help: "Stale sequence gaps observed, by resolution.",
	}, []string{"resolution"})

	// BackpressureInFlight tracks concurrently admitted API requests.
	BackpressureInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecapture_backpressure_in_flight",
		Help: "Current number of admitted in-flight API requests.",
	})

	// BackpressureRejectedTotal counts requests rejected for capacity reasons.
	BackpressureRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecapture_backpressure_rejected_total",
		Help: "Total API requests rejected due to saturation.",
	})

	// ConsumerPausedTotal counts transitions into a paused consumer state.
	ConsumerPausedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecapture_consumer_paused_total",
		Help: "Total times message consumption paused due to lag or queue depth.",
	})

	// WebhookDeliveriesTotal counts webhook attempts by outcome.
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecapture_webhook_deliveries_total",
		Help: "Total webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	// DeadLettersTotal counts trades parked in the dead-letter table by stage.
	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecapture_dead_letters_total",
		Help: "Total trades dead-lettered, by stage.",
	}, []string{"stage"})
)

// RecordStage records a pipeline stage's outcome and duration.
func RecordStage(stage string, seconds float64, err error) {
	StageDuration.WithLabelValues(stage).Observe(seconds)
	if err != nil {
		StageErrorsTotal.WithLabelValues(stage, kindOf(err)).Inc()
	}
}

// RecordIdempotencyCheck records a dedup lookup outcome ("hit" or "miss").
func RecordIdempotencyCheck(outcome string) {
	IdempotencyChecksTotal.WithLabelValues(outcome).Inc()
}

// SetSequenceBufferDepth sets the current buffered-entry count for a partition.
func SetSequenceBufferDepth(partitionKey string, depth int) {
	SequenceBufferDepth.WithLabelValues(partitionKey).Set(float64(depth))
}

// RecordSequenceGap records a stale-gap resolution ("released" or "flagged").
func RecordSequenceGap(resolution string) {
	SequenceGapReleasedTotal.WithLabelValues(resolution).Inc()
}

// RecordWebhookDelivery records a webhook attempt's outcome ("delivered" or "exhausted").
func RecordWebhookDelivery(outcome string) {
	WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordDeadLetter records a trade landing in the dead-letter table.
func RecordDeadLetter(stage string) {
	DeadLettersTotal.WithLabelValues(stage).Inc()
}

// kindOf extracts a coarse error category for labeling without unbounded cardinality.
func kindOf(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return string(appErr.Kind)
	}
	return "unknown"
}
