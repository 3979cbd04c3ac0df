// Package backpressure implements independent admission gauges for the
// REST ingress path and the queue consumer path.
package backpressure

import (
	"sync/atomic"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/metrics"
)

// Controller tracks the two admission gauges. The API side is enforced by
// a bounded semaphore (golang.org/x/sync/semaphore); the consumer side by
// lag/depth thresholds the caller reports in.
type Controller struct {
	sem           *semaphore.Weighted
	maxInFlight   int64
	inFlight      atomic.Int64
	highWaterMark float64
	retryAfter    int

	maxConsumerLag     int64
	maxProcessingQueue int64
	consumerLag        atomic.Int64
	queueDepth         atomic.Int64
	paused             atomic.Bool

	logger logr.Logger
}

func NewController(cfg config.BackpressureConfig, logger logr.Logger) *Controller {
	return &Controller{
		sem:                semaphore.NewWeighted(int64(cfg.MaxInFlightRequests)),
		maxInFlight:        int64(cfg.MaxInFlightRequests),
		highWaterMark:      cfg.HighWaterMark,
		retryAfter:         cfg.RetryAfterSeconds,
		maxConsumerLag:     cfg.MaxConsumerLag,
		maxProcessingQueue: int64(cfg.MaxProcessingQueue),
		logger:             logger,
	}
}

// TryAdmitAPIRequest attempts to reserve one of the bounded in-flight slots.
// On success it returns a release func the caller must defer; ok is false
// when saturation has reached 100%, in which case retryAfterSeconds is the
// value the REST layer should set on a 503's Retry-After header.
func (c *Controller) TryAdmitAPIRequest() (release func(), retryAfterSeconds int, ok bool) {
	if !c.sem.TryAcquire(1) {
		return nil, c.retryAfter, false
	}
	n := c.inFlight.Add(1)
	metrics.BackpressureInFlight.Set(float64(n))
	if saturation := float64(n) / float64(c.maxInFlight); saturation >= c.highWaterMark {
		c.logger.Info("API admission high-water mark reached", "saturation", saturation, "inFlight", n)
	}
	return func() {
		metrics.BackpressureInFlight.Set(float64(c.inFlight.Add(-1)))
		c.sem.Release(1)
	}, 0, true
}

// InFlight reports the current number of admitted API requests.
func (c *Controller) InFlight() int64 {
	return c.inFlight.Load()
}

// RecordConsumerLag updates the lag gauge a queue consumer reports.
func (c *Controller) RecordConsumerLag(lag int64) {
	c.consumerLag.Store(lag)
}

// RecordQueueDepth updates the worker-pool queue-depth gauge.
func (c *Controller) RecordQueueDepth(depth int64) {
	c.queueDepth.Store(depth)
}

// CanProcessMessage reports whether the queue consumer should keep pulling
// work. It flips Paused() when either threshold is exceeded and clears it
// once both recover.
func (c *Controller) CanProcessMessage() bool {
	lag := c.consumerLag.Load()
	depth := c.queueDepth.Load()
	if lag > c.maxConsumerLag || depth > c.maxProcessingQueue {
		if !c.paused.Swap(true) {
			metrics.ConsumerPausedTotal.Inc()
			c.logger.Info("queue consumption paused", "consumerLag", lag, "queueDepth", depth)
		}
		return false
	}
	c.paused.Store(false)
	return true
}

// Paused reports the queue consumer's last-known pause state. Health and
// status endpoints never consult this; they stay reachable under load.
func (c *Controller) Paused() bool {
	return c.paused.Load()
}
