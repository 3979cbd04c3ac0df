// Package circuitbreaker wraps sony/gobreaker so every external call made
// by a pipeline stage (cache, database, enrichment/validation services) can
// be retried with backoff and circuit-broken uniformly.
package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Config tunes a single breaker instance.
type Config struct {
	Name             string
	MaxFailures      uint32
	Timeout          time.Duration
	HalfOpenMaxCalls uint32
}

// Breaker wraps a gobreaker.CircuitBreaker with a typed Execute helper.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func New(cfg Config) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 1
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// ErrOpen is returned when the breaker is open and rejecting calls.
var ErrOpen = gobreaker.ErrOpenState

// Execute runs fn through the breaker. If the breaker is open, fn is not
// invoked and ErrOpen is returned.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// State reports the current breaker state for metrics/diagnostics.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Retry runs fn up to attempts times with exponential backoff, short-circuiting
// permanent (non-retryable) errors immediately via the isRetryable predicate.
func Retry(ctx context.Context, attempts int, initialBackoff time.Duration, isRetryable func(error) bool, fn func(ctx context.Context) error) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("exhausted %d attempts: %w", attempts, lastErr)
}
