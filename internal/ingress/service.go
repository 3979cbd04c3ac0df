// Package ingress implements the single submission path every adapter (REST,
// queue, file upload) funnels through: backpressure admission, idempotency
// pre-check, job creation, and handoff to the partition dispatcher.
package ingress

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/backpressure"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/dispatcher"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/idempotency"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/jobs"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// ErrOverloaded is returned when API admission is saturated.
type ErrOverloaded struct{ RetryAfterSeconds int }

func (e *ErrOverloaded) Error() string { return "API admission saturated" }

// ErrDuplicate is returned when the synchronous idempotency pre-check
// observes an existing record for the request's idempotencyKey.
type ErrDuplicate struct {
	Processing bool
	BlotterRef string
}

func (e *ErrDuplicate) Error() string {
	if e.Processing {
		return "a submission with this idempotency key is already in flight"
	}
	return "trade already processed: " + e.BlotterRef
}

// Service is the shared entry point for every ingress adapter.
type Service struct {
	Backpressure *backpressure.Controller
	Idempotency  *idempotency.Store
	Jobs         *jobs.Registry
	Dispatcher   *dispatcher.Dispatcher
	Logger       logr.Logger
}

// Submit validates req, admits it through backpressure, performs the
// synchronous duplicate pre-check, creates a Job record, and hands the
// request to the Partition Dispatcher. The returned Job reflects only the
// PENDING submission state — terminal status arrives asynchronously via the
// Job Registry / webhook.
func (s *Service) Submit(ctx context.Context, req *trade.TradeRequest) (*jobs.Job, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "trade request failed validation")
	}
	if err := req.RequireCallbackURL(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "callback URL required for async submission")
	}

	release, retryAfter, ok := s.Backpressure.TryAdmitAPIRequest()
	if !ok {
		metrics.BackpressureRejectedTotal.Inc()
		return nil, &ErrOverloaded{RetryAfterSeconds: retryAfter}
	}
	defer release()

	return s.enqueue(ctx, req)
}

// SubmitQueued is the queue-ingress counterpart of Submit. It skips the
// REST-side API admission semaphore (queue consumption is gated upstream
// by the consumer's own pause/resume loop, not per-message) and does not
// require a callback URL, since a queue-sourced trade's caller has no
// synchronous connection to notify.
func (s *Service) SubmitQueued(ctx context.Context, req *trade.TradeRequest) (*jobs.Job, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "trade request failed validation")
	}
	return s.enqueue(ctx, req)
}

func (s *Service) enqueue(ctx context.Context, req *trade.TradeRequest) (*jobs.Job, error) {
	if result, err := s.Idempotency.Check(ctx, req.IdempotencyKey); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "idempotency pre-check failed")
	} else if result.Hit {
		return nil, &ErrDuplicate{Processing: result.Processing, BlotterRef: result.BlotterRef}
	}

	job, err := s.Jobs.Create(ctx, req.TradeID, req.Source, req.CallbackURL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "job registry create failed")
	}

	if err := s.Dispatcher.Submit(dispatcher.WorkItem{
		PartitionKey: req.PartitionKey(),
		JobID:        job.JobID,
		Request:      req,
	}); err != nil {
		if errors.Is(err, dispatcher.ErrStopped) {
			return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "service is shutting down")
		}
		return nil, fmt.Errorf("submit work item: %w", err)
	}

	if _, err := s.Jobs.Update(ctx, job.JobID, jobs.StatusProcessing, 0, "queued for processing", nil); err != nil {
		s.Logger.Error(err, "job update (processing) failed", "jobId", job.JobID)
	}
	job.Status = jobs.StatusProcessing
	return job, nil
}
