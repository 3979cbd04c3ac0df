// Package worker ties the partition worker lifecycle together: acquire the
// partition lock, defensively re-check and register idempotency, admit the
// request through the sequence buffer, run the processing pipeline, release
// the lock on every exit path, then update the job registry and trigger the
// webhook dispatcher. Orchestrator.Process is the dispatcher.Handler the
// partition dispatcher invokes for every WorkItem.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/blotter"
	rediscache "github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/cache/redis"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/deadletter"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/dispatcher"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/idempotency"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/jobs"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/notify"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/partitionstate"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/pipeline"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/sequence"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/webhook"
)

// MaxRetryAttempts bounds how many times a retryable pipeline failure
// resubmits a WorkItem before it is dead-lettered.
const MaxRetryAttempts = 4

// Orchestrator implements the per-WorkItem worker lifecycle.
type Orchestrator struct {
	Locker         *rediscache.Locker
	Idempotency    *idempotency.Store
	Sequence       *sequence.Manager
	PartitionState *partitionstate.Store
	Blotter        *blotter.Repository
	Jobs           *jobs.Registry
	Webhook        *webhook.Dispatcher
	DeadLetter     *deadletter.Store
	Notifier       *notify.Notifier
	Logger         logr.Logger

	LockCfg config.LockConfig

	// PreCommit runs stages 1-5 (quick validate through state transition).
	// CommitPhase runs stages 6-8 (persist, commit, publish). They are split
	// so the lock-fencing recheck sits between them: a worker that stalled
	// past its lock TTL must never reach the commit phase.
	PreCommit   *pipeline.Pipeline
	CommitPhase func(sequence int64, allowGap bool) *pipeline.Pipeline

	dispatcher *dispatcher.Dispatcher
}

// SetDispatcher wires the Partition Dispatcher this Orchestrator resubmits
// work to (drained sequence-buffer entries, gap releases, bounded retries).
// Call before the dispatcher's worker pool starts.
func (o *Orchestrator) SetDispatcher(d *dispatcher.Dispatcher) {
	o.dispatcher = d
}

// Process is the dispatcher.Handler invoked by exactly one worker at a time
// per partitionKey.
func (o *Orchestrator) Process(ctx context.Context, item dispatcher.WorkItem) error {
	req := item.Request
	logger := o.Logger.WithValues("tradeId", req.TradeID, "partitionKey", item.PartitionKey, "jobId", item.JobID)

	holdTTL := o.LockCfg.HoldTTL
	waitTimeout := o.LockCfg.WaitTimeout
	lockStart := time.Now()
	token, err := o.Locker.Acquire(ctx, item.PartitionKey, holdTTL, waitTimeout)
	metrics.LockWaitDuration.Observe(time.Since(lockStart).Seconds())
	if err != nil {
		return o.failLock(ctx, item, logger, apperrors.Wrap(err, apperrors.KindLockFailed, "lock acquisition errored"))
	}
	if token == nil {
		return o.failLock(ctx, item, logger, apperrors.NewLockAcquisitionError(item.PartitionKey))
	}

	lockHeld := time.Now()
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		metrics.LockHeldDuration.Observe(time.Since(lockHeld).Seconds())
		if rerr := o.Locker.Release(ctx, token); rerr != nil && !errors.Is(rerr, rediscache.ErrNotOwner) {
			logger.Error(rerr, "lock release failed")
		}
	}
	defer release()

	// The defensive re-check and register only apply to a request's first
	// delivery. A FromSequenceBuffer redelivery (drained once its
	// predecessor commits, or released by the hold-deadline sweep) was
	// already registered PROCESSING by this same worker on its first pass
	// through Process before the sequence buffer parked it; re-running the
	// check here would see that still-PROCESSING record as a duplicate of
	// itself and wrongly fail the trade.
	if !item.FromSequenceBuffer {
		// Defensive re-check, since a submission-time check is only
		// advisory across instances.
		if result, err := o.Idempotency.Check(ctx, req.IdempotencyKey); err != nil {
			return o.failTransient(ctx, item, logger, apperrors.Wrap(err, apperrors.KindUnavailable, "idempotency check failed"))
		} else if result.Hit {
			metrics.RecordIdempotencyCheck("hit")
			release()
			return o.finishDuplicate(ctx, item, result)
		}
		metrics.RecordIdempotencyCheck("miss")

		// Register. A concurrent winner surfaces as ErrDuplicate.
		if err := o.Idempotency.Register(ctx, req.IdempotencyKey, req.TradeID, item.PartitionKey); err != nil {
			if errors.Is(err, idempotency.ErrDuplicate) {
				result, cerr := o.Idempotency.Check(ctx, req.IdempotencyKey)
				release()
				if cerr != nil {
					return cerr
				}
				return o.finishDuplicate(ctx, item, result)
			}
			return o.failTransient(ctx, item, logger, apperrors.Wrap(err, apperrors.KindUnavailable, "idempotency register failed"))
		}
	} else {
		metrics.RecordIdempotencyCheck("skip_buffered_redelivery")
	}

	state, err := o.PartitionState.GetOrInit(ctx, item.PartitionKey)
	if err != nil {
		return o.failAndMarkIdempotency(ctx, item, logger, apperrors.Wrap(err, apperrors.KindUnavailable, "partition state lookup failed"))
	}

	var commitSeq int64
	allowGap := false
	if item.GapRelease || req.SequenceNumber == nil {
		// No sequence enforcement, or a gap release already past its hold
		// deadline: deliver without further buffering.
		if req.SequenceNumber != nil {
			commitSeq = *req.SequenceNumber
			allowGap = true
		} else {
			commitSeq = state.LastSequenceNumber
			allowGap = true
		}
	} else {
		expected := state.LastSequenceNumber + 1
		outcome, admitErr := o.Sequence.Admit(item.PartitionKey, *req.SequenceNumber, expected, item)
		if admitErr != nil && errors.Is(admitErr, sequence.ErrAlreadyApplied) {
			return o.failAndMarkIdempotency(ctx, item, logger, apperrors.Newf(apperrors.KindSequenceGap, "sequence %d already applied for partition %s", *req.SequenceNumber, item.PartitionKey))
		}
		if outcome == sequence.OutcomeBuffered {
			release()
			metrics.SetSequenceBufferDepth(item.PartitionKey, o.Sequence.Status(item.PartitionKey, time.Now()).BufferSize)
			_, uerr := o.Jobs.Update(ctx, item.JobID, jobs.StatusProcessing, 10, "buffered: waiting for an earlier sequence number", nil)
			if uerr != nil {
				logger.Error(uerr, "job update (buffered) failed")
			}
			return nil
		}
		commitSeq = *req.SequenceNumber
	}

	pc := &pipeline.Context{
		Request: req,
		Blotter: &blotter.SwapBlotter{
			TradeID:      req.TradeID,
			PartitionKey: item.PartitionKey,
			Payload:      req.Payload,
		},
		State: state,
	}

	if err := o.PreCommit.Run(ctx, pc); err != nil {
		return o.failPipeline(ctx, item, logger, err)
	}

	// Lock-fencing recheck immediately before the durable commit phase: a
	// worker that stalled past its lock TTL must not persist anything.
	extended, err := o.Locker.Extend(ctx, token, holdTTL)
	if err != nil {
		if errors.Is(err, rediscache.ErrNotOwner) {
			logger.Info("lock lost before commit phase, aborting without persisting", "tradeId", req.TradeID)
			return nil // idempotency remains PROCESSING; a requeue will retry.
		}
		return o.failTransient(ctx, item, logger, apperrors.Wrap(err, apperrors.KindLockFailed, "lock extend failed"))
	}
	token = extended

	commit := o.CommitPhase(commitSeq, allowGap)
	if err := commit.Run(ctx, pc); err != nil {
		return o.failPipeline(ctx, item, logger, err)
	}

	release()

	if _, err := o.Jobs.Update(ctx, item.JobID, jobs.StatusCompleted, 100, "processed", nil); err != nil {
		logger.Error(err, "job update (completed) failed")
	}
	o.sendWebhook(ctx, item.JobID, jobs.StatusCompleted, 100, "", req, pc.Blotter, nil)

	o.drainSequenceBuffer(item.PartitionKey, commitSeq+1)
	return nil
}

// drainSequenceBuffer resubmits every now-consecutive buffered entry back
// onto the dispatcher.
func (o *Orchestrator) drainSequenceBuffer(partitionKey string, nextExpected int64) {
	if o.dispatcher == nil {
		return
	}
	for {
		entry, ok := o.Sequence.PopNext(partitionKey, nextExpected)
		if !ok {
			return
		}
		if wi, ok := entry.Payload.(dispatcher.WorkItem); ok {
			wi.FromSequenceBuffer = true
			if err := o.dispatcher.Submit(wi); err != nil {
				o.Logger.Error(err, "resubmit drained sequence entry failed", "partitionKey", partitionKey)
			}
		}
		nextExpected++
	}
}

// RunSweeper periodically releases or flags sequence buffer entries whose
// hold deadline has elapsed. Call it in its own goroutine; it returns when
// ctx is cancelled.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			released, stale := o.Sequence.Sweep(now)
			for _, r := range released {
				metrics.RecordSequenceGap("released")
				o.Notifier.StaleGapWarning(ctx, r.PartitionKey, r.Sequence, true)
				if wi, ok := r.Payload.(dispatcher.WorkItem); ok && o.dispatcher != nil {
					wi.GapRelease = true
					wi.FromSequenceBuffer = true
					if err := o.dispatcher.Submit(wi); err != nil {
						o.Logger.Error(err, "resubmit gap-released entry failed", "partitionKey", r.PartitionKey)
					}
				}
			}
			for _, key := range stale {
				metrics.RecordSequenceGap("flagged")
				o.Notifier.StaleGapWarning(ctx, key, 0, false)
			}
		}
	}
}

func (o *Orchestrator) failLock(ctx context.Context, item dispatcher.WorkItem, logger logr.Logger, appErr *apperrors.AppError) error {
	logger.Info("lock acquisition failed", "error", appErr.Error())
	if err := o.Idempotency.MarkFailed(ctx, item.Request.IdempotencyKey); err != nil {
		logger.Error(err, "mark idempotency failed after lock failure")
	}
	o.terminalFail(ctx, item, appErr)
	return appErr
}

func (o *Orchestrator) failAndMarkIdempotency(ctx context.Context, item dispatcher.WorkItem, logger logr.Logger, appErr *apperrors.AppError) error {
	if err := o.Idempotency.MarkFailed(ctx, item.Request.IdempotencyKey); err != nil {
		logger.Error(err, "mark idempotency failed")
	}
	o.terminalFail(ctx, item, appErr)
	return appErr
}

// failTransient handles I/O-class errors raised outside the pipeline
// proper (idempotency/partition-state lookups, lock extend). These retry by
// resubmission up to MaxRetryAttempts before being treated as terminal.
func (o *Orchestrator) failTransient(ctx context.Context, item dispatcher.WorkItem, logger logr.Logger, appErr *apperrors.AppError) error {
	attempt := item.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	if attempt < MaxRetryAttempts && o.dispatcher != nil {
		next := item
		next.Attempt = attempt + 1
		go func() {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
			if err := o.dispatcher.Submit(next); err != nil {
				logger.Error(err, "retry resubmit failed")
			}
		}()
		return appErr
	}
	return o.failAndMarkIdempotency(ctx, item, logger, appErr)
}

// failPipeline classifies a pipeline-stage error: retryable kinds get
// bounded resubmission, everything else is terminal and dead-lettered.
func (o *Orchestrator) failPipeline(ctx context.Context, item dispatcher.WorkItem, logger logr.Logger, err error) error {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.KindProcessingError, "pipeline stage failed")
	}
	metrics.RecordStage("pipeline", 0, appErr)

	if appErr.Retryable() {
		attempt := item.Attempt
		if attempt <= 0 {
			attempt = 1
		}
		if attempt < MaxRetryAttempts && o.dispatcher != nil {
			next := item
			next.Attempt = attempt + 1
			go func() {
				time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
				if serr := o.dispatcher.Submit(next); serr != nil {
					logger.Error(serr, "retry resubmit failed")
				}
			}()
			return appErr
		}
	}

	if err := o.Idempotency.MarkFailed(ctx, item.Request.IdempotencyKey); err != nil {
		logger.Error(err, "mark idempotency failed after pipeline error")
	}
	if o.DeadLetter != nil {
		if derr := o.DeadLetter.Record(ctx, item.Request.TradeID, item.PartitionKey, "pipeline", appErr.Error(), item.Request.Payload); derr != nil {
			logger.Error(derr, "dead-letter record failed")
		}
		metrics.RecordDeadLetter("pipeline")
		o.Notifier.DeadLetterEvent(ctx, item.Request.TradeID, item.PartitionKey, "pipeline", appErr.Error())
	}
	o.terminalFail(ctx, item, appErr)
	return appErr
}

func (o *Orchestrator) terminalFail(ctx context.Context, item dispatcher.WorkItem, appErr *apperrors.AppError) {
	jobErr := &jobs.JobErr{Code: string(appErr.Kind), Message: appErr.Message}
	if _, err := o.Jobs.Update(ctx, item.JobID, jobs.StatusFailed, 100, appErr.Message, jobErr); err != nil {
		o.Logger.Error(err, "job update (failed) failed", "jobId", item.JobID)
	}
	o.sendWebhook(ctx, item.JobID, jobs.StatusFailed, 100, appErr.Message, item.Request, nil, jobErr)
}

// finishDuplicate resolves a request whose idempotency key was already
// seen. A record still PROCESSING means a concurrent submission is in
// flight for the same key; COMPLETED means the caller can be pointed at
// the existing blotter.
func (o *Orchestrator) finishDuplicate(ctx context.Context, item dispatcher.WorkItem, result idempotency.CheckResult) error {
	jobErr := &jobs.JobErr{Code: string(apperrors.KindDuplicate), Message: "trade already submitted under this idempotency key"}
	status := jobs.StatusFailed
	message := jobErr.Message
	if result.Completed {
		status = jobs.StatusCompleted
		message = "duplicate of a completed trade: " + result.BlotterRef
	}
	if _, err := o.Jobs.Update(ctx, item.JobID, status, 100, message, jobErr); err != nil {
		o.Logger.Error(err, "job update (duplicate) failed", "jobId", item.JobID)
	}

	var b *blotter.SwapBlotter
	if result.Completed && o.Blotter != nil {
		if fetched, err := o.Blotter.GetByTradeID(ctx, item.Request.TradeID); err == nil {
			b = fetched
		}
	}
	o.sendWebhook(ctx, item.JobID, status, 100, message, item.Request, b, jobErr)
	return nil
}

func (o *Orchestrator) sendWebhook(ctx context.Context, jobID string, status jobs.Status, progress int, message string, req *trade.TradeRequest, b *blotter.SwapBlotter, jobErr *jobs.JobErr) {
	if req.CallbackURL == "" || o.Webhook == nil {
		return
	}
	now := time.Now().UTC()
	body := webhook.Body{
		JobID:     jobID,
		Status:    status,
		Progress:  progress,
		Message:   message,
		TradeID:   req.TradeID,
		Error:     jobErr,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if b != nil {
		body.TradeStatus = string(b.State)
		body.SwapBlotter = b
	}
	o.Webhook.Enqueue(webhook.Delivery{CallbackURL: req.CallbackURL, Body: body})
}
