// Package jobs implements the async job registry tracking submission
// lifecycle, independent of the partition-level processing state tracked
// by pkg/partitionstate.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	rediscache "github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/cache/redis"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// Status is a Job's lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

func canTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status is one that triggers a webhook delivery.
func IsTerminal(status Status) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// JobErr is the optional terminal error payload carried on a Job.
type JobErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is the cache-backed record tracking one async submission.
type Job struct {
	JobID       string       `json:"jobId"`
	TradeID     string       `json:"tradeId"`
	Source      trade.Source `json:"source"`
	Status      Status       `json:"status"`
	Progress    int          `json:"progress"`
	Message     string       `json:"message,omitempty"`
	Error       *JobErr      `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	CallbackURL string       `json:"callbackUrl,omitempty"`
}

// ErrNotFound is returned by Get when jobId has expired or never existed.
var ErrNotFound = errors.New("job not found")

// ErrNotCancellable is returned by Cancel when the job is no longer PENDING.
var ErrNotCancellable = errors.New("job is not cancellable")

// ErrInvalidTransition is returned by Update when the requested status is
// not reachable from the job's current status.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Registry is the cache-backed job store with a TTL on every record.
// Long-running batch jobs may additionally be persisted by the caller;
// this type only implements the cache tier.
type Registry struct {
	cache  *rediscache.Cache
	ttl    time.Duration
	logger logr.Logger
}

func NewRegistry(cache *rediscache.Cache, ttl time.Duration, logger logr.Logger) *Registry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(jobID string) string {
	return "job:" + jobID
}

// Create allocates a new jobId and stores a PENDING Job record.
func (r *Registry) Create(ctx context.Context, tradeID string, source trade.Source, callbackURL string) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		JobID:       uuid.NewString(),
		TradeID:     tradeID,
		Source:      source,
		Status:      StatusPending,
		Progress:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
		CallbackURL: callbackURL,
	}
	if err := r.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get fetches a Job by id.
func (r *Registry) Get(ctx context.Context, jobID string) (*Job, error) {
	raw, err := r.cache.Get(ctx, cacheKey(jobID))
	if errors.Is(err, rediscache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// Update transitions a job to status, recording progress and an optional
// message or terminal error.
func (r *Registry) Update(ctx context.Context, jobID string, status Status, progress int, message string, jobErr *JobErr) (*Job, error) {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != status && !canTransition(job.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, status)
	}
	job.Status = status
	job.Progress = progress
	job.Message = message
	job.Error = jobErr
	job.UpdatedAt = time.Now().UTC()
	if err := r.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel is a hint: it succeeds only when the job is still PENDING and
// returns ErrNotCancellable otherwise.
func (r *Registry) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusPending {
		return nil, ErrNotCancellable
	}
	job.Status = StatusCancelled
	job.UpdatedAt = time.Now().UTC()
	if err := r.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *Registry) save(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.JobID, err)
	}
	if err := r.cache.Set(ctx, cacheKey(job.JobID), string(b), r.ttl); err != nil {
		return fmt.Errorf("save job %s: %w", job.JobID, err)
	}
	return nil
}
