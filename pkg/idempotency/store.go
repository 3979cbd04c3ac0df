package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	rediscache "github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/cache/redis"
)

// l1Entry is the JSON payload cached at L1 under "idempotency:<key>".
type l1Entry struct {
	Status     Status `json:"status"`
	BlotterRef string `json:"blotterRef,omitempty"`
}

// Store is the two-tier idempotency store: L1 distributed cache consulted
// first, falling through to the L2 durable repository on miss and warming
// L1 when L2 shows a non-expired COMPLETED record.
type Store struct {
	l1     *rediscache.Cache
	l2     *Repository
	window time.Duration
	logger logr.Logger
}

func NewStore(l1 *rediscache.Cache, l2 *Repository, window time.Duration, logger logr.Logger) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{l1: l1, l2: l2, window: window, logger: logger}
}

func l1Key(idempotencyKey string) string {
	return "idempotency:" + idempotencyKey
}

// Check resolves a key to one of hit-completed, hit-processing or miss.
// L1 is consulted first; on miss it falls through to L2, warming L1 when L2
// shows a non-expired COMPLETED record.
func (s *Store) Check(ctx context.Context, idempotencyKey string) (CheckResult, error) {
	raw, err := s.l1.Get(ctx, l1Key(idempotencyKey))
	if err == nil {
		var entry l1Entry
		if jerr := json.Unmarshal([]byte(raw), &entry); jerr == nil {
			return resultFor(entry.Status, entry.BlotterRef), nil
		}
	} else if !errors.Is(err, rediscache.ErrCacheMiss) {
		s.logger.V(1).Info("idempotency L1 lookup failed, falling through to L2", "error", err)
	}

	rec, err := s.l2.Get(ctx, idempotencyKey)
	if errors.Is(err, ErrNotFound) {
		return CheckResult{}, nil
	}
	if err != nil {
		return CheckResult{}, fmt.Errorf("idempotency L2 check: %w", err)
	}
	if rec.Status == StatusCompleted && time.Now().UTC().After(rec.ExpiresAt) {
		return CheckResult{}, nil
	}

	if rec.Status == StatusCompleted {
		s.warmL1(ctx, idempotencyKey, rec.Status, rec.BlotterRef)
	}
	return resultFor(rec.Status, rec.BlotterRef), nil
}

func resultFor(status Status, blotterRef string) CheckResult {
	switch status {
	case StatusCompleted:
		return CheckResult{Hit: true, Completed: true, BlotterRef: blotterRef}
	case StatusProcessing:
		return CheckResult{Hit: true, Processing: true}
	default:
		return CheckResult{}
	}
}

func (s *Store) warmL1(ctx context.Context, key string, status Status, blotterRef string) {
	b, err := json.Marshal(l1Entry{Status: status, BlotterRef: blotterRef})
	if err != nil {
		return
	}
	if err := s.l1.Set(ctx, l1Key(key), string(b), s.window); err != nil {
		s.logger.V(1).Info("idempotency L1 warm failed", "key", key, "error", err)
	}
}

// Register inserts a PROCESSING record, returning ErrDuplicate when another
// submission already holds the key.
func (s *Store) Register(ctx context.Context, idempotencyKey, tradeID, partitionKey string) error {
	now := time.Now().UTC()
	rec := &Record{
		IdempotencyKey: idempotencyKey,
		TradeID:        tradeID,
		PartitionKey:   partitionKey,
		Status:         StatusProcessing,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.window),
	}
	if err := s.l2.Insert(ctx, rec); err != nil {
		return err
	}
	s.warmL1(ctx, idempotencyKey, StatusProcessing, "")
	return nil
}

// MarkCompleted commits the terminal COMPLETED state to L2 and immediately
// warms L1, so a subsequent Check observes the completion without an L2
// round-trip.
func (s *Store) MarkCompleted(ctx context.Context, idempotencyKey, blotterRef string) error {
	if err := s.l2.MarkCompleted(ctx, idempotencyKey, blotterRef); err != nil {
		return err
	}
	s.warmL1(ctx, idempotencyKey, StatusCompleted, blotterRef)
	return nil
}

// MarkFailed commits FAILED to L2 and clears the L1 entry so a retried
// submission does not observe a stale HIT_PROCESSING forever.
func (s *Store) MarkFailed(ctx context.Context, idempotencyKey string) error {
	if err := s.l2.MarkFailed(ctx, idempotencyKey); err != nil {
		return err
	}
	if err := s.l1.Delete(ctx, l1Key(idempotencyKey)); err != nil {
		s.logger.V(1).Info("idempotency L1 clear on failure failed", "key", idempotencyKey, "error", err)
	}
	return nil
}

// ArchiveExpired delegates to the L2 sweeper.
func (s *Store) ArchiveExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.l2.ArchiveExpired(ctx, now)
}
