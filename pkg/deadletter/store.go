// Package deadletter persists trades that exhausted their stage retry
// budget with a permanent failure, so an operator can inspect and replay
// them.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
)

// Record is one permanently-failed trade parked for operator replay.
type Record struct {
	ID           int64           `db:"id"`
	TradeID      string          `db:"trade_id"`
	PartitionKey string          `db:"partition_key"`
	Stage        string          `db:"stage"`
	Reason       string          `db:"reason"`
	Payload      json.RawMessage `db:"payload"`
	CreatedAt    time.Time       `db:"created_at"`
	ReplayedAt   *time.Time      `db:"replayed_at"`
	ArchiveFlag  bool            `db:"archive_flag"`
}

// Store persists and lists dead-lettered trades.
type Store struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewStore(db *sqlx.DB, logger logr.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Record inserts a new dead-letter entry for a trade that permanently
// failed at stage.
func (s *Store) Record(ctx context.Context, tradeID, partitionKey, stage, reason string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letter (trade_id, partition_key, stage, reason, payload, created_at, archive_flag)
		VALUES ($1, $2, $3, $4, $5, $6, false)
	`, tradeID, partitionKey, stage, reason, payload, time.Now().UTC())
	if err != nil {
		return apperrors.NewDatabaseError("insert dead_letter", err)
	}
	s.logger.Info("trade dead-lettered", "tradeId", tradeID, "partitionKey", partitionKey, "stage", stage, "reason", reason)
	return nil
}

// ListPending returns non-archived, not-yet-replayed entries for operator
// replay tooling, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Record, error) {
	var records []Record
	err := s.db.SelectContext(ctx, &records, `
		SELECT id, trade_id, partition_key, stage, reason, payload, created_at, replayed_at, archive_flag
		FROM dead_letter
		WHERE archive_flag = false AND replayed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead_letter: %w", err)
	}
	return records, nil
}

// MarkReplayed records that an operator has resubmitted entry id.
func (s *Store) MarkReplayed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter SET replayed_at = $1 WHERE id = $2 AND archive_flag = false
	`, time.Now().UTC(), id)
	if err != nil {
		return apperrors.NewDatabaseError("mark dead_letter replayed", err)
	}
	return nil
}
