package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
)

// ErrDuplicate is returned by Insert when a non-archived record already
// exists for idempotencyKey.
var ErrDuplicate = errors.New("idempotency key already registered")

// ErrNotFound is returned when no non-archived record exists for a key.
var ErrNotFound = errors.New("idempotency record not found")

// Repository is the L2 durable store over the idempotency_record table,
// using the partial unique index on idempotency_key (archive_flag = false)
// to detect concurrent registration.
type Repository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewRepository(db *sqlx.DB, logger logr.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Insert creates a PROCESSING record inside its own transactional scope,
// isolated from the main pipeline's writes. A unique violation on
// idempotencyKey is translated to ErrDuplicate.
func (r *Repository) Insert(ctx context.Context, rec *Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_record (
			idempotency_key, trade_id, partition_key, status, blotter_ref,
			created_at, completed_at, expires_at, version, archive_flag
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, false)
	`, rec.IdempotencyKey, rec.TradeID, rec.PartitionKey, StatusProcessing, rec.BlotterRef,
		rec.CreatedAt, rec.CompletedAt, rec.ExpiresAt)
	if err != nil {
		if apperrors.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return apperrors.NewDatabaseError("insert idempotency_record", err)
	}
	rec.Version = 1
	return nil
}

// Get fetches the non-archived record for key.
func (r *Repository) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := r.db.GetContext(ctx, &rec, `
		SELECT idempotency_key, trade_id, partition_key, status, blotter_ref,
		       created_at, completed_at, expires_at, version, archive_flag
		FROM idempotency_record WHERE idempotency_key = $1 AND archive_flag = false
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency_record %s: %w", key, err)
	}
	return &rec, nil
}

// MarkCompleted runs in its own transactional scope so that a deadlock in
// the main pipeline transaction cannot corrupt the idempotency record.
func (r *Repository) MarkCompleted(ctx context.Context, key, blotterRef string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_record
		SET status = $1, blotter_ref = $2, completed_at = $3, version = version + 1
		WHERE idempotency_key = $4 AND archive_flag = false
	`, StatusCompleted, blotterRef, now, key)
	if err != nil {
		return apperrors.NewDatabaseError("mark idempotency completed", err)
	}
	return rowsAffectedOrNotFound(res)
}

// MarkFailed records a terminal failure, freeing the key's processing state
// so a retried submission is not wedged in HIT_PROCESSING forever.
func (r *Repository) MarkFailed(ctx context.Context, key string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_record
		SET status = $1, version = version + 1
		WHERE idempotency_key = $2 AND archive_flag = false
	`, StatusFailed, key)
	if err != nil {
		return apperrors.NewDatabaseError("mark idempotency failed", err)
	}
	return rowsAffectedOrNotFound(res)
}

// ArchiveExpired sets archiveFlag=true for every non-archived record whose
// expiresAt has passed as of now. Expired records are archived, not deleted.
func (r *Repository) ArchiveExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_record SET archive_flag = true
		WHERE expires_at < $1 AND archive_flag = false
	`, now)
	if err != nil {
		return 0, apperrors.NewDatabaseError("archive expired idempotency records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewDatabaseError("archive expired rows affected", err)
	}
	return n, nil
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewDatabaseError("rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
