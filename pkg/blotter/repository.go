package blotter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
)

// ErrVersionConflict is returned by Upsert when the caller's expectedVersion
// no longer matches the stored row.
var ErrVersionConflict = errors.New("swap blotter version conflict")

// ErrNotFound is returned when no non-archived blotter exists for a tradeId.
var ErrNotFound = errors.New("swap blotter not found")

// Repository persists SwapBlotter rows with optimistic-version upserts
// against the partial unique index on trade_id (archive_flag = false).
type Repository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewRepository(db *sqlx.DB, logger logr.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Upsert inserts a new blotter or updates an existing one by tradeId,
// requiring expectedVersion to match the stored version (0 for a first
// insert).
func (r *Repository) Upsert(ctx context.Context, b *SwapBlotter, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO swap_blotter (
			trade_id, partition_key, payload, enrichment_status, workflow_status,
			state, rule_set_version, version, processed_at, archive_flag
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)
		ON CONFLICT (trade_id) WHERE archive_flag = false DO UPDATE SET
			payload = EXCLUDED.payload,
			enrichment_status = EXCLUDED.enrichment_status,
			workflow_status = EXCLUDED.workflow_status,
			state = EXCLUDED.state,
			rule_set_version = EXCLUDED.rule_set_version,
			version = swap_blotter.version + 1,
			processed_at = EXCLUDED.processed_at
		WHERE swap_blotter.version = $10
	`, b.TradeID, b.PartitionKey, b.Payload, b.EnrichmentStatus, b.WorkflowStatus,
		b.State, b.RuleSetVersion, expectedVersion+1, b.ProcessedAt, expectedVersion)
	if err != nil {
		return apperrors.NewDatabaseError("upsert swap_blotter", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewDatabaseError("upsert swap_blotter rows affected", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	b.Version = expectedVersion + 1
	return nil
}

// GetByTradeID fetches the non-archived blotter for a trade id.
func (r *Repository) GetByTradeID(ctx context.Context, tradeID string) (*SwapBlotter, error) {
	var b SwapBlotter
	err := r.db.GetContext(ctx, &b, `
		SELECT trade_id, partition_key, payload, enrichment_status, workflow_status,
		       state, rule_set_version, version, processed_at, archive_flag
		FROM swap_blotter
		WHERE trade_id = $1 AND archive_flag = false
	`, tradeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get swap_blotter %s: %w", tradeID, err)
	}
	return &b, nil
}
