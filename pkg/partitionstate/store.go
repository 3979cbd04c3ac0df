// Package partitionstate implements durable per-partition sequence and
// lifecycle tracking with optimistic concurrency, enforcing the CDM-style
// state-transition table on every write.
package partitionstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// State is the durable record for one partitionKey.
type State struct {
	PartitionKey       string              `db:"partition_key"`
	LastSequenceNumber int64               `db:"last_sequence_number"`
	PositionState      trade.PositionState `db:"position_state"`
	Version            int64               `db:"version"`
	UpdatedAt          time.Time           `db:"updated_at"`
	ArchiveFlag        bool                `db:"archive_flag"`
}

// ErrVersionConflict signals the caller's expectedVersion is stale.
var ErrVersionConflict = errors.New("partition state version conflict")

// ErrSequenceNotNext is raised when AdvanceSequence is asked to jump by more
// than one, violating the monotonic-by-one contract.
var ErrSequenceNotNext = errors.New("sequence number is not lastSequenceNumber + 1")

// Store persists PartitionState rows.
type Store struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewStore(db *sqlx.DB, logger logr.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// GetOrInit returns the current state for key, creating an EXECUTED-state
// row with lastSequenceNumber=0 if none exists yet.
func (s *Store) GetOrInit(ctx context.Context, key string) (*State, error) {
	st, err := s.get(ctx, key)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get partition_state %s: %w", key, err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO partition_state (partition_key, last_sequence_number, position_state, version, updated_at, archive_flag)
		VALUES ($1, 0, $2, 1, $3, false)
		ON CONFLICT (partition_key) WHERE archive_flag = false DO NOTHING
	`, key, trade.StateExecuted, now)
	if err != nil {
		return nil, apperrors.NewDatabaseError("init partition_state", err)
	}
	return s.get(ctx, key)
}

func (s *Store) get(ctx context.Context, key string) (*State, error) {
	var st State
	err := s.db.GetContext(ctx, &st, `
		SELECT partition_key, last_sequence_number, position_state, version, updated_at, archive_flag
		FROM partition_state WHERE partition_key = $1 AND archive_flag = false
	`, key)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Mutator computes the next state given the current one; returning an error
// aborts the update without writing.
type Mutator func(current *State) (*State, error)

// Update applies mutator under an optimistic-concurrency check against
// expectedVersion, validating the state-transition table before writing.
func (s *Store) Update(ctx context.Context, key string, expectedVersion int64, mutator Mutator) (*State, error) {
	current, err := s.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get partition_state %s: %w", key, err)
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next, err := mutator(current)
	if err != nil {
		return nil, err
	}

	if !trade.CanTransition(current.PositionState, next.PositionState) && current.PositionState != next.PositionState {
		return nil, apperrors.NewInvalidStateTransition(string(current.PositionState), string(next.PositionState))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE partition_state
		SET last_sequence_number = $1, position_state = $2, version = version + 1, updated_at = $3
		WHERE partition_key = $4 AND version = $5 AND archive_flag = false
	`, next.LastSequenceNumber, next.PositionState, time.Now().UTC(), key, expectedVersion)
	if err != nil {
		return nil, apperrors.NewDatabaseError("update partition_state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.NewDatabaseError("update partition_state rows affected", err)
	}
	if n == 0 {
		return nil, ErrVersionConflict
	}

	next.Version = expectedVersion + 1
	return next, nil
}

// AdvanceSequence asserts newSeq == lastSequenceNumber+1 and commits the new
// position state atomically with it. It is invoked from within the same
// write scope as the blotter and idempotency commit, under the partition
// lock.
func (s *Store) AdvanceSequence(ctx context.Context, key string, expectedVersion, newSeq int64, nextPositionState trade.PositionState) (*State, error) {
	current, err := s.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get partition_state %s: %w", key, err)
	}
	if newSeq != current.LastSequenceNumber+1 {
		return nil, ErrSequenceNotNext
	}
	return s.Update(ctx, key, expectedVersion, func(cur *State) (*State, error) {
		return &State{
			PartitionKey:       cur.PartitionKey,
			LastSequenceNumber: newSeq,
			PositionState:      nextPositionState,
		}, nil
	})
}
