package pipeline

import (
	"context"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/idempotency"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/partitionstate"
)

// CommitStage is stage 7: advances lastSequenceNumber, writes the new
// positionState, and marks the idempotency record COMPLETED. The
// partition-state advance and the idempotency completion are two separate
// durable writes run back-to-back under the same partition lock, since the
// idempotency store must keep its own transactional scope.
type CommitStage struct {
	PartitionState *partitionstate.Store
	Idempotency    *idempotency.Store
	// AllowGap permits the sequence to jump ahead of lastSequenceNumber+1,
	// used only when the sequence buffer has released a stale gap under
	// policy release_with_warning.
	AllowGap bool
	Sequence int64
}

func (CommitStage) Name() string { return "commit" }

func (s CommitStage) Apply(ctx context.Context, pc *Context) error {
	var newState *partitionstate.State
	var err error
	if s.AllowGap {
		newState, err = s.PartitionState.Update(ctx, pc.Blotter.PartitionKey, pc.State.Version, func(cur *partitionstate.State) (*partitionstate.State, error) {
			return &partitionstate.State{
				PartitionKey:       cur.PartitionKey,
				LastSequenceNumber: s.Sequence,
				PositionState:      pc.NextState,
			}, nil
		})
	} else {
		newState, err = s.PartitionState.AdvanceSequence(ctx, pc.Blotter.PartitionKey, pc.State.Version, s.Sequence, pc.NextState)
	}
	if err != nil {
		return err
	}
	pc.State = newState

	return s.Idempotency.MarkCompleted(ctx, pc.Request.IdempotencyKey, pc.Blotter.TradeID)
}
