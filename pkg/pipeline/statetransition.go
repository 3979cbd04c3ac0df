package pipeline

import (
	"context"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// StateTransitionStage is stage 5: computes the next positionState (FORMED
// by default for a new trade) and validates it against the transition
// table. The mutation itself is only staged here; it is applied atomically
// with the blotter persist in CommitStage.
type StateTransitionStage struct {
	// Resolve optionally overrides the default "advance one step" rule,
	// e.g. for CANCEL requests that must jump straight to CANCELLED. A nil
	// Resolve defaults to FORMED for EXECUTED and is a no-op otherwise.
	Resolve func(pc *Context) trade.PositionState
}

func (StateTransitionStage) Name() string { return "state_transition" }

func (s StateTransitionStage) Apply(_ context.Context, pc *Context) error {
	next := pc.State.PositionState
	if s.Resolve != nil {
		next = s.Resolve(pc)
	} else if pc.State.PositionState == trade.StateExecuted {
		next = trade.StateFormed
	}

	if next != pc.State.PositionState && !trade.CanTransition(pc.State.PositionState, next) {
		return apperrors.NewInvalidStateTransition(string(pc.State.PositionState), string(next))
	}
	pc.NextState = next
	pc.Blotter.State = next
	return nil
}
