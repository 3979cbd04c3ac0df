// Package pipeline implements the eight-stage processing pipeline run
// under the partition lock for a single trade request.
package pipeline

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/blotter"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/partitionstate"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// Context carries the mutable state threaded through every stage. A Stage
// reads and writes it in place; the pipeline does not copy it between
// stages.
type Context struct {
	Request        *trade.TradeRequest
	Blotter        *blotter.SwapBlotter
	State          *partitionstate.State
	NextState      trade.PositionState
	RuleSetVersion string
}

// Stage is the capability every pipeline step implements. Stages are freely
// composable; a pipeline is just an ordered list of them.
type Stage interface {
	Name() string
	Apply(ctx context.Context, pc *Context) error
}

// Pipeline runs an ordered, freely composable sequence of Stages.
type Pipeline struct {
	stages []Stage
	logger logr.Logger
}

func New(logger logr.Logger, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, logger: logger}
}

// Run executes every stage in order, stopping at the first error. Stages
// that tolerate partial failure (Enrich) or wrap external calls in a
// breaker handle that internally; everything else returns a classified
// error for the caller's retry policy.
func (p *Pipeline) Run(ctx context.Context, pc *Context) error {
	for _, stage := range p.stages {
		if err := stage.Apply(ctx, pc); err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
	}
	return nil
}
