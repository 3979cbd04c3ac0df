package pipeline

import (
	"context"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/blotter"
)

// PersistBlotterStage is stage 6: upsert by tradeId with an optimistic
// version check.
type PersistBlotterStage struct {
	Repo *blotter.Repository
}

func (PersistBlotterStage) Name() string { return "persist_blotter" }

func (s PersistBlotterStage) Apply(ctx context.Context, pc *Context) error {
	pc.Blotter.ProcessedAt = time.Now().UTC()
	return s.Repo.Upsert(ctx, pc.Blotter, pc.Blotter.Version)
}
