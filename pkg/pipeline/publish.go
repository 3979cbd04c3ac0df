package pipeline

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/blotter"
)

// Publisher hands a committed blotter to one downstream subscriber
// transport. Publish is at-least-once; failures must never roll back the
// commit that already happened in stage 7.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, b *blotter.SwapBlotter) error
}

// PublishStage is stage 8. It fans the committed blotter out to every
// configured Publisher; a publisher failure is logged, never propagated.
type PublishStage struct {
	Publishers []Publisher
	Logger     logr.Logger
}

func (PublishStage) Name() string { return "publish" }

func (s PublishStage) Apply(ctx context.Context, pc *Context) error {
	for _, publisher := range s.Publishers {
		if err := publisher.Publish(ctx, pc.Blotter); err != nil {
			s.Logger.Error(err, "publish failed, commit already durable", "publisher", publisher.Name(), "tradeId", pc.Blotter.TradeID)
		}
	}
	return nil
}
