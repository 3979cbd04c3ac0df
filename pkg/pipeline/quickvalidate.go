package pipeline

import (
	"context"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
)

// QuickValidateStage is stage 1: structural checks on the inbound request.
// A failure here is fatal and terminal (VALIDATION_FAILED, no retry).
type QuickValidateStage struct{}

func (QuickValidateStage) Name() string { return "quick_validate" }

func (QuickValidateStage) Apply(_ context.Context, pc *Context) error {
	if err := pc.Request.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.KindValidation, "quick validation failed")
	}
	return nil
}
