package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
)

// DeepValidateStage is stage 4: business invariants (credit limit, book
// open, ISIN format, CDM compliance) expressed as a pluggable rego policy
// so deployments can change the rule set without a code change. A `deny`
// set with any entries fails the trade.
type DeepValidateStage struct {
	query rego.PreparedEvalQuery
}

// NewDeepValidateStage compiles a rego module exposing `data.tradecapture.deny`
// as a set of human-readable violation strings.
func NewDeepValidateStage(ctx context.Context, policyModule string) (*DeepValidateStage, error) {
	query, err := rego.New(
		rego.Query("data.tradecapture.deny"),
		rego.Module("tradecapture_deep_validate.rego", policyModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile deep-validate policy: %w", err)
	}
	return &DeepValidateStage{query: query}, nil
}

func (DeepValidateStage) Name() string { return "deep_validate" }

func (s *DeepValidateStage) Apply(ctx context.Context, pc *Context) error {
	payload := map[string]any{}
	if len(pc.Blotter.Payload) > 0 {
		if err := json.Unmarshal(pc.Blotter.Payload, &payload); err != nil {
			return apperrors.Wrap(err, apperrors.KindValidation, "payload is not a JSON object")
		}
	}
	input := map[string]any{
		"payload": payload,
		"state":   string(pc.State.PositionState),
	}

	results, err := s.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindProcessingError, "deep-validate policy evaluation failed")
	}

	var violations []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			list, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, v := range list {
				if msg, ok := v.(string); ok {
					violations = append(violations, msg)
				}
			}
		}
	}
	if len(violations) > 0 {
		return apperrors.Newf(apperrors.KindValidation, "deep validation failed: %v", violations)
	}
	return nil
}

// DefaultPolicy is the baseline rego module shipped with this service: an
// ISIN-format and positive-notional invariant. Deployments replace it by
// compiling their own module through NewDeepValidateStage.
const DefaultPolicy = `
package tradecapture

deny contains msg if {
	input.payload.notional <= 0
	msg := "notional must be positive"
}

deny contains msg if {
	input.payload.isin
	not regex.match("^[A-Z]{2}[A-Z0-9]{9}[0-9]$", input.payload.isin)
	msg := sprintf("isin %q is not a valid ISIN", [input.payload.isin])
}
`
