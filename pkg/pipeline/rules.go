package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/itchyny/gojq"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
)

// RuleSetKind names the three rule families, evaluated in a fixed order.
type RuleSetKind string

const (
	RuleSetEconomic    RuleSetKind = "ECONOMIC"
	RuleSetNonEconomic RuleSetKind = "NON_ECONOMIC"
	RuleSetWorkflow    RuleSetKind = "WORKFLOW"
)

var ruleSetOrder = map[RuleSetKind]int{
	RuleSetEconomic:    0,
	RuleSetNonEconomic: 1,
	RuleSetWorkflow:    2,
}

// Rule is one predicate + action-list entry. Predicate and each Action are
// jq expressions evaluated against the blotter's payload: Predicate must
// produce a single boolean, and each Action must produce the transformed
// payload object (e.g. `.approvalRequired = true`), per gojq's native
// support for jq's assignment operators.
type Rule struct {
	Name      string
	Set       RuleSetKind
	Priority  int
	Predicate string
	Actions   []string
}

// RulesStage is stage 3: a pure, deterministic rules engine over
// (request, ruleset), with jq expressions as the predicate and action
// language.
type RulesStage struct {
	Rules   []Rule
	Version string
}

func (RulesStage) Name() string { return "rules" }

func (s RulesStage) Apply(_ context.Context, pc *Context) error {
	ordered := make([]Rule, len(s.Rules))
	copy(ordered, s.Rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ruleSetOrder[ordered[i].Set] != ruleSetOrder[ordered[j].Set] {
			return ruleSetOrder[ordered[i].Set] < ruleSetOrder[ordered[j].Set]
		}
		return ordered[i].Priority < ordered[j].Priority
	})

	payload := map[string]any{}
	if len(pc.Blotter.Payload) > 0 {
		if err := json.Unmarshal(pc.Blotter.Payload, &payload); err != nil {
			return apperrors.Wrap(err, apperrors.KindValidation, "payload is not a JSON object")
		}
	}

	for _, rule := range ordered {
		matched, err := evalPredicate(rule.Predicate, payload)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.KindProcessingError, "rule %s predicate evaluation failed", rule.Name)
		}
		if !matched {
			continue
		}
		for _, action := range rule.Actions {
			payload, err = evalAction(action, payload)
			if err != nil {
				return apperrors.Wrapf(err, apperrors.KindProcessingError, "rule %s action evaluation failed", rule.Name)
			}
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "re-encode rule-transformed payload")
	}
	pc.Blotter.Payload = encoded
	pc.RuleSetVersion = s.Version
	pc.Blotter.RuleSetVersion = s.Version
	return nil
}

func evalPredicate(expr string, input map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("parse predicate %q: %w", expr, err)
	}
	iter := query.Run(input)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, ok := v.(error); ok {
		return false, fmt.Errorf("run predicate %q: %w", expr, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q did not produce a boolean, got %T", expr, v)
	}
	return b, nil
}

func evalAction(expr string, input map[string]any) (map[string]any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse action %q: %w", expr, err)
	}
	iter := query.Run(input)
	v, ok := iter.Next()
	if !ok {
		return input, nil
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("run action %q: %w", expr, err)
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("action %q did not produce an object, got %T", expr, v)
	}
	return out, nil
}
