package pipeline

import (
	"context"
	"encoding/json"

	"github.com/go-logr/logr"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/shared/circuitbreaker"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// Enricher calls a single reference-data source (security master, account
// service, counterparty reference data, ...) and returns the fields it
// contributes.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, req *trade.TradeRequest) (map[string]any, error)
}

// EnrichStage is stage 2: calls out to each Enricher, tolerating partial
// failure. Mandatory fields missing after every enricher has run fail the
// trade with ENRICHMENT_FAILED; any other shortfall degrades it to PARTIAL
// without failing it.
type EnrichStage struct {
	Enrichers       []Enricher
	MandatoryFields []string
	Breaker         *circuitbreaker.Breaker
	Logger          logr.Logger
}

func (EnrichStage) Name() string { return "enrich" }

func (s EnrichStage) Apply(ctx context.Context, pc *Context) error {
	payload := map[string]any{}
	if len(pc.Blotter.Payload) > 0 {
		if err := json.Unmarshal(pc.Blotter.Payload, &payload); err != nil {
			return apperrors.Wrap(err, apperrors.KindValidation, "payload is not a JSON object")
		}
	}

	var failures int
	for _, enricher := range s.Enrichers {
		fields, err := s.call(ctx, enricher, pc.Request)
		if err != nil {
			failures++
			s.Logger.Info("enricher call failed, continuing with partial enrichment", "enricher", enricher.Name(), "error", err)
			continue
		}
		for k, v := range fields {
			payload[k] = v
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "re-encode enriched payload")
	}
	pc.Blotter.Payload = encoded

	missing := s.missingMandatory(payload)
	switch {
	case len(missing) > 0:
		pc.Blotter.EnrichmentStatus = trade.EnrichmentFailed
		return apperrors.Newf(apperrors.KindEnrichmentFail, "mandatory enrichment fields missing: %v", missing)
	case failures > 0:
		pc.Blotter.EnrichmentStatus = trade.EnrichmentPartial
	default:
		pc.Blotter.EnrichmentStatus = trade.EnrichmentComplete
	}
	return nil
}

func (s EnrichStage) call(ctx context.Context, enricher Enricher, req *trade.TradeRequest) (map[string]any, error) {
	if s.Breaker == nil {
		return enricher.Enrich(ctx, req)
	}
	var fields map[string]any
	err := s.Breaker.Execute(ctx, func(ctx context.Context) error {
		f, err := enricher.Enrich(ctx, req)
		fields = f
		return err
	})
	return fields, err
}

func (s EnrichStage) missingMandatory(payload map[string]any) []string {
	var missing []string
	for _, field := range s.MandatoryFields {
		if _, ok := payload[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}
