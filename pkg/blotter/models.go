// Package blotter persists the SwapBlotter artifact: the pipeline's final
// output, owned exclusively by the partition worker between acquisition
// and publication.
package blotter

import (
	"encoding/json"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// ProcessingMetadata records which rule-set version produced a blotter.
type ProcessingMetadata struct {
	RuleSetVersion string    `json:"ruleSetVersion" db:"rule_set_version"`
	ProcessedAt    time.Time `json:"processedAt" db:"processed_at"`
}

// SwapBlotter is the canonical persisted trade artifact.
type SwapBlotter struct {
	TradeID          string                 `json:"tradeId" db:"trade_id"`
	PartitionKey     string                 `json:"partitionKey" db:"partition_key"`
	Payload          json.RawMessage        `json:"payload" db:"payload"`
	EnrichmentStatus trade.EnrichmentStatus `json:"enrichmentStatus" db:"enrichment_status"`
	WorkflowStatus   string                 `json:"workflowStatus" db:"workflow_status"`
	State            trade.PositionState    `json:"state" db:"state"`
	RuleSetVersion   string                 `json:"ruleSetVersion" db:"rule_set_version"`
	Version          int64                  `json:"version" db:"version"`
	ProcessedAt      time.Time              `json:"processedAt" db:"processed_at"`
	ArchiveFlag      bool                   `json:"-" db:"archive_flag"`
}
