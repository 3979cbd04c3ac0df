// Package idempotency implements the two-tier idempotency store guarding
// against duplicate trade submissions. L1 is a distributed cache consulted
// first; L2 is the durable record of record.
package idempotency

import "time"

// Status is the lifecycle state of an IdempotencyRecord.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Record is the durable L2 row, keyed by idempotencyKey.
type Record struct {
	IdempotencyKey string     `db:"idempotency_key"`
	TradeID        string     `db:"trade_id"`
	PartitionKey   string     `db:"partition_key"`
	Status         Status     `db:"status"`
	BlotterRef     string     `db:"blotter_ref"`
	CreatedAt      time.Time  `db:"created_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	ExpiresAt      time.Time  `db:"expires_at"`
	Version        int64      `db:"version"`
	ArchiveFlag    bool       `db:"archive_flag"`
}

// DefaultWindow is the default deduplication window: expiresAt = createdAt + window.
const DefaultWindow = 24 * time.Hour

// CheckResult is the outcome of Check.
type CheckResult struct {
	Hit        bool
	Processing bool
	Completed  bool
	BlotterRef string
}
