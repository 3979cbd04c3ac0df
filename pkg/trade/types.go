// Package trade defines the canonical TradeRequest ingress type shared by
// every adapter (REST, queue, file upload, manual entry), along with the
// position lifecycle vocabulary the rest of the pipeline works in.
package trade

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// Source tags where a TradeRequest originated.
type Source string

const (
	SourceAutomated Source = "AUTOMATED"
	SourceManual    Source = "MANUAL"
	SourceFile      Source = "FILE"
	SourceAPI       Source = "API"
	SourceQueue     Source = "QUEUE"
)

// EnrichmentStatus tracks how completely the Enrich stage populated a blotter.
type EnrichmentStatus string

const (
	EnrichmentComplete EnrichmentStatus = "COMPLETE"
	EnrichmentPartial  EnrichmentStatus = "PARTIAL"
	EnrichmentFailed   EnrichmentStatus = "FAILED"
	EnrichmentPending  EnrichmentStatus = "PENDING"
)

// PositionState is the CDM-style lifecycle state of a partition.
type PositionState string

const (
	StateExecuted  PositionState = "EXECUTED"
	StateFormed    PositionState = "FORMED"
	StateSettled   PositionState = "SETTLED"
	StateCancelled PositionState = "CANCELLED"
	StateClosed    PositionState = "CLOSED"
)

// TransitionTable is the allowed position lifecycle graph. An empty "from"
// entry represents the initial transition out of no prior state.
var TransitionTable = map[PositionState][]PositionState{
	"":             {StateExecuted},
	StateExecuted:  {StateFormed, StateCancelled},
	StateFormed:    {StateSettled, StateCancelled},
	StateSettled:   {StateClosed},
	StateCancelled: {},
	StateClosed:    {},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to PositionState) bool {
	for _, allowed := range TransitionTable[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TradeRequest is the canonical, adapter-agnostic input to the pipeline.
type TradeRequest struct {
	TradeID          string          `json:"tradeId" validate:"required"`
	AccountID        string          `json:"accountId" validate:"required"`
	BookID           string          `json:"bookId" validate:"required"`
	SecurityID       string          `json:"securityId" validate:"required"`
	IdempotencyKey   string          `json:"idempotencyKey,omitempty"`
	SequenceNumber   *int64          `json:"sequenceNumber,omitempty" validate:"omitempty,min=1"`
	BookingTimestamp *time.Time      `json:"bookingTimestamp,omitempty"`
	Source           Source          `json:"source" validate:"required,oneof=AUTOMATED MANUAL FILE API QUEUE"`
	Payload          json.RawMessage `json:"payload" validate:"required"`
	CallbackURL      string          `json:"callbackUrl,omitempty" validate:"omitempty,url"`
	CorrelationID    string          `json:"correlationId,omitempty"`
}

var partitionKeySanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// PartitionKey derives the serialization domain:
// {accountId}_{bookId}_{securityId}.
func (r *TradeRequest) PartitionKey() string {
	return fmt.Sprintf("%s_%s_%s", r.AccountID, r.BookID, r.SecurityID)
}

// SanitizedPartitionKey applies the queue-topic sanitization rule: non
// alphanumeric characters (other than _ and -) become underscores.
func SanitizedPartitionKey(partitionKey string) string {
	return partitionKeySanitizer.ReplaceAllString(partitionKey, "_")
}

// Normalize fills in defaulted fields (idempotencyKey defaults to tradeId)
// and must be called once, immediately after an adapter produces the
// request, before it is treated as immutable.
func (r *TradeRequest) Normalize() {
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = r.TradeID
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	return v
}

// Validate checks structural invariants: required fields and enum ranges.
// It does not check business invariants (credit limits, book state, etc.),
// which belong to the deep-validate pipeline stage.
func (r *TradeRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("trade request validation failed: %w", err)
	}
	return nil
}

// RequireCallbackURL additionally validates that an async submission
// carries an absolute callback URL, required on the capture, manual-entry
// and upload REST paths.
func (r *TradeRequest) RequireCallbackURL() error {
	if r.CallbackURL == "" {
		return fmt.Errorf("callback URL is required for async submission")
	}
	u, err := url.ParseRequestURI(r.CallbackURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("callback URL %q must be an absolute URL", r.CallbackURL)
	}
	return nil
}
