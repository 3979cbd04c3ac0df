// Package apperrors provides a structured application error type shared
// across the capture pipeline, carrying the HTTP status and retry
// classification tied to each error kind.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error for retry policy and client-facing status code.
type Kind string

const (
	KindValidation      Kind = "VALIDATION_ERROR"
	KindDuplicate       Kind = "DUPLICATE_TRADE_ID"
	KindLockFailed      Kind = "LOCK_ACQUISITION_FAILED"
	KindSequenceGap     Kind = "SEQUENCE_GAP"
	KindInvalidState    Kind = "INVALID_STATE_TRANSITION"
	KindEnrichmentFail  Kind = "ENRICHMENT_FAILED"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindUnavailable     Kind = "SERVICE_UNAVAILABLE"
	KindProcessingError Kind = "PROCESSING_ERROR"
	KindNotFound        Kind = "NOT_FOUND"
	KindTimeout         Kind = "TIMEOUT"
	KindDatabase        Kind = "DATABASE_ERROR"
	KindNetwork         Kind = "NETWORK_ERROR"
	KindInternal        Kind = "INTERNAL_ERROR"
)

var statusByKind = map[Kind]int{
	KindValidation:      http.StatusBadRequest,
	KindDuplicate:       http.StatusConflict,
	KindLockFailed:      http.StatusInternalServerError,
	KindSequenceGap:     http.StatusInternalServerError,
	KindInvalidState:    http.StatusBadRequest,
	KindEnrichmentFail:  http.StatusInternalServerError,
	KindRateLimited:     http.StatusTooManyRequests,
	KindUnavailable:     http.StatusServiceUnavailable,
	KindProcessingError: http.StatusInternalServerError,
	KindNotFound:        http.StatusNotFound,
	KindTimeout:         http.StatusRequestTimeout,
	KindDatabase:        http.StatusInternalServerError,
	KindNetwork:         http.StatusInternalServerError,
	KindInternal:        http.StatusInternalServerError,
}

// Retryable reports whether the error kind represents a transient condition
// that the caller (or an internal retry loop) may retry.
var retryableKinds = map[Kind]bool{
	KindLockFailed:      true,
	KindSequenceGap:     true,
	KindEnrichmentFail:  true,
	KindRateLimited:     true,
	KindUnavailable:     true,
	KindProcessingError: true,
	KindTimeout:         true,
	KindDatabase:        true,
	KindNetwork:         true,
}

// AppError is the structured error carried through the pipeline and
// surfaced to REST clients.
type AppError struct {
	Kind       Kind
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

func New(kind Kind, message string) *AppError {
	return &AppError{
		Kind:       kind,
		Message:    message,
		StatusCode: statusFor(kind),
	}
}

func Newf(kind Kind, format string, args ...any) *AppError {
	return New(kind, fmt.Sprintf(format, args...))
}

func Wrap(cause error, kind Kind, message string) *AppError {
	return &AppError{
		Kind:       kind,
		Message:    message,
		StatusCode: statusFor(kind),
		Cause:      cause,
	}
}

func Wrapf(cause error, kind Kind, format string, args ...any) *AppError {
	return Wrap(cause, kind, fmt.Sprintf(format, args...))
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func (e *AppError) Error() string {
	s := fmt.Sprintf("%s: %s", kindLabel(e.Kind), e.Message)
	if e.Details != "" {
		s = fmt.Sprintf("%s (%s)", s, e.Details)
	}
	return s
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether this error class is safe to retry.
func (e *AppError) Retryable() bool {
	return retryableKinds[e.Kind]
}

func statusFor(kind Kind) int {
	if code, ok := statusByKind[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func kindLabel(kind Kind) string {
	switch kind {
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindLockFailed:
		return "lock_acquisition_failed"
	case KindSequenceGap:
		return "sequence_gap"
	case KindInvalidState:
		return "invalid_state_transition"
	case KindEnrichmentFail:
		return "enrichment_failed"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "service_unavailable"
	case KindProcessingError:
		return "processing_error"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindDatabase:
		return "database"
	case KindNetwork:
		return "network"
	default:
		return "internal"
	}
}

// As is a convenience wrapper over errors.As for *AppError.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsRetryable reports whether err is (or wraps) a retryable AppError. A
// plain, unclassified error is treated as retryable by default since the
// conservative choice for unknown I/O failures is to retry.
func IsRetryable(err error) bool {
	if ae, ok := As(err); ok {
		return ae.Retryable()
	}
	return err != nil
}

// Predefined constructors mirroring common cases used across the pipeline.

func NewValidationError(message string) *AppError {
	return New(KindValidation, message)
}

func NewDuplicateError(tradeID string) *AppError {
	return Newf(KindDuplicate, "trade %s already processed", tradeID)
}

func NewNotFoundError(resource string) *AppError {
	return Newf(KindNotFound, "%s not found", resource)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, KindDatabase, "database operation failed: %s", operation)
}

func NewLockAcquisitionError(partitionKey string) *AppError {
	return Newf(KindLockFailed, "failed to acquire lock for partition %s", partitionKey)
}

func NewInvalidStateTransition(from, to string) *AppError {
	return Newf(KindInvalidState, "invalid state transition from %s to %s", from, to)
}

// IsUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal used throughout this package to translate a
// primary-key or partial-unique-index collision into a domain DUPLICATE
// outcome instead of a generic database error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
