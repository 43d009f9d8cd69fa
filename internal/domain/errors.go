package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. The API layer maps
// them to HTTP status codes; TaskError carries the stable code on the wire.

var (
	// Submission errors
	ErrValidation            = errors.New("validation failed")
	ErrResourceUnsatisfiable = errors.New("requested VRAM exceeds total budget")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrDuplicateTask         = errors.New("idempotency key already bound")

	// Worker errors
	ErrTransientWorker = errors.New("transient worker failure")
	ErrPermanentWorker = errors.New("permanent worker failure")

	// Delivery errors
	ErrDeliveryFailure = errors.New("webhook delivery failed")

	// Lookup errors
	ErrTaskNotFound  = errors.New("task not found")
	ErrBatchNotFound = errors.New("batch not found")
)

// ErrorCode is the stable machine-readable code surfaced with failures.
type ErrorCode string

const (
	CodeValidation            ErrorCode = "validation_error"
	CodeResourceUnsatisfiable ErrorCode = "resource_unsatisfiable"
	CodeTransientWorker       ErrorCode = "transient_worker_error"
	CodePermanentWorker       ErrorCode = "permanent_worker_error"
	CodeRateLimited           ErrorCode = "rate_limited"
	CodeDeliveryFailure       ErrorCode = "delivery_failure"
	CodeNotFound              ErrorCode = "not_found"
	CodeInternal              ErrorCode = "internal_error"
)

// CodeFor maps a sentinel (or wrapped sentinel) to its wire code.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDuplicateTask):
		return CodeValidation
	case errors.Is(err, ErrResourceUnsatisfiable):
		return CodeResourceUnsatisfiable
	case errors.Is(err, ErrTransientWorker):
		return CodeTransientWorker
	case errors.Is(err, ErrPermanentWorker):
		return CodePermanentWorker
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrDeliveryFailure):
		return CodeDeliveryFailure
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrBatchNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
