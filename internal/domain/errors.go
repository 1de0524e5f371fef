package domain

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the engine wraps exactly one of these,
// so callers can decide whether to fix input, fix configuration, or retry.
var (
	// ErrValidation marks malformed input rejected at ingest. Fix the input.
	ErrValidation = errors.New("validation error")

	// ErrConfiguration marks an invalid rule set or engine parameter. Fatal at load.
	ErrConfiguration = errors.New("configuration error")

	// ErrEvaluation marks a single rule failing at runtime. Other rules still ran.
	ErrEvaluation = errors.New("rule evaluation error")

	// ErrScan marks an abandoned pattern scan. Retried on the next cadence.
	ErrScan = errors.New("scan error")
)

// ErrDuplicateTransaction is returned when a transaction id was already ingested.
var ErrDuplicateTransaction = fmt.Errorf("%w: duplicate transaction id", ErrValidation)

// ErrClosed is returned by operations on a stopped engine.
var ErrClosed = errors.New("engine is closed")

// ErrorCategory names the category of an engine error.
type ErrorCategory string

const (
	CategoryNone          ErrorCategory = ""
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryEvaluation    ErrorCategory = "evaluation"
	CategoryScan          ErrorCategory = "scan"
	CategoryInternal      ErrorCategory = "internal"
)

// Category classifies err.
func Category(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrValidation):
		return CategoryValidation
	case errors.Is(err, ErrConfiguration):
		return CategoryConfiguration
	case errors.Is(err, ErrEvaluation):
		return CategoryEvaluation
	case errors.Is(err, ErrScan):
		return CategoryScan
	default:
		return CategoryInternal
	}
}

// Retryable reports whether retrying the same call may succeed.
// Validation and configuration errors never succeed on retry.
func Retryable(err error) bool {
	switch Category(err) {
	case CategoryEvaluation, CategoryScan, CategoryInternal:
		return true
	default:
		return false
	}
}
