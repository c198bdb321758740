// Package taxonomy defines the engine-wide error taxonomy.
//
// Every failure surfaced across a component boundary carries one of these
// codes so handlers, the ledger, and admin surfaces can classify it without
// string matching.
package taxonomy

import (
	"errors"
	"fmt"
)

// Code classifies an error.
type Code string

const (
	CodeConfig              Code = "CONFIG"
	CodeValidation          Code = "VALIDATION"
	CodeConditionalConflict Code = "CONDITIONAL_CONFLICT"
	CodeTransientUpstream   Code = "TRANSIENT_UPSTREAM"
	CodePermanentUpstream   Code = "PERMANENT_UPSTREAM"
	CodeAuth                Code = "AUTH"
	CodeRateLimit           Code = "RATE_LIMIT"
	CodeTimeout             Code = "TIMEOUT"
	CodeInvariant           Code = "INVARIANT"
	CodeInternal            Code = "INTERNAL"
)

// Error is a coded error with an optional trace correlation id.
type Error struct {
	Code    Code
	Message string
	TraceID string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithTrace attaches a trace id for ledger correlation.
func (e *Error) WithTrace(traceID string) *Error {
	e.TraceID = traceID
	return e
}

// Classify returns the taxonomy code of err, or CodeInternal for uncoded errors.
func Classify(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return Classify(err) == code
}

// IsConflict reports an expected lost race on a conditional write. Callers
// translate these to structured idempotency outcomes, never failures.
func IsConflict(err error) bool { return Is(err, CodeConditionalConflict) }

// IsTransient reports a retryable upstream failure.
func IsTransient(err error) bool { return Is(err, CodeTransientUpstream) }

// IsInvariant reports a fatal invariant violation (detector hash mismatch,
// state-machine violation, unknown ruleset or rule).
func IsInvariant(err error) bool { return Is(err, CodeInvariant) }
