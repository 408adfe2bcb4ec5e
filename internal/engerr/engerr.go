// Package engerr defines the engine's error taxonomy. Every public operation
// in store, retrieval, consolidate, and arbiter returns errors wrapped through
// this package rather than ad-hoc error strings, so callers can branch on Kind
// without parsing messages.
package engerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an engine error by what the caller should do about it, not
// by which component produced it.
type Kind int

const (
	// KindUnknown is never returned by engine code; it is the zero value
	// KindOf reports when the error isn't an *Error at all.
	KindUnknown Kind = iota
	KindNotFound
	KindInvariant
	KindConflict
	KindTimeout
	KindUnavailable
	KindRateLimited
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvariant:
		return "Invariant"
	case KindConflict:
		return "Conflict"
	case KindTimeout:
		return "Timeout"
	case KindUnavailable:
		return "Unavailable"
	case KindRateLimited:
		return "RateLimited"
	case KindValidation:
		return "Validation"
	default:
		return "Unknown"
	}
}

// Error is the engine's wrapped error type. Op names the operation that
// failed (e.g. "RecordStore.Transition"); Cause is the underlying error, if
// any; RetryAfter is only meaningful for KindRateLimited.
type Error struct {
	Kind       Kind
	Op         string
	Cause      error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

func NotFoundf(op string, cause error) *Error   { return new_(KindNotFound, op, cause) }
func Invariantf(op string, cause error) *Error  { return new_(KindInvariant, op, cause) }
func Conflictf(op string, cause error) *Error   { return new_(KindConflict, op, cause) }
func Timeoutf(op string, cause error) *Error    { return new_(KindTimeout, op, cause) }
func Unavailablef(op string, cause error) *Error { return new_(KindUnavailable, op, cause) }
func Validationf(op string, cause error) *Error { return new_(KindValidation, op, cause) }

// RateLimitedf builds a KindRateLimited error carrying a retry-after hint.
func RateLimitedf(op string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter}
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
