package vendor

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies adapter failures so callers can decide uniformly
// whether to retry, skip, or surface the error. The set is closed.
type FailureKind string

const (
	// FailAuth covers rejected or expired credentials.
	FailAuth FailureKind = "auth"
	// FailTransient covers timeouts, connection errors, throttling, and
	// 5xx responses. The only retryable kind.
	FailTransient FailureKind = "transient"
	// FailMalformed covers responses or payloads that fail to parse or
	// validate.
	FailMalformed FailureKind = "malformed"
	// FailUnsupported marks a capability the vendor does not offer.
	FailUnsupported FailureKind = "unsupported"
	// FailCancelled marks shutdown-driven context cancellation.
	FailCancelled FailureKind = "cancelled"
)

// Error is a classified adapter failure.
type Error struct {
	Kind   FailureKind
	Vendor string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Vendor, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Vendor, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a classified adapter failure.
func NewError(kind FailureKind, vendorName, op string, err error) *Error {
	return &Error{Kind: kind, Vendor: vendorName, Op: op, Err: err}
}

// Errorf builds a classified failure from a format string.
func Errorf(kind FailureKind, vendorName, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Vendor: vendorName, Op: op, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the failure kind from an error chain. Context
// cancellation maps to cancelled; anything unclassified counts as
// transient so unknown failures stay retryable.
func Classify(err error) FailureKind {
	if errors.Is(err, context.Canceled) {
		return FailCancelled
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return FailTransient
}

// IsKind reports whether the error chain carries the given failure kind.
func IsKind(err error, kind FailureKind) bool {
	return Classify(err) == kind
}

// Retryable reports whether the failure is worth another attempt.
func Retryable(err error) bool {
	return Classify(err) == FailTransient
}
