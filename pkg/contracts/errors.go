package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable error contract surfaced to senders. Stages
// never swallow errors; they return typed errors which the processor
// maps to its terminal outcome.
type ErrorKind string

const (
	ErrConstitutionalHashMismatch ErrorKind = "ConstitutionalHashMismatch"
	ErrMessageMalformed           ErrorKind = "MessageMalformed"
	ErrRoleViolation              ErrorKind = "RoleViolation"
	ErrPolicyUnavailable          ErrorKind = "PolicyUnavailable"
	ErrPolicyDenied               ErrorKind = "PolicyDenied"
	ErrScoreTimeout               ErrorKind = "ScoreTimeout"
	ErrBreakerOpen                ErrorKind = "BreakerOpen"
	ErrBackpressure               ErrorKind = "Backpressure"
	ErrCancelled                  ErrorKind = "Cancelled"
	ErrCancelledLate              ErrorKind = "CancelledLate"
	ErrInternal                   ErrorKind = "InternalError"
)

// Fatal reports whether the kind is terminal for the message: rejected,
// audited, never re-enqueued.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrConstitutionalHashMismatch, ErrMessageMalformed, ErrRoleViolation:
		return true
	default:
		return false
	}
}

// BusError is the typed error crossing stage boundaries.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type BusError struct {
	Kind       ErrorKind      `json:"kind"`
	Message    string         `json:"message"`
	Violations []string       `json:"violations,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *BusError) Error() string {
	if len(e.Violations) > 0 {
		return fmt.Sprintf("%s: %s (violations: %v)", e.Kind, e.Message, e.Violations)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is allows errors.Is matching against another BusError of the same kind.
func (e *BusError) Is(target error) bool {
	var be *BusError
	if errors.As(target, &be) {
		return be.Kind == e.Kind
	}
	return false
}

// NewBusError creates a typed bus error.
func NewBusError(kind ErrorKind, format string, args ...any) *BusError {
	return &BusError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail key and returns the error for chaining.
func (e *BusError) WithDetail(key string, value any) *BusError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithViolations attaches the policy violations list.
func (e *BusError) WithViolations(violations []string) *BusError {
	e.Violations = violations
	return e
}

// KindOf extracts the ErrorKind from err, mapping unknown errors to
// InternalError. A nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var be *BusError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ErrInternal
}

// SanitizeHash truncates a hash for safe inclusion in error messages and
// logs, showing only a leading fragment of the rejected value.
func SanitizeHash(hash string) string {
	const maxVisible = 8
	if len(hash) <= maxVisible {
		return hash
	}
	return hash[:maxVisible] + "..."
}
