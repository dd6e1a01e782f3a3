// Package apperr defines the error taxonomy shared by every subsystem.
// Errors are first-class values: policy violations, budget exhaustion, and
// missing resources are expected outcomes, not panics. Backend failures are
// mapped into this taxonomy at the narrowest boundary that can classify them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping decisions.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthentication  Kind = "authentication"
	KindAuthorization   Kind = "authorization"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindRateLimit       Kind = "rate_limit"
	KindExternalService Kind = "external_service"
	KindPolicyViolation Kind = "policy_violation"
	KindBudgetExceeded  Kind = "budget_exceeded"
	KindTimeout         Kind = "timeout"
	KindCircuitOpen     Kind = "circuit_open"
	KindInternal        Kind = "internal"
)

// Well-known codes within kinds. Codes are stable strings surfaced to
// clients in run errors and HTTP responses.
const (
	CodeAccessDenied       = "AccessDenied"
	CodeSessionNotFound    = "SessionNotFound"
	CodeRunNotFound        = "RunNotFound"
	CodeCapacityExceeded   = "CapacityExceeded"
	CodeLaunchFailed       = "LaunchFailed"
	CodeElementNotFound    = "ElementNotFound"
	CodeActionFailed       = "ActionFailed"
	CodeEvaluationDisabled = "EvaluationDisabled"
	CodeUnsupportedBrowser = "UnsupportedBrowser"
	CodeUnknownProvider    = "UnknownProvider"
	CodeInvalidRequest     = "InvalidRequest"
	CodeBudgetExceeded     = "BudgetExceeded"
	CodeExecutionTimeout   = "ExecutionTimeout"
	CodeCircuitOpen        = "CircuitOpen"
	CodeURLBlocked         = "URLBlocked"
	CodeScriptUnsafe       = "ScriptUnsafe"
	CodeDownloadBlocked    = "DownloadBlocked"
	CodeIllegalTransition  = "IllegalTransition"
)

// Error is the typed error carried across subsystem boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is reports kind-and-code equality so callers can match with errors.Is
// against sentinel-style targets built by the constructors below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

// New builds a taxonomy error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf builds a taxonomy error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause. The cause is preserved for errors.Is
// and %w chains but never surfaced verbatim to clients.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, wrapped: cause}
}

// WithDetails returns a copy carrying structured detail fields.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// KindOf extracts the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the Code of err, or empty for untyped errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Fatal reports whether err must fail the run with no retry: policy and
// budget failures, timeouts, and authorization denials are never retried.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindPolicyViolation, KindBudgetExceeded, KindTimeout, KindAuthorization, KindValidation:
		return true
	}
	return false
}
