package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies an error by how the caller should react to it.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindInternal   Kind = "internal"
)

// Code identifies a specific failure within a kind.
type Code string

const (
	// Validation codes
	CodeInvalidAmount     Code = "invalid_amount"
	CodeDirectionMismatch Code = "direction_mismatch"
	CodeTerminalState     Code = "terminal_state"
	CodeExceedsResidual   Code = "exceeds_residual"
	CodeInvalidInput      Code = "invalid_input"
	CodeUsage             Code = "usage"

	// NotFound codes
	CodeInvoiceNotFound      Code = "invoice_not_found"
	CodeTransactionNotFound  Code = "transaction_not_found"
	CodeCounterpartyNotFound Code = "counterparty_not_found"
	CodeLinkNotFound         Code = "link_not_found"

	// Conflict codes
	CodeDuplicateHash Code = "duplicate_hash"
	CodeDuplicateLink Code = "duplicate_link"

	// Transient codes
	CodeDatabaseBusy Code = "database_busy"
	CodeTimeout      Code = "timeout"

	// Internal codes
	CodeUnexpected Code = "unexpected_error"
	CodeDatabase   Code = "database_error"
)

// Exit codes for the CLI wrapper.
const (
	ExitOK         = 0
	ExitUsage      = 64
	ExitValidation = 65
	ExitInternal   = 70
)

// ReconcilerError is the error type surfaced by all core operations.
type ReconcilerError struct {
	Kind       Kind              `json:"kind"`
	Code       Code              `json:"code"`
	Message    string            `json:"message"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context carries structured detail about the failure.
type Context map[string]interface{}

// Error implements the error interface.
func (e *ReconcilerError) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Context))
	for k, v := range e.Context {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(parts, ", "))
}

// Unwrap returns the underlying cause error.
func (e *ReconcilerError) Unwrap() error {
	return e.Cause
}

// GetExitCode maps the error kind to a process exit code.
func (e *ReconcilerError) GetExitCode() int {
	switch e.Kind {
	case KindValidation:
		if e.Code == CodeUsage {
			return ExitUsage
		}
		return ExitValidation
	case KindNotFound, KindConflict:
		return ExitValidation
	case KindTransient, KindInternal:
		return ExitInternal
	default:
		return ExitInternal
	}
}

// WithContext adds a key/value pair to the error context.
func (e *ReconcilerError) WithContext(key string, value interface{}) *ReconcilerError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// New creates a new ReconcilerError.
func New(kind Kind, code Code, message string) *ReconcilerError {
	return &ReconcilerError{
		Kind:       kind,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Newf creates a new ReconcilerError with a formatted message.
func Newf(kind Kind, code Code, format string, args ...interface{}) *ReconcilerError {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with kind and code context.
func Wrap(err error, kind Kind, code Code, message string) *ReconcilerError {
	if err == nil {
		return nil
	}
	return &ReconcilerError{
		Kind:       kind,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Validation creates a validation error.
func Validation(code Code, format string, args ...interface{}) *ReconcilerError {
	return Newf(KindValidation, code, format, args...)
}

// NotFound creates a not-found error for the given entity and id.
func NotFound(code Code, entity string, id int64) *ReconcilerError {
	return Newf(KindNotFound, code, "%s %d not found", entity, id).
		WithContext("entity", entity).
		WithContext("id", id)
}

// Conflict creates a conflict error.
func Conflict(code Code, format string, args ...interface{}) *ReconcilerError {
	return Newf(KindConflict, code, format, args...)
}

// Transient creates a retryable error.
func Transient(code Code, err error, operation string) *ReconcilerError {
	return Wrap(err, KindTransient, code, fmt.Sprintf("transient failure during %s", operation)).
		WithContext("operation", operation)
}

// Internal wraps an unexpected error.
func Internal(err error, operation string) *ReconcilerError {
	return Wrap(err, KindInternal, CodeUnexpected, fmt.Sprintf("unexpected error during %s", operation)).
		WithContext("operation", operation)
}

// IsKind reports whether err is a ReconcilerError of the given kind.
func IsKind(err error, kind Kind) bool {
	re, ok := AsReconcilerError(err)
	return ok && re.Kind == kind
}

// AsReconcilerError extracts a ReconcilerError from an error chain.
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var re *ReconcilerError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// WrapIfNeeded wraps an error unless it already is a ReconcilerError.
func WrapIfNeeded(err error, kind Kind, code Code, message string) *ReconcilerError {
	if err == nil {
		return nil
	}
	if re, ok := AsReconcilerError(err); ok {
		return re
	}
	return Wrap(err, kind, code, message)
}

// ExitCodeFor returns the exit code for any error, treating non-ReconcilerError
// values as internal failures.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	if re, ok := AsReconcilerError(err); ok {
		return re.GetExitCode()
	}
	return ExitInternal
}
