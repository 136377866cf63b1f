package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a mirror being briefly unreachable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting (for example the App Store or
	// a package registry refusing requests). Retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates the backing store was locked by another
	// process, such as a concurrent brew invocation.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unknown package, invalid preference value, permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Subject is the item, preference or resource kind involved, if any.
	Subject string `json:"subject,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Subject != "" && e.Operation != "":
		msg += fmt.Sprintf(" (subject=%s, operation=%s)", e.Subject, e.Operation)
	case e.Subject != "":
		msg += fmt.Sprintf(" (subject=%s)", e.Subject)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Reason returns a short description suitable for a report line.
func (e *EngineError) Reason() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithSubject adds subject context to an error.
func (e *EngineError) WithSubject(subject string) *EngineError {
	e.Subject = subject
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
// Unclassified errors count as permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return !IsRetryable(err)
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeUnsupported       = "UNSUPPORTED"
	ErrCodeInvalidValue      = "INVALID_VALUE"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeLocked            = "LOCKED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodeCollectionFailed  = "COLLECTION_FAILED"
	ErrCodeActionFailed      = "ACTION_FAILED"
	ErrCodePolicyAmbiguous   = "POLICY_AMBIGUOUS"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeConfigWriteFailed = "CONFIG_WRITE_FAILED"
	ErrCodeNoAdapters        = "NO_ADAPTERS"
	ErrCodeUniverseMismatch  = "UNIVERSE_MISMATCH"
)

// ErrUnsupported is returned by adapters for operations outside their
// capability, such as reading a preference from a package manager.
var ErrUnsupported = NewPermanentError("operation not supported by adapter", nil).
	WithCode(ErrCodeUnsupported)

// NewCollectionError reports that the state of a resource kind or subject
// could not be read. It aborts that portion of a run only.
func NewCollectionError(subject string, err error) *EngineError {
	class := ErrorClassPermanent
	var ee *EngineError
	if errors.As(err, &ee) {
		class = ee.Class
	}
	return (&EngineError{
		Class:   class,
		Message: "cannot collect observed state",
		Err:     err,
	}).WithCode(ErrCodeCollectionFailed).WithSubject(subject).WithOperation("collect")
}

// NewActionError classifies a failure returned while applying an action.
// The class of a wrapped EngineError is preserved; an expired per-call
// deadline is transient; anything else is permanent.
func NewActionError(action Action, err error) *EngineError {
	class := ErrorClassPermanent
	code := ErrCodeActionFailed

	var ee *EngineError
	switch {
	case errors.As(err, &ee):
		class = ee.Class
		if ee.Code != "" {
			code = ee.Code
		}
	case errors.Is(err, context.DeadlineExceeded):
		class = ErrorClassTransient
		code = ErrCodeTimeout
	}

	return (&EngineError{
		Class:   class,
		Message: fmt.Sprintf("%s failed", action.Type),
		Err:     err,
	}).WithCode(code).WithSubject(action.Subject.String()).WithOperation(string(action.Type))
}

// NewPolicyAmbiguityError reports a conflict that needed an external
// decision and received none.
func NewPolicyAmbiguityError(rec ChangeRecord) *EngineError {
	return NewPermanentError("conflict requires a resolution and none was given", nil).
		WithCode(ErrCodePolicyAmbiguous).
		WithSubject(rec.Subject.String()).
		WithDetail("declared", rec.Declared.String()).
		WithDetail("observed", rec.Observed.String())
}

// NewConfigWriteError reports that a captured value could not be persisted.
// The system-side state is left as it is.
func NewConfigWriteError(subject Subject, err error) *EngineError {
	class := ErrorClassPermanent
	var ee *EngineError
	if errors.As(err, &ee) {
		class = ee.Class
	}
	return (&EngineError{
		Class:   class,
		Message: "cannot write captured value to config",
		Err:     err,
	}).WithCode(ErrCodeConfigWriteFailed).WithSubject(subject.String()).WithOperation(string(ActionRecordToConfig))
}

// AsEngineError returns err as an *EngineError, wrapping it as permanent if
// it is not one already.
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return NewPermanentError(err.Error(), nil).WithCode(ErrCodeInternal)
}
