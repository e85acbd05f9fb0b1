package errors

import (
	"errors"
	"fmt"
)

// Issue is the structured error type for llc. It pairs a typed code with a
// human-readable message and an actionable remediation hint.
type Issue struct {
	// Code is the typed issue code (e.g. CONTAINER_NOT_FOUND).
	Code Code

	// Message is the human-readable error message.
	Message string

	// Remediation is an actionable hint for the caller.
	Remediation string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error

	// Retryable indicates the operation may succeed on retry.
	Retryable bool
}

// Error implements the error interface.
func (e *Issue) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Issue) Unwrap() error {
	return e.Cause
}

// Is matches issues by code so errors.Is works across wrapping.
func (e *Issue) Is(target error) bool {
	if t, ok := target.(*Issue); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail. Returns the issue for chaining.
func (e *Issue) WithDetail(key, value string) *Issue {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRemediation overrides the default remediation hint.
func (e *Issue) WithRemediation(hint string) *Issue {
	e.Remediation = hint
	return e
}

// New creates an Issue with the given code and message. Retryability and
// remediation are derived from the code.
func New(code Code, message string) *Issue {
	return &Issue{
		Code:        code,
		Message:     message,
		Remediation: RemediationFor(code),
		Retryable:   IsRetryableCode(code),
	}
}

// Newf creates an Issue with a formatted message.
func Newf(code Code, format string, args ...any) *Issue {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Issue from an existing error. Returns nil for nil errors.
func Wrap(code Code, err error) *Issue {
	if err == nil {
		return nil
	}
	issue := New(code, err.Error())
	issue.Cause = err
	return issue
}

// IsRetryable reports whether an error is a retryable Issue. Non-Issue
// errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var issue *Issue
	if errors.As(err, &issue) {
		return issue.Retryable
	}
	return false
}

// CodeOf extracts the issue code from an error chain.
// Returns CodeInternal for non-Issue errors.
func CodeOf(err error) Code {
	var issue *Issue
	if errors.As(err, &issue) {
		return issue.Code
	}
	return CodeInternal
}

// Is re-exports errors.Is so callers need only one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As re-exports errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// Join re-exports errors.Join.
func Join(errs ...error) error { return errors.Join(errs...) }
