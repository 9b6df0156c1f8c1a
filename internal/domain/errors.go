package domain

import "fmt"

// ErrorKind enumerates the semantic error categories of §7. These drive
// retry/terminal decisions in the completion handler; they are not Go error
// types callers type-switch on, just a classification carried alongside an
// error.
type ErrorKind string

const (
	ErrBadInput       ErrorKind = "BadInput"
	ErrExecution      ErrorKind = "ExecutionError"
	ErrTimeout        ErrorKind = "Timeout"
	ErrCanceled       ErrorKind = "Canceled"
	ErrInternal       ErrorKind = "Internal"
	ErrNotAuthorized  ErrorKind = "NotAuthorized"
	ErrScopeDenied    ErrorKind = "ScopeDenied"
)

// FlowError carries a semantic kind alongside the underlying cause so the
// dispatcher/completion handler can decide retry eligibility without
// string-matching error messages.
type FlowError struct {
	Kind ErrorKind
	Err  error
}

func (e *FlowError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FlowError) Unwrap() error { return e.Err }

func NewFlowError(kind ErrorKind, err error) *FlowError {
	return &FlowError{Kind: kind, Err: err}
}

// Retryable reports whether this error kind is ever eligible for the step's
// retry policy (subject also to the policy's own attempt/interval caps).
// Canceled, Internal, NotAuthorized and ScopeDenied are never retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrExecution, ErrTimeout, ErrBadInput:
		return true
	default:
		return false
	}
}
