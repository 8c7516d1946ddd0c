// Package syncerr classifies failures of remote calls so each component can
// pick the right recovery: retry, roll back, or resubscribe.
package syncerr

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/chatsync/internal/retry"
)

// Code categorizes a sync failure.
type Code string

const (
	// CodeTransient marks probe or write failures that may succeed on retry.
	CodeTransient Code = "TRANSIENT_NETWORK"

	// CodeRejected marks an explicit refusal by the remote platform, e.g. validation.
	CodeRejected Code = "PERMANENT_REJECTION"

	// CodeSubscriptionDropped marks a push subscription that ended unexpectedly.
	CodeSubscriptionDropped Code = "SUBSCRIPTION_DROPPED"
)

// Error is a classified failure with optional debugging context.
type Error struct {
	Code    Code
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithContext adds a key/value pair for logs.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a classified error.
func New(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Transient wraps a failure that the caller may retry.
func Transient(message string, err error) error {
	return New(CodeTransient, message, err)
}

// Rejected wraps an explicit refusal. The result is also a retry.PermanentError,
// so retry loops stop on it.
func Rejected(message string, err error) error {
	return retry.Permanent(New(CodeRejected, message, err))
}

// SubscriptionDropped reports the end of a push subscription.
func SubscriptionDropped(resource string, err error) error {
	return New(CodeSubscriptionDropped, "subscription dropped", err).WithContext("resource", resource)
}

// CodeOf extracts the code of a classified error. Unclassified errors are
// treated as transient.
func CodeOf(err error) Code {
	var syncErr *Error
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	return CodeTransient
}

// IsRejected reports whether err is a permanent rejection.
func IsRejected(err error) bool {
	return err != nil && (CodeOf(err) == CodeRejected || retry.IsPermanent(err))
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && !IsRejected(err) && CodeOf(err) == CodeTransient
}

// IsSubscriptionDropped reports whether err signals a lost subscription.
func IsSubscriptionDropped(err error) bool {
	return err != nil && CodeOf(err) == CodeSubscriptionDropped
}
