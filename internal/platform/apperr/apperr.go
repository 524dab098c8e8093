// Package apperr defines the error kinds services raise and the HTTP
// envelope they render to. Handlers never build error responses by hand;
// they return these and the echo error handler does the rest.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindInternal   Kind = "internal"
)

// Error is a service-level error with a kind and optional structured
// details, such as the close-gate missing map.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetails attaches structured details, replacing any existing ones.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Internal wraps an unexpected error. The cause is logged, never rendered.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, cause: cause}
}

// KindOf extracts the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsConflict reports whether err is a conflict-kind error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsNotFound reports whether err is a not-found-kind error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
