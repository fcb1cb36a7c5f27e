// Package apierr defines the structured error kinds shared by the allocation
// engine, the orchestrator and the API surface. Every failure aborts the whole
// run; callers receive exactly one terminal error.
package apierr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindMissingRequiredField Kind = "missing_required_field"
	KindInvalidRequestData   Kind = "invalid_request_data"
	KindNotFound             Kind = "not_found"
	KindConcurrencyConflict  Kind = "concurrency_conflict"
	KindInternal             Kind = "internal_server_error"
)

type Error struct {
	Kind    Kind
	Message string
	Field   string
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: missing required field %q", e.Kind, e.Field)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func MissingRequiredField(field string) *Error {
	return &Error{Kind: KindMissingRequiredField, Field: field}
}

func InvalidRequestData(message string) *Error {
	return &Error{Kind: KindInvalidRequestData, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConcurrencyConflict, Message: message}
}

func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, cause: cause}
}

// KindOf extracts the error kind, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
