// Package errs defines the engine's closed set of error kinds, mapped by
// the API layer onto HTTP status codes and a uniform JSON error envelope.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the engine's seven error classifications.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindRevisionMismatch Kind = "revision_mismatch"
	KindDimMismatch      Kind = "dim_mismatch"
	KindInvalidArgument  Kind = "invalid_argument"
	KindUnavailable      Kind = "unavailable"
	KindInternal         Kind = "internal"
)

// Error is the engine's uniform error type: every error an engine method
// returns can be classified into exactly one Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NotFound(message string) *Error         { return New(KindNotFound, message) }
func AlreadyExists(message string) *Error    { return New(KindAlreadyExists, message) }
func RevisionMismatch(message string) *Error { return New(KindRevisionMismatch, message) }
func DimMismatch(message string) *Error      { return New(KindDimMismatch, message) }
func InvalidArgument(message string) *Error  { return New(KindInvalidArgument, message) }
func Unavailable(message string) *Error      { return New(KindUnavailable, message) }
func Internal(cause error) *Error            { return Wrap(KindInternal, "internal error", cause) }

// KindOf extracts the Kind from err, defaulting to KindInternal for any
// error that didn't originate as an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
