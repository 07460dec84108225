// Package errors provides the structured error kinds shared by every
// component of the compliance engine (§7 of the design spec).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, namespaced error kind surfaced to callers.
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"
	KindQuota        Kind = "QUOTA"
	KindUnavailable  Kind = "UNAVAILABLE"
	KindInternal     Kind = "INTERNAL"
)

var statusByKind = map[Kind]int{
	KindValidation:   http.StatusBadRequest,
	KindUnauthorized: http.StatusUnauthorized,
	KindForbidden:    http.StatusForbidden,
	KindNotFound:     http.StatusNotFound,
	KindConflict:     http.StatusConflict,
	KindQuota:        http.StatusTooManyRequests,
	KindUnavailable:  http.StatusServiceUnavailable,
	KindInternal:     http.StatusInternalServerError,
}

// Error is a structured error carrying a kind, a message, optional
// details and an optional wrapped cause.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Details    map[string]any
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetails attaches a key/value pair and returns the same error for chaining.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, StatusCode: statusByKind[kind]}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, StatusCode: statusByKind[kind], Cause: cause}
}

// Wrapf wraps cause with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...any) *Error {
	return Wrap(cause, kind, fmt.Sprintf(format, args...))
}

// Convenience constructors mirroring the kinds every component raises.

func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }

func Forbidden(message string) *Error { return New(KindForbidden, message) }

func NotFound(resource, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource)).WithDetails("id", id)
}

func Conflict(message string) *Error { return New(KindConflict, message) }

func Quota(message string) *Error { return New(KindQuota, message) }

func Unavailable(message string) *Error { return New(KindUnavailable, message) }

func Internal(message string, cause error) *Error {
	return Wrap(cause, KindInternal, message)
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// HTTPStatus extracts the HTTP status code for err, defaulting to 500
// when err is not a structured Error.
func HTTPStatus(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return http.StatusInternalServerError
}

// As extracts the structured *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
