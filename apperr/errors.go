// Package apperr defines the error-kind taxonomy surfaced by every component
// in the dispatcher, and maps each kind to an HTTP status code at the edge.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the categories the API surface maps
// to a fixed HTTP status. Components never return a raw error for anything
// a caller might reasonably branch on; they wrap it in a *Error instead.
type Kind string

const (
	BadRequest      Kind = "BadRequest"
	Unauthorized    Kind = "Unauthorized"
	Forbidden       Kind = "Forbidden"
	NotFound        Kind = "NotFound"
	Conflict        Kind = "Conflict"
	Timeout         Kind = "Timeout"
	StoreUnavailable Kind = "StoreUnavailable"
	Internal        Kind = "Internal"
)

var statusByKind = map[Kind]int{
	BadRequest:       http.StatusBadRequest,
	Unauthorized:     http.StatusUnauthorized,
	Forbidden:        http.StatusForbidden,
	NotFound:         http.StatusNotFound,
	Conflict:         http.StatusConflict,
	Timeout:          http.StatusRequestTimeout,
	StoreUnavailable: http.StatusServiceUnavailable,
	Internal:         http.StatusInternalServerError,
}

// Error is the typed error envelope every component returns for conditions
// the caller should be able to branch on by kind rather than by message text.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code this error's kind maps to.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that carries an underlying cause for logging, while
// keeping the caller-facing message independent of the cause's text.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// KindOf extracts the Kind of err if it (or something it wraps) is an *Error,
// defaulting to Internal for anything else.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}
