// Package apperrors defines the error taxonomy shared by the payment
// lifecycle. Callers branch on Kind rather than on error strings.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for HTTP mapping.
type Kind string

// KindAuth is the service failing to authenticate upstream; KindUnauthorized
// is a caller presenting bad credentials such as a wrong PIN.
const (
	KindValidation   Kind = "VALIDATION_ERROR"
	KindAuth         Kind = "AUTH_ERROR"
	KindProvider     Kind = "PROVIDER_ERROR"
	KindPersistence  Kind = "PERSISTENCE_ERROR"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindInternal     Kind = "INTERNAL_ERROR"
)

// HTTPStatus returns the response status used when an error of this kind
// reaches an HTTP handler.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindAuth, KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry after backoff.
func (k Kind) Retryable() bool {
	return k == KindAuth || k == KindProvider
}

// Error is a classified error
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Err
}

func newf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, nil, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, nil, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, nil, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newf(KindUnauthorized, nil, format, args...)
}

func Auth(err error, format string, args ...any) *Error {
	return newf(KindAuth, err, format, args...)
}

func Provider(err error, format string, args ...any) *Error {
	return newf(KindProvider, err, format, args...)
}

func Persistence(err error, format string, args ...any) *Error {
	return newf(KindPersistence, err, format, args...)
}

func Internal(err error, format string, args ...any) *Error {
	return newf(KindInternal, err, format, args...)
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are reported as KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
