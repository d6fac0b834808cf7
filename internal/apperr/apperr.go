// Package apperr defines the error taxonomy shared by the store, the providers
// and the dispatch engine.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for envelope codes and HTTP status mapping.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindProvider   Kind = "provider"
	KindStore      Kind = "store"
	KindInternal   Kind = "internal"
)

// Sentinel errors for common lookups.
var (
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrAmbiguousLookup     = errors.New("exactly one of certificate_id or serial_number must be provided")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrProviderInactive    = errors.New("CA provider is not active")
	ErrUnknownProvider     = errors.New("unknown CA provider")
)

// Error wraps an underlying error with the operation that failed and its kind.
type Error struct {
	Op   string // e.g. "update_certificate_status"
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Validation is shorthand for a KindValidation error built from a format string.
func Validation(op string, format string, args ...any) *Error {
	return New(op, KindValidation, fmt.Errorf(format, args...))
}

// NotFound is shorthand for a KindNotFound error built from a format string.
func NotFound(op string, format string, args ...any) *Error {
	return New(op, KindNotFound, fmt.Errorf(format, args...))
}

// Kinder is implemented by errors that carry their own kind (e.g. provider errors).
type Kinder interface {
	ErrorKind() Kind
}

// KindOf reports the kind of err. Untyped errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	switch {
	case errors.Is(err, ErrCertificateNotFound):
		return KindNotFound
	case errors.Is(err, ErrAmbiguousLookup):
		return KindConflict
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrProviderInactive), errors.Is(err, ErrUnknownProvider):
		return KindValidation
	}
	return KindInternal
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsProvider(err error) bool   { return KindOf(err) == KindProvider }

// HTTPStatus maps a kind to an HTTP status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindProvider:
		return 502
	default:
		return 500
	}
}
