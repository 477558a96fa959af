// Package apperr defines the typed failures returned by the asset services so a
// route layer can map them to status codes without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	NotFound
	InvalidState
	LimitExceeded
	AccessDenied
	StorageError
	Validation
	Conflict
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidState:
		return "invalid_state"
	case LimitExceeded:
		return "limit_exceeded"
	case AccessDenied:
		return "access_denied"
	case StorageError:
		return "storage_error"
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// kindError is the sentinel form of a Kind, usable as an errors.Is target.
type kindError Kind

func (k kindError) Error() string { return Kind(k).String() }

// Sentinels for errors.Is checks.
var (
	ErrNotFound      error = kindError(NotFound)
	ErrInvalidState  error = kindError(InvalidState)
	ErrLimitExceeded error = kindError(LimitExceeded)
	ErrAccessDenied  error = kindError(AccessDenied)
	ErrStorage       error = kindError(StorageError)
	ErrValidation    error = kindError(Validation)
	ErrConflict      error = kindError(Conflict)
)

// Error is a classified failure raised by operation Op.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels, so errors.Is(err, apperr.ErrNotFound) works for
// any *Error of kind NotFound.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && Kind(k) == e.Kind
}

// E builds an error of the given kind.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k kindError
	if errors.As(err, &k) {
		return Kind(k)
	}
	return KindUnknown
}

// HTTPStatus maps err to the status code a route layer should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case InvalidState, Conflict:
		return http.StatusConflict
	case LimitExceeded:
		return http.StatusRequestEntityTooLarge
	case AccessDenied:
		return http.StatusForbidden
	case Validation:
		return http.StatusBadRequest
	case StorageError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
