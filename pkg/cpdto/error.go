package cpdto

import (
	"errors"
	"fmt"
)

// Kind classifies domain failures for the command surface.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindInvalidTarget       Kind = "invalid_target"
	KindConflict            Kind = "conflict"
	KindStaleState          Kind = "stale_state"
	KindUnauthorized        Kind = "unauthorized"
	KindNotFound            Kind = "not_found"
	KindHandleNotFound      Kind = "handle_not_found"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindNoCandidate         Kind = "no_candidate"
)

// parent links a subtype to the kind it specializes.
var parent = map[Kind]Kind{
	KindInvalidTarget:  KindValidation,
	KindStaleState:     KindConflict,
	KindHandleNotFound: KindNotFound,
}

// Error is the typed failure returned by every core operation.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return e.Code
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, walking subtype parents.
// errors.Is(err, ErrConflict) therefore also matches StaleState.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	for k := e.Kind; k != ""; k = parent[k] {
		if k == t.Kind {
			return true
		}
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInvalidTarget       = &Error{Kind: KindInvalidTarget}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrStaleState          = &Error{Kind: KindStaleState}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrHandleNotFound      = &Error{Kind: KindHandleNotFound}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrNoCandidate         = &Error{Kind: KindNoCandidate}
)

func newErr(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return newErr(KindValidation, code, format, args...)
}

func InvalidTarget(format string, args ...any) *Error {
	return newErr(KindInvalidTarget, "invalid_target", format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return newErr(KindConflict, code, format, args...)
}

func StaleState(format string, args ...any) *Error {
	return newErr(KindStaleState, "stale_state", format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newErr(KindUnauthorized, "unauthorized", format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return newErr(KindNotFound, code, format, args...)
}

func HandleNotFound(handle string) *Error {
	return newErr(KindHandleNotFound, "handle_not_found", "handle %q not found", handle)
}

func NoCandidate(format string, args ...any) *Error {
	return newErr(KindNoCandidate, "no_candidate", format, args...)
}

// Upstream wraps a judge failure; it is the only retryable kind.
func Upstream(err error, format string, args ...any) *Error {
	e := newErr(KindUpstreamUnavailable, "upstream_unavailable", format, args...)
	e.Retryable = true
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
