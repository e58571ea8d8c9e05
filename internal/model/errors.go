package model

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Only KindTransient is safe to retry.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindInvalidState
	KindInvalidAmount
	KindConflict
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalidAmount:
		return "invalid_amount"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	}
	return "internal"
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare kind sentinel such as ErrNotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Msg != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrForbidden     = &Error{Kind: KindForbidden}
	ErrInvalidState  = &Error{Kind: KindInvalidState}
	ErrInvalidAmount = &Error{Kind: KindInvalidAmount}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrTransient     = &Error{Kind: KindTransient}
)

func newErr(k Kind, format string, args []any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error { return newErr(KindNotFound, format, args) }
func Forbidden(format string, args ...any) *Error { return newErr(KindForbidden, format, args) }
func InvalidState(format string, args ...any) *Error {
	return newErr(KindInvalidState, format, args)
}
func InvalidAmount(format string, args ...any) *Error {
	return newErr(KindInvalidAmount, format, args)
}
func Conflict(format string, args ...any) *Error { return newErr(KindConflict, format, args) }

// Transient wraps a store failure that the caller may retry.
func Transient(err error, msg string) *Error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
