package shift

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrCapability = errors.New("capability error")
	ErrTransient  = errors.New("transient io error")
	ErrInvariant  = errors.New("invariant violation")
)

// Error is returned by every Machine operation that rejects a request.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationf(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func capability(op string, err error) error {
	return &Error{Kind: ErrCapability, Op: op, Err: err}
}

func transient(op, msg string, err error) error {
	return &Error{Kind: ErrTransient, Op: op, Msg: msg, Err: err}
}
