// Package apperr carries the error kinds surfaced at service boundaries.
package apperr

import (
	"errors"
	"fmt"
)

// Kind lets callers tell retryable failures from permanent ones.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindTransient  Kind = "transient"
	KindUpload     Kind = "upload"
	KindInternal   Kind = "internal"
)

// Error is a failure annotated with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the operation may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindUpload
}

// New builds an error with a fixed message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap annotates err with a kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation reports invalid input.
func Validation(op, msg string) *Error { return New(KindValidation, op, msg) }

// NotFound reports a missing resource.
func NotFound(op, msg string) *Error { return New(KindNotFound, op, msg) }

// Forbidden reports a denied action.
func Forbidden(op, msg string) *Error { return New(KindForbidden, op, msg) }

// Upload reports a blob storage failure. err is kept for logs only.
func Upload(op, msg string, err error) *Error {
	return &Error{Kind: KindUpload, Op: op, Msg: msg, Err: err}
}

// KindOf extracts the kind of err; unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Message returns the user-facing text of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		switch e.Kind {
		case KindTransient:
			return "temporarily unavailable"
		case KindUpload:
			return "upload failed"
		}
	}
	return "internal error"
}
