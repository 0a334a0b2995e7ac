// Package apperr defines the error taxonomy shared by the delivery pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	KindUnknown    Kind = iota
	KindValidation      // bad caller input, never retried
	KindTransient       // recoverable integration failure
	KindFatal           // unrecoverable integration failure
	KindStore           // backing store unavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindStore:
		return "store"
	default:
		return "unknown"
	}
}

// Error is the concrete error carried through the pipeline.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	StatusCode int // HTTP status from the external API, 0 when not applicable
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus exposes the upstream status code to classifiers.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Validation reports bad caller input.
func Validation(op, message string) error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// Store wraps a backing store failure.
func Store(op string, err error) error {
	return &Error{Kind: KindStore, Op: op, Err: err}
}

// Transient wraps a failure classified as recoverable.
func Transient(op string, statusCode int, err error) error {
	return &Error{Kind: KindTransient, Op: op, StatusCode: statusCode, Err: err}
}

// Fatal wraps a failure that must not be retried. message is user-safe.
func Fatal(op, message string, statusCode int, err error) error {
	return &Error{Kind: KindFatal, Op: op, Message: message, StatusCode: statusCode, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
