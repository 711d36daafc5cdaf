package stages

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure for the coordinator's retry decision.
type ErrorKind int

const (
	// KindTransient failures (timeouts, contention, I/O hiccups) are retried
	// on the same stage with a bounded attempt count.
	KindTransient ErrorKind = iota + 1
	// KindPermanent failures (corrupt input, unsupported content) move the
	// book to failed with no automatic retry.
	KindPermanent
)

// Error is the failure every stage returns: a classification plus detail.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == KindPermanent {
		return fmt.Sprintf("permanent: %v", e.Err)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable stage failure.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// Transientf formats a retryable stage failure.
func Transientf(format string, args ...any) *Error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanent wraps err as a terminal stage failure.
func Permanent(err error) *Error {
	return &Error{Kind: KindPermanent, Err: err}
}

// Permanentf formats a terminal stage failure.
func Permanentf(format string, args ...any) *Error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify extracts the error kind. Unclassified errors are treated as
// transient so an unexpected failure mode gets the benefit of a retry rather
// than burning the book.
func Classify(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}
