// Package fault classifies workflow errors so the orchestrator can decide
// between retry, order restart, and final failure. Components classify at the
// point of detection; nothing below the orchestrator acts on a classification.
package fault

import (
	"errors"
	"fmt"
)

// Kind describes how the orchestrator should react to an error.
type Kind uint8

const (
	// KindUnknown marks an unclassified error. The orchestrator treats it as fatal.
	KindUnknown Kind = iota

	// KindPrecondition marks a configuration or environment defect that
	// retrying cannot fix (missing zone, delegation mismatch, mixed
	// challenge types).
	KindPrecondition

	// KindRetriable marks a transient condition worth retrying with backoff
	// (proof not yet visible, order still pending, flaky API call).
	KindRetriable

	// KindRestart marks an order-level dead end: the current CA order must be
	// abandoned and the workflow restarted with a fresh order.
	KindRestart

	// KindFatal marks a non-recoverable failure surfaced to the operator as is.
	KindFatal
)

// String returns the kind's name for logs and error text.
func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindRetriable:
		return "retriable"
	case KindRestart:
		return "restart"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error annotated with the operation and the resource it
// acted on, so failures are diagnosable without replaying the step.
type Error struct {
	Kind     Kind
	Op       string // short operation name, e.g. "zone.match"
	Resource string // resource the operation acted on, e.g. a domain or URL
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Resource != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s [%s]: %v", e.Op, e.Resource, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
	case e.Resource != "":
		return fmt.Sprintf("%s: %s [%s]", e.Op, e.Resource, e.Kind)
	default:
		return fmt.Sprintf("%s [%s]", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a classification. Resource may be empty.
func New(kind Kind, op, resource string, err error) *Error {
	return &Error{Kind: kind, Op: op, Resource: resource, Err: err}
}

// Precondition classifies err as a non-retriable precondition failure.
func Precondition(op, resource string, err error) *Error {
	return New(KindPrecondition, op, resource, err)
}

// Preconditionf builds a precondition failure from a format string.
func Preconditionf(op, resource, format string, args ...any) *Error {
	return New(KindPrecondition, op, resource, fmt.Errorf(format, args...))
}

// Retriable classifies err as transient.
func Retriable(op, resource string, err error) *Error {
	return New(KindRetriable, op, resource, err)
}

// Retriablef builds a transient failure from a format string.
func Retriablef(op, resource, format string, args ...any) *Error {
	return New(KindRetriable, op, resource, fmt.Errorf(format, args...))
}

// Restart classifies err as requiring a fresh CA order.
func Restart(op, resource string, err error) *Error {
	return New(KindRestart, op, resource, err)
}

// Restartf builds a restart-required failure from a format string.
func Restartf(op, resource, format string, args ...any) *Error {
	return New(KindRestart, op, resource, fmt.Errorf(format, args...))
}

// Fatal classifies err as non-recoverable.
func Fatal(op, resource string, err error) *Error {
	return New(KindFatal, op, resource, err)
}

// Fatalf builds a fatal failure from a format string.
func Fatalf(op, resource, format string, args ...any) *Error {
	return New(KindFatal, op, resource, fmt.Errorf(format, args...))
}

// KindOf walks the error chain and returns the outermost classification,
// or KindUnknown when the chain carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsRetriable reports whether err is classified as transient.
func IsRetriable(err error) bool { return KindOf(err) == KindRetriable }

// IsPrecondition reports whether err is classified as a precondition failure.
func IsPrecondition(err error) bool { return KindOf(err) == KindPrecondition }

// IsRestart reports whether err requires abandoning the current order.
func IsRestart(err error) bool { return KindOf(err) == KindRestart }
