// Package rcerrors defines the error taxonomy used across the RC-PAN core:
// every error raised by the state machine layers carries a
// Kind so that callers (R-layer, CLI, J-adapter) can apply the right
// propagation policy without string-matching.
package rcerrors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind classifies an error by how it must propagate.
type Kind uint8

const (
	// KindInvariant means a hard invariant would be violated by the
	// attempted state transition.
	KindInvariant Kind = iota

	// KindAdmission means a tx failed its preconditions.
	KindAdmission

	// KindConsensusMismatch means an ACKer re-derived a different frame
	// hash than the proposer sent.
	KindConsensusMismatch

	// KindDisputeGate means a business tx was attempted on a disputed
	// edge.
	KindDisputeGate

	// KindAdapterError means a J-adapter call failed or an event failed
	// to decode.
	KindAdapterError

	// KindTimeout means a batch broadcast timed out; retry-eligible.
	KindTimeout

	// KindFatal means an unexpected exception inside a handler.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvariant:
		return "invariant"
	case KindAdmission:
		return "admission"
	case KindConsensusMismatch:
		return "consensus_mismatch"
	case KindDisputeGate:
		return "dispute_gate"
	case KindAdapterError:
		return "adapter_error"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type threaded through the core. It wraps
// go-errors/errors so that Fatal-kind errors retain a stack trace usable in
// the operator-facing state dump (see runtime.DumpState).
type Error struct {
	Kind      Kind
	Predicate string
	inner     *goerrors.Error
}

// New constructs an Error of the given kind. Predicate should name the
// specific check that failed (e.g. "outCapacity", "prevStateHash") so a
// failed user action can surface which predicate it failed.
func New(kind Kind, predicate string, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Predicate: predicate,
		inner:     goerrors.New(fmt.Sprintf(format, args...)),
	}
}

// Wrap attaches a Kind and predicate name to an arbitrary error, preserving
// its stack via go-errors/errors.Wrap.
func Wrap(kind Kind, predicate string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      kind,
		Predicate: predicate,
		inner:     goerrors.Wrap(err, 1),
	}
}

func (e *Error) Error() string {
	if e.Predicate == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.inner.Error())
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Predicate, e.inner.Error())
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.inner.Err
}

// Stack returns the captured stack trace, used for the Fatal state dump.
func (e *Error) Stack() []byte {
	return e.inner.Stack()
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	rcErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return rcErr.Kind == kind
}

// Invariant is a convenience constructor for the common case.
func Invariant(predicate, format string, args ...interface{}) *Error {
	return New(KindInvariant, predicate, format, args...)
}

// Admission is a convenience constructor for the common case.
func Admission(predicate, format string, args ...interface{}) *Error {
	return New(KindAdmission, predicate, format, args...)
}

// DisputeGate is a convenience constructor for the common case.
func DisputeGate(format string, args ...interface{}) *Error {
	return New(KindDisputeGate, "disputed", format, args...)
}
