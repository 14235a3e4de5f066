// Package fault defines the engine's fault taxonomy. Every fault is an
// eager precondition failure: fatal, local, never retried. Exploration and
// conversion are deterministic, so a fault implies whole-run re-execution.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault.
type Kind int

const (
	// KindOrdering marks an operation invoked before its precondition,
	// e.g. a probability query before the matrix build finished.
	KindOrdering Kind = iota

	// KindConsistency marks a nondeterminism-consistency violation: a
	// replayed path did not reproduce the recorded choice count or order.
	KindConsistency

	// KindCapacity marks an id or buffer position exceeding the chosen
	// addressing width. The remedy is wider storage, not a retry.
	KindCapacity

	// KindFormula marks a formula whose semantic kind does not match the
	// requested operation.
	KindFormula
)

func (k Kind) String() string {
	switch k {
	case KindOrdering:
		return "ordering"
	case KindConsistency:
		return "consistency"
	case KindCapacity:
		return "capacity"
	case KindFormula:
		return "formula"
	default:
		return "unknown"
	}
}

// Error is a classified engine fault.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s fault: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s fault: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two faults by kind, so errors.Is(err, fault.Ordering("")) works
// with the kind sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Orderingf returns an ordering fault.
func Orderingf(format string, args ...any) *Error {
	return &Error{Kind: KindOrdering, Msg: fmt.Sprintf(format, args...)}
}

// Consistencyf returns a nondeterminism-consistency fault.
func Consistencyf(format string, args ...any) *Error {
	return &Error{Kind: KindConsistency, Msg: fmt.Sprintf(format, args...)}
}

// Capacityf returns a capacity fault.
func Capacityf(format string, args ...any) *Error {
	return &Error{Kind: KindCapacity, Msg: fmt.Sprintf(format, args...)}
}

// Formulaf returns a formula-kind fault.
func Formulaf(format string, args ...any) *Error {
	return &Error{Kind: KindFormula, Msg: fmt.Sprintf(format, args...)}
}

// Kind sentinels for errors.Is matching.
var (
	ErrOrdering    = &Error{Kind: KindOrdering, Msg: "ordering violation"}
	ErrConsistency = &Error{Kind: KindConsistency, Msg: "nondeterminism consistency violation"}
	ErrCapacity    = &Error{Kind: KindCapacity, Msg: "capacity exceeded"}
	ErrFormula     = &Error{Kind: KindFormula, Msg: "formula kind mismatch"}
)

// Recover converts a panic raised with a *Error back into an error return.
// Model step code cannot thread errors through the choice protocol, so
// contract violations panic and the exploration boundary recovers them.
// Non-fault panics are re-raised.
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	fe, ok := r.(*Error)
	if !ok {
		panic(r)
	}
	if *err == nil {
		*err = fe
	} else {
		*err = errors.Join(*err, fe)
	}
}
