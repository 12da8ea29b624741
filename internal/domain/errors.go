package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator failures. The kind decides run-level
// policy: policy, execution and integration failures inside a batch are
// fatal to the run; persistence failures are logged and tolerated; graph
// and concurrency violations are rejected before execution begins.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindResource      ErrorKind = "resource"
	KindPolicy        ErrorKind = "policy"
	KindExecution     ErrorKind = "execution"
	KindIntegration   ErrorKind = "integration"
	KindPersistence   ErrorKind = "persistence"
	KindConcurrency   ErrorKind = "concurrency"
	KindGraph         ErrorKind = "graph"
)

// Error carries a kind, the failing operation and an optional cause
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op
	if s == "" {
		s = string(e.Kind)
	} else {
		s += ": " + string(e.Kind)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf creates a leaf error of the given kind
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause with a kind and operation context
func WrapError(kind ErrorKind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain,
// or the empty kind when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an *Error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
