// Package ioerrs is the "absent value ⇒ I/O error" lift used by the
// pipelined client: several framing-engine readiness checks
// produce an optional value where, by protocol invariant, one should
// always be present. This package converts "absent" into a proper error
// instead of letting it panic or propagate as a silent zero value.
package ioerrs

import "errors"

// ErrInvariantViolated is returned by Ensure and EnsureVal when a required
// value was absent and no error was supplied.
var ErrInvariantViolated = errors.New("ioerrs: required value absent")

// Ensure returns err if ok is false, nil otherwise. Used where a bool
// reports whether a framing-engine call actually produced a value.
func Ensure(ok bool, err error) error {
	if ok {
		return nil
	}
	if err == nil {
		err = ErrInvariantViolated
	}
	return err
}

// EnsureVal lifts a (value, ok) pair into (value, error), substituting a
// zero T and the given error when ok is false.
func EnsureVal[T any](v T, ok bool, err error) (T, error) {
	if ok {
		return v, nil
	}
	var zero T
	if err == nil {
		err = ErrInvariantViolated
	}
	return zero, err
}
