// Package handle mints process-unique identifiers for in-flight requests.
package handle

import "go.uber.org/atomic"

// counter is the single process-wide id source. It is incremented with
// relaxed atomicity: callers get uniqueness for the lifetime of the
// process, never an ordering guarantee across goroutines.
var counter atomic.Uint64

// Request carries a process-unique id alongside caller-supplied metadata T,
// e.g. a submission timestamp used later to compute round-trip time.
type Request[T any] struct {
	ID   uint64
	Data T
}

// Mint allocates a new handle for data. Safe to call from any goroutine.
func Mint[T any](data T) Request[T] {
	return Request[T]{
		ID:   counter.Add(1),
		Data: data,
	}
}
