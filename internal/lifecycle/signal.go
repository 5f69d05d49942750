// Package lifecycle provides a one-shot, multi-waiter completion signal
// used for the open and closed transitions of a relay connection.
//
// A Signal settles exactly once, either resolved with a value or
// rejected with an error.  Every waiter, including those that subscribe
// after settlement, observes the same result.
package lifecycle

import (
	"context"
	"sync"
)

// Signal is a broadcast-once future.  The zero value is not usable; use
// [NewSignal].
type Signal[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewSignal returns an unsettled signal.
func NewSignal[T any]() *Signal[T] {
	return &Signal[T]{done: make(chan struct{})}
}

// Resolve settles the signal successfully with v.  It reports whether
// this call performed the settlement.
func (s *Signal[T]) Resolve(v T) bool {
	return s.settle(v, nil)
}

// Reject settles the signal with err.  A nil err is treated as Resolve
// with the zero value.
func (s *Signal[T]) Reject(err error) bool {
	var zero T
	return s.settle(zero, err)
}

func (s *Signal[T]) settle(v T, err error) bool {
	settled := false
	s.once.Do(func() {
		s.val = v
		s.err = err
		close(s.done)
		settled = true
	})
	return settled
}

// Done is closed once the signal settles.
func (s *Signal[T]) Done() <-chan struct{} { return s.done }

// Settled reports whether the signal has settled.
func (s *Signal[T]) Settled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value and error.  ok is false while the
// signal is still pending.
func (s *Signal[T]) Result() (v T, err error, ok bool) {
	if !s.Settled() {
		return v, nil, false
	}
	return s.val, s.err, true
}

// Wait blocks until the signal settles or ctx is done.
func (s *Signal[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.val, s.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
