package rpc

import (
	"context"
	"sync"
)

// Future is the single-shot result of one call. It is completed exactly once
// by whichever of {matching response, timeout, publish failure} wins.
type Future struct {
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	err     error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete is idempotent; later calls are ignored.
func (f *Future) complete(o Outcome, err error) bool {
	completed := false
	f.once.Do(func() {
		f.outcome = o
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call resolves or ctx ends. Abandoning a call through
// ctx does not cancel it: the engine still resolves it at its own deadline.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, f.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false while pending.
func (f *Future) Result() (o Outcome, ok bool) {
	select {
	case <-f.done:
		return f.outcome, true
	default:
		return Outcome{}, false
	}
}

// Err returns the synchronous error of a completed call, or nil.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.complete(Outcome{}, err)
	return f
}
