// Package promise provides a deferred result that is settled exactly once,
// either by the goroutine doing the work or by a wait function that drives
// that work on the caller's goroutine.
package promise

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled rejects a promise cancelled before it settled.
var ErrCanceled = errors.New("promise canceled")

// State of a promise.
type State int

const (
	Pending State = iota
	Fulfilled
	Rejected
)

func (s State) String() string {
	switch s {
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	}
	return "pending"
}

// Promise is a deferred value of type T.
type Promise[T any] struct {
	waitFn   func(context.Context)
	cancelFn func()

	mu        sync.Mutex
	state     State
	value     T
	err       error
	callbacks []func(T, error)
	done      chan struct{}
}

// New returns a pending promise. waitFn, when set, is called by Wait on a
// pending promise to drive the work forward; it must return once the
// promise settles or its ctx is done. cancelFn, when set, is called by
// Cancel on a pending promise.
func New[T any](waitFn func(context.Context), cancelFn func()) *Promise[T] {
	return &Promise[T]{
		waitFn:   waitFn,
		cancelFn: cancelFn,
		done:     make(chan struct{}),
	}
}

// Fulfill returns a promise already fulfilled with v.
func Fulfill[T any](v T) *Promise[T] {
	p := New[T](nil, nil)
	p.Resolve(v)
	return p
}

// Reject returns a promise already rejected with err.
func Reject[T any](err error) *Promise[T] {
	p := New[T](nil, nil)
	p.Reject(err)
	return p
}

// Resolve fulfills the promise. It reports false if it was already settled.
func (p *Promise[T]) Resolve(v T) bool {
	return p.settle(Fulfilled, v, nil)
}

// Reject rejects the promise. It reports false if it was already settled.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.settle(Rejected, zero, err)
}

func (p *Promise[T]) settle(s State, v T, err error) bool {
	p.mu.Lock()
	if p.state != Pending {
		p.mu.Unlock()
		return false
	}
	p.state, p.value, p.err = s, v, err
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(v, err)
	}
	return true
}

// State returns the current state.
func (p *Promise[T]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the promise settles.
func (p *Promise[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the promise settles and returns its outcome.
func (p *Promise[T]) Wait() (T, error) {
	return p.WaitContext(context.Background())
}

// WaitContext is Wait bounded by ctx. A done ctx does not cancel the promise.
func (p *Promise[T]) WaitContext(ctx context.Context) (T, error) {
	if p.waitFn != nil && p.State() == Pending {
		p.waitFn(ctx)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Cancel stops the work behind a pending promise and rejects it with
// ErrCanceled.
func (p *Promise[T]) Cancel() {
	if p.State() != Pending {
		return
	}
	if p.cancelFn != nil {
		p.cancelFn()
	}
	p.Reject(ErrCanceled)
}

// onSettle runs fn once the promise settles, immediately when it already has.
func (p *Promise[T]) onSettle(fn func(T, error)) {
	p.mu.Lock()
	if p.state == Pending {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	v, err := p.value, p.err
	p.mu.Unlock()
	fn(v, err)
}

// Then returns a promise settled with onFulfilled or onRejected applied to
// the outcome of p. A nil handler passes the outcome through; a nil
// onFulfilled is only valid when T and U are the same type.
func Then[T, U any](p *Promise[T], onFulfilled func(T) (U, error), onRejected func(error) (U, error)) *Promise[U] {
	next := New[U](func(ctx context.Context) { _, _ = p.WaitContext(ctx) }, p.Cancel)
	p.onSettle(func(v T, err error) {
		var (
			out  U
			oerr error
		)
		switch {
		case err == nil && onFulfilled != nil:
			out, oerr = onFulfilled(v)
		case err == nil:
			if same, ok := any(v).(U); ok {
				out = same
			}
		case onRejected != nil:
			out, oerr = onRejected(err)
		default:
			oerr = err
		}
		if oerr != nil {
			next.Reject(oerr)
			return
		}
		next.Resolve(out)
	})
	return next
}

// Otherwise returns a promise that recovers a rejection of p with fn.
func Otherwise[T any](p *Promise[T], fn func(error) (T, error)) *Promise[T] {
	return Then(p, nil, fn)
}
