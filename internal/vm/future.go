package vm

import (
	"context"
	"sync"
)

// Result is the outcome of one call. Err is nil only for StateFinished.
type Result struct {
	State State
	Value any
	Err   error
}

// OK reports whether the call finished normally.
func (r Result) OK() bool {
	return r.Err == nil && r.State == StateFinished
}

// Future is a single-assignment result cell. Any number of goroutines may
// wait on it.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	res       Result
	set       bool
	callbacks []func(Result)
}

// NewFuture creates a pending future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved creates a future that already holds r.
func Resolved(r Result) *Future {
	f := NewFuture()
	_ = f.Set(r)
	return f
}

// Set stores r and wakes all waiters. Only the first Set succeeds; later
// calls return ErrFutureAlreadySet and leave the stored result untouched.
func (f *Future) Set(r Result) error {
	f.mu.Lock()
	if f.set {
		f.mu.Unlock()
		log.Warningf("future already resolved with %s, dropping %s", f.res.State, r.State)
		return ErrFutureAlreadySet
	}
	f.set = true
	f.res = r
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(r)
	}
	return nil
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future is resolved.
func (f *Future) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Result returns the stored result without blocking.
func (f *Future) Result() (Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.set
}

// Wait blocks until the future is resolved or ctx is done. Waiting alone
// never drives suspended calls; use (*EventLoop).Await for that.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		r, _ := f.Result()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Then runs fn with the result once the future is resolved. If it already is,
// fn runs immediately on the calling goroutine.
func (f *Future) Then(fn func(Result)) {
	f.mu.Lock()
	if !f.set {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	r := f.res
	f.mu.Unlock()
	fn(r)
}
