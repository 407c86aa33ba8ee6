package coro

import (
	"errors"
	"fmt"

	"github.com/funvibe/conductor/internal/engine"
)

// abortSignal unwinds a body when its context is aborted.
type abortSignal struct{}

var errUnwind = errors.New("coro: unwinding aborted call")

func isUnwind(err error) bool {
	return errors.Is(err, errUnwind)
}

// thrown carries a script exception up through Go bodies.
type thrown struct {
	exc *engine.Exception
}

func (t *thrown) Error() string { return t.exc.Error() }
func (t *thrown) Unwrap() error { return engine.ErrUncaughtException }

func exceptionOf(err error) *engine.Exception {
	var th *thrown
	if errors.As(err, &th) {
		return th.exc
	}
	return &engine.Exception{Message: err.Error()}
}

// ExceptionOf extracts the script exception from an error returned by Call
// or Suspend. ok is false for plain Go errors.
func ExceptionOf(err error) (exc *engine.Exception, ok bool) {
	var th *thrown
	if errors.As(err, &th) {
		return th.exc, true
	}
	return nil, false
}

// Thread is the view a function body has of its running call.
type Thread struct {
	ctx  *Context
	fn   *Function
	args []any
	this any
	ret  any
}

// Context returns the native context running this call.
func (t *Thread) Context() *Context { return t.ctx }

// Function returns the function being executed.
func (t *Thread) Function() *Function { return t.fn }

func (t *Thread) NumArgs() int { return len(t.args) }

// Arg returns argument i or nil when it was not bound.
func (t *Thread) Arg(i int) any {
	if i < 0 || i >= len(t.args) {
		return nil
	}
	return t.args[i]
}

func (t *Thread) This() any { return t.this }

// Return sets the value the call produces when its body returns nil.
func (t *Thread) Return(v any) { t.ret = v }

// Line marks the start of line n. It runs the line hook and unwinds the body
// if the context has been aborted.
func (t *Thread) Line(n int) {
	c := t.ctx
	c.checkAbort()
	if hook := c.setLine(n); hook != nil {
		hook(c)
	}
	c.checkAbort()
}

// Call runs fn inline as a script-level call.
func (t *Thread) Call(fn *Function, args ...any) (any, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil function", engine.ErrInvalidArg)
	}
	c := t.ctx
	callee := &Thread{ctx: c, fn: fn, args: args}
	base := c.pushFrame(fn)
	defer c.truncate(base)
	if err := callee.run(); err != nil {
		return nil, err
	}
	return callee.ret, nil
}

// Suspend parks the call until the context is executed again.
func (t *Thread) Suspend() error {
	return t.ctx.Suspend()
}

// Throw raises a script exception at the current line.
func (t *Thread) Throw(format string, a ...any) error {
	return t.ctx.raise(fmt.Sprintf(format, a...))
}

func (t *Thread) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(abortSignal); ok {
				err = errUnwind
				return
			}
			err = t.ctx.raise(fmt.Sprintf("panic: %v", r))
		}
	}()
	err = t.fn.body(t)
	if err != nil && !isUnwind(err) {
		if _, ok := ExceptionOf(err); !ok {
			err = t.ctx.raise(err.Error())
		}
	}
	return err
}
