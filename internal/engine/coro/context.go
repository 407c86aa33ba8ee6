package coro

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/funvibe/conductor/internal/engine"
)

type state int

const (
	stateIdle state = iota
	statePrepared
	stateActive
	stateSuspended
	stateDone
)

type resumeMsg struct {
	abort     bool
	exception string
}

// savedState is the progress of an outer call while a nested call runs.
type savedState struct {
	fn   *Function
	args []any
	this any
	ret  any
	exc  *engine.Exception
}

// Context implements engine.Context on top of a goroutine per top-level call.
type Context struct {
	eng *Engine

	mu       sync.Mutex
	state    state
	last     engine.ExecState
	fn       *Function
	args     []any
	this     any
	ret      any
	exc      *engine.Exception
	raising  *engine.Exception
	frames   []engine.Frame
	saved    []savedState
	pending  string
	userData any
	released bool

	lineHook engine.LineHook
	excHook  engine.ExceptionHook

	abortRequested atomic.Bool
	// held while an abort unwinds a suspended call
	abortMu sync.Mutex

	resume chan resumeMsg
	yield  chan engine.ExecState
}

var _ engine.Context = (*Context)(nil)

func newContext(e *Engine) *Context {
	return &Context{eng: e}
}

func (c *Context) Prepare(fn engine.Function) error {
	if fn == nil {
		return fmt.Errorf("%w: nil function", engine.ErrInvalidArg)
	}
	f, ok := fn.(*Function)
	if !ok {
		return fmt.Errorf("%w: function %s does not belong to the coro engine", engine.ErrInvalidArg, fn.Name())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateActive || c.state == stateSuspended {
		return engine.ErrContextActive
	}
	c.fn = f
	c.args = nil
	c.this = nil
	c.ret = nil
	c.exc = nil
	c.pending = ""
	c.state = statePrepared
	if len(c.saved) == 0 {
		c.abortRequested.Store(false)
	}
	return nil
}

func (c *Context) Execute() (engine.ExecState, error) {
	c.mu.Lock()
	switch c.state {
	case statePrepared:
		c.state = stateActive
		if len(c.saved) > 0 {
			// nested calls run inline on the caller's goroutine
			c.mu.Unlock()
			st := c.invoke()
			c.settle(st)
			return st, nil
		}
		c.resume = make(chan resumeMsg)
		c.yield = make(chan engine.ExecState)
		yield := c.yield
		c.mu.Unlock()
		go c.run(yield)
		return c.wait(yield), nil

	case stateSuspended:
		c.state = stateActive
		msg := resumeMsg{exception: c.pending}
		c.pending = ""
		resume, yield := c.resume, c.yield
		c.mu.Unlock()
		resume <- msg
		return c.wait(yield), nil
	}
	c.mu.Unlock()
	return engine.ExecException, engine.ErrContextNotPrepared
}

func (c *Context) run(yield chan<- engine.ExecState) {
	yield <- c.invoke()
}

func (c *Context) wait(yield <-chan engine.ExecState) engine.ExecState {
	st := <-yield
	c.settle(st)
	return st
}

func (c *Context) settle(st engine.ExecState) {
	if st == engine.ExecSuspended {
		return
	}
	c.mu.Lock()
	c.state = stateDone
	c.last = st
	c.mu.Unlock()
}

// invoke runs the prepared function on the current goroutine.
func (c *Context) invoke() engine.ExecState {
	c.mu.Lock()
	t := &Thread{ctx: c, fn: c.fn, args: c.args, this: c.this}
	c.mu.Unlock()

	base := c.pushFrame(t.fn)
	defer c.truncate(base)

	err := t.run()
	if err == nil {
		c.mu.Lock()
		c.ret = t.ret
		c.mu.Unlock()
		return engine.ExecFinished
	}
	if isUnwind(err) {
		return engine.ExecAborted
	}

	exc := exceptionOf(err)
	c.mu.Lock()
	c.exc = exc
	c.raising = exc
	hook := c.excHook
	c.mu.Unlock()
	if hook != nil {
		hook(c, exc)
	}
	c.mu.Lock()
	c.raising = nil
	c.mu.Unlock()
	return engine.ExecException
}

func (c *Context) Suspend() error {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return engine.ErrContextNotPrepared
	}
	if len(c.saved) > 0 {
		c.mu.Unlock()
		return engine.ErrNestedSuspend
	}
	c.state = stateSuspended
	resume, yield := c.resume, c.yield
	c.mu.Unlock()

	yield <- engine.ExecSuspended
	msg := <-resume
	if msg.abort {
		panic(abortSignal{})
	}
	if msg.exception != "" {
		return c.raise(msg.exception)
	}
	return nil
}

// Abort stops the call. A suspended call is unwound on the calling goroutine
// before Abort returns; a running one unwinds at its next line. Concurrent
// aborts wait for each other.
func (c *Context) Abort() error {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	c.mu.Lock()
	switch c.state {
	case statePrepared:
		c.state = stateDone
		c.last = engine.ExecAborted
		c.mu.Unlock()
	case stateActive:
		c.abortRequested.Store(true)
		c.mu.Unlock()
	case stateSuspended:
		c.abortRequested.Store(true)
		c.mu.Unlock()
		for {
			c.mu.Lock()
			if c.state != stateSuspended {
				c.mu.Unlock()
				return nil
			}
			c.state = stateActive
			resume, yield := c.resume, c.yield
			c.mu.Unlock()
			resume <- resumeMsg{abort: true}
			if c.wait(yield) != engine.ExecSuspended {
				return nil
			}
		}
	default:
		c.mu.Unlock()
	}
	return nil
}

func (c *Context) Unprepare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateActive || c.state == stateSuspended {
		return engine.ErrContextActive
	}
	c.state = stateIdle
	c.fn = nil
	c.args = nil
	c.this = nil
	c.ret = nil
	return nil
}

func (c *Context) PushState() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateActive {
		return engine.ErrContextNotPrepared
	}
	c.saved = append(c.saved, savedState{fn: c.fn, args: c.args, this: c.this, ret: c.ret, exc: c.exc})
	c.state = stateIdle
	c.fn = nil
	c.args = nil
	c.this = nil
	c.ret = nil
	return nil
}

func (c *Context) PopState() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.saved) == 0 {
		return engine.ErrContextNotPrepared
	}
	if c.state == stateActive {
		return engine.ErrContextActive
	}
	s := c.saved[len(c.saved)-1]
	c.saved = c.saved[:len(c.saved)-1]
	c.fn, c.args, c.this, c.ret, c.exc = s.fn, s.args, s.this, s.ret, s.exc
	c.state = stateActive
	return nil
}

func (c *Context) NestedDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.saved)
}

func (c *Context) SetArg(i int, v any) error {
	if i < 0 {
		return fmt.Errorf("%w: argument index %d", engine.ErrInvalidArg, i)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != statePrepared {
		return engine.ErrContextNotPrepared
	}
	for len(c.args) <= i {
		c.args = append(c.args, nil)
	}
	c.args[i] = v
	return nil
}

func (c *Context) SetThis(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != statePrepared {
		return engine.ErrContextNotPrepared
	}
	c.this = v
	return nil
}

func (c *Context) ReturnValue() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ret
}

func (c *Context) SetLineHook(h engine.LineHook) {
	c.mu.Lock()
	c.lineHook = h
	c.mu.Unlock()
}

func (c *Context) SetExceptionHook(h engine.ExceptionHook) {
	c.mu.Lock()
	c.excHook = h
	c.mu.Unlock()
}

func (c *Context) CallStack() []engine.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raising != nil {
		return append([]engine.Frame(nil), c.raising.Stack...)
	}
	return c.snapshotLocked()
}

func (c *Context) snapshotLocked() []engine.Frame {
	out := make([]engine.Frame, len(c.frames))
	for i, f := range c.frames {
		out[len(c.frames)-1-i] = f
	}
	return out
}

func (c *Context) Exception() *engine.Exception {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exc
}

func (c *Context) QueueException(message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateSuspended {
		return engine.ErrContextNotPrepared
	}
	c.pending = message
	return nil
}

func (c *Context) SetUserData(v any) {
	c.mu.Lock()
	c.userData = v
	c.mu.Unlock()
}

func (c *Context) UserData() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userData
}

func (c *Context) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	suspended := c.state == stateSuspended
	c.mu.Unlock()
	if suspended {
		_ = c.Abort()
	}
	c.eng.live.Add(-1)
}

// Done reports how the last call ended. ok is false while no call has ended.
func (c *Context) Done() (st engine.ExecState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.state == stateDone
}

func (c *Context) pushFrame(fn *Function) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := len(c.frames)
	c.frames = append(c.frames, engine.Frame{Function: fn, Section: fn.section, Line: fn.line})
	return base
}

func (c *Context) truncate(n int) {
	c.mu.Lock()
	c.frames = c.frames[:n]
	c.mu.Unlock()
}

func (c *Context) setLine(n int) engine.LineHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) > 0 {
		c.frames[len(c.frames)-1].Line = n
	}
	return c.lineHook
}

// raise records an exception at the innermost frame.
func (c *Context) raise(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	exc := &engine.Exception{Message: msg, Stack: c.snapshotLocked()}
	if len(exc.Stack) > 0 {
		top := exc.Stack[0]
		exc.Function = top.Function
		exc.Section = top.Section
		exc.Line = top.Line
	}
	return &thrown{exc: exc}
}

func (c *Context) checkAbort() {
	if c.abortRequested.Load() {
		panic(abortSignal{})
	}
}
