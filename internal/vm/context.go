package vm

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/funvibe/conductor/internal/engine"
)

// State is the lifecycle state of an execution context.
type State int

const (
	StateIdle State = iota
	StatePrepared
	StateActive
	StateSuspended
	StateFinished
	StateAborted
	StateException
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	case StateException:
		return "exception"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Busy reports whether a call is in flight.
func (s State) Busy() bool {
	return s == StatePrepared || s == StateActive || s == StateSuspended
}

// Binder binds arguments of a prepared call.
type Binder func(c *Context) error

// Reader inspects a call after it ended.
type Reader func(c *Context, r Result)

// Task is a call queued on a context. The head of the queue is the call in flight.
type Task struct {
	ID       uuid.UUID
	Function engine.Function
	bind     Binder
	future   *Future
}

// Future returns the future resolved when the task ends.
func (t *Task) Future() *Future { return t.future }

// Context wraps one engine context and serializes the calls made on it.
type Context struct {
	ID uuid.UUID

	vm     *VM
	native engine.Context
	seq    int64

	mu          sync.Mutex
	state       State
	queue       []*Task
	epoch       uint64
	driving     bool
	nested      int
	suspending  bool
	wakePending bool
	trace       string
	exc         *engine.Exception
	lineHook    func(*Context)
	excHook     func(*Context, *ScriptError)
	userData    any

	refs atomic.Int32
}

func newContext(vm *VM, native engine.Context, seq int64) *Context {
	c := &Context{
		ID:     uuid.New(),
		vm:     vm,
		native: native,
		seq:    seq,
	}
	native.SetUserData(c)
	native.SetLineHook(func(engine.Context) { c.onLine() })
	native.SetExceptionHook(func(_ engine.Context, exc *engine.Exception) { c.onException(exc) })
	return c
}

// FromNative returns the context wrapping n, if any.
func FromNative(n engine.Context) *Context {
	if n == nil {
		return nil
	}
	c, _ := n.UserData().(*Context)
	return c
}

// Native returns the wrapped engine context.
func (c *Context) Native() engine.Context { return c.native }

// VM returns the owning VM.
func (c *Context) VM() *VM { return c.vm }

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending reports the number of tasks on the queue, including the one in flight.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Accepting reports whether a top-level call would start immediately.
func (c *Context) Accepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.busyLocked() && len(c.queue) == 0
}

// busyLocked reports whether a goroutine owns the context: a call is in
// flight, or an aborted one is still unwinding.
func (c *Context) busyLocked() bool {
	return c.state.Busy() || c.driving
}

// NestedDepth reports how many nested calls are running on the context.
func (c *Context) NestedDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nested
}

// SetLineHook installs a hook that runs before every executed line.
func (c *Context) SetLineHook(h func(*Context)) {
	c.mu.Lock()
	c.lineHook = h
	c.mu.Unlock()
}

// SetExceptionHook installs the first handler for uncaught exceptions.
func (c *Context) SetExceptionHook(h func(*Context, *ScriptError)) {
	c.mu.Lock()
	c.excHook = h
	c.mu.Unlock()
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

// SetArg binds argument i of the call being prepared. Only valid inside a Binder.
func (c *Context) SetArg(i int, v any) error {
	return c.native.SetArg(i, v)
}

// SetThis binds the receiver of the call being prepared.
func (c *Context) SetThis(v any) error {
	return c.native.SetThis(v)
}

// CallStack returns the live call stack, innermost frame first.
func (c *Context) CallStack() []engine.Frame {
	return c.native.CallStack()
}

// Trace returns the formatted call stack of the last uncaught exception. It
// is cleared when the next call is prepared.
func (c *Context) Trace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trace
}

// Exception returns the last uncaught exception, if any.
func (c *Context) Exception() *ScriptError {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exc == nil {
		return nil
	}
	return newScriptError(c.exc, c.trace)
}

// QueueException raises message inside the suspended call once it resumes.
func (c *Context) QueueException(message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSuspended && !c.suspending {
		return ErrContextNotPrepared
	}
	return c.native.QueueException(message)
}

func (c *Context) AddRef() { c.refs.Add(1) }

// ReleaseRef drops a reference taken with AddRef.
func (c *Context) ReleaseRef() {
	if c.refs.Add(-1) < 0 {
		log.Warningf("context %s: reference count below zero", c.ID)
		c.refs.Store(0)
	}
}

// Refs reports the outstanding delegate references.
func (c *Context) Refs() int { return int(c.refs.Load()) }

func (c *Context) String() string {
	return fmt.Sprintf("context %d (%s)", c.seq, c.State())
}

// Seq is the creation number of the context inside its VM.
func (c *Context) Seq() int64 { return c.seq }

func (c *Context) onLine() {
	c.mu.Lock()
	hook := c.lineHook
	c.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	if d := c.vm.Debugger(); d != nil {
		d.LineCallback(c)
	}
}

// onException runs on the executing goroutine while the native stack is intact.
func (c *Context) onException(exc *engine.Exception) {
	trace := FormatTrace(exc.Stack)
	c.mu.Lock()
	// nested calls hand the exception back to their caller
	if c.nested > 0 {
		c.mu.Unlock()
		return
	}
	c.exc = exc
	c.trace = trace
	hook := c.excHook
	c.mu.Unlock()

	se := newScriptError(exc, trace)
	switch {
	case hook != nil:
		hook(c, se)
	case c.vm.exceptionHandler() != nil:
		c.vm.exceptionHandler()(c, se)
	case c.vm.Debugger() != nil:
		c.vm.Debugger().ExceptionCallback(c, se)
	default:
		log.Errorf("%s: %s\n%s", c, se.Error(), trace)
	}
}

// FormatTrace renders a call stack, innermost frame first.
func FormatTrace(stack []engine.Frame) string {
	var sb strings.Builder
	for i, f := range stack {
		name := "<unknown>"
		if f.Function != nil {
			name = f.Function.Name()
		}
		fmt.Fprintf(&sb, "  #%d %s at %s:%d\n", i, name, f.Section, f.Line)
	}
	return sb.String()
}

func (c *Context) reset() {
	c.mu.Lock()
	c.state = StateIdle
	c.queue = nil
	c.epoch++
	c.suspending = false
	c.wakePending = false
	c.trace = ""
	c.exc = nil
	c.lineHook = nil
	c.excHook = nil
	c.userData = nil
	c.mu.Unlock()
	_ = c.native.Unprepare()
}

// teardown resolves every pending task with ErrContextNotPrepared and
// unwinds a suspended call.
func (c *Context) teardown() {
	c.mu.Lock()
	tasks := c.queue
	c.queue = nil
	c.epoch++
	wasSuspended := c.state == StateSuspended
	c.state = StateIdle
	c.suspending = false
	c.wakePending = false
	c.mu.Unlock()

	if wasSuspended {
		c.vm.suspended.Add(-1)
	}
	_ = c.native.Abort()
	for _, t := range tasks {
		_ = t.future.Set(Result{State: StateIdle, Err: ErrContextNotPrepared})
	}
}
