package vm

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/funvibe/conductor/internal/engine"
)

// ExecuteCall runs fn as a top-level call. On a free context the call starts
// on the calling goroutine, and the returned future is already resolved if it
// finishes without suspending. On a busy context the call is queued behind
// the current one. Failures are reported through the future, never returned.
func (c *Context) ExecuteCall(fn engine.Function, bind Binder) *Future {
	if fn == nil {
		return Resolved(Result{State: StateIdle, Err: fmt.Errorf("%w: nil function", ErrInvalidArg)})
	}
	t := &Task{ID: uuid.New(), Function: fn, bind: bind, future: NewFuture()}

	c.mu.Lock()
	c.queue = append(c.queue, t)
	if c.busyLocked() {
		n := len(c.queue)
		c.mu.Unlock()
		log.Debugf("%s: queued %s as task %d", c, fn.Name(), n)
		return t.future
	}
	c.state = StatePrepared
	c.driving = true
	epoch := c.epoch
	c.mu.Unlock()

	c.drive(epoch, false)
	return t.future
}

// drive runs the head task, and the tasks queued behind it, until the queue
// is empty or a call suspends. Only the goroutine that set c.driving may
// drive the context. When an abort bumps the epoch the driver keeps the
// context until the engine has unwound, then runs whatever was queued
// in the meantime.
func (c *Context) drive(epoch uint64, resume bool) {
	for {
		c.mu.Lock()
		if c.epoch != epoch {
			epoch = c.epoch
			resume = false
		}
		if len(c.queue) == 0 {
			c.driving = false
			c.mu.Unlock()
			return
		}
		t := c.queue[0]
		if !resume {
			c.state = StatePrepared
		}
		c.mu.Unlock()

		var st engine.ExecState
		var err error
		if resume {
			resume = false
			st, err = c.native.Execute()
		} else {
			st, err = c.start(t, epoch)
		}

		if err == nil && st == engine.ExecSuspended {
			if c.park(epoch) {
				return
			}
			// woken while on the way into suspension
			resume = true
			continue
		}
		c.complete(t, c.result(st, err))
	}
}

func (c *Context) start(t *Task, epoch uint64) (engine.ExecState, error) {
	if err := c.native.Prepare(t.Function); err != nil {
		return engine.ExecException, err
	}
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		_ = c.native.Unprepare()
		return engine.ExecAborted, nil
	}
	c.trace = ""
	c.exc = nil
	c.state = StateActive
	c.mu.Unlock()

	if t.bind != nil {
		if err := t.bind(c); err != nil {
			_ = c.native.Unprepare()
			return engine.ExecException, fmt.Errorf("binding arguments of %s: %w", t.Function.Name(), err)
		}
	}
	log.Debugf("%s: executing %s", c, t.Function.Name())
	return c.native.Execute()
}

// park settles a suspension. It reports false when the caller must go on
// driving: a wake-up arrived while the call was suspending, or the call was
// aborted and has just been unwound.
func (c *Context) park(epoch uint64) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		if err := c.native.Abort(); err != nil {
			log.Warningf("%s: engine abort: %s", c, err)
		}
		return false
	}
	defer c.mu.Unlock()
	c.suspending = false
	if c.wakePending {
		c.wakePending = false
		return false
	}
	c.state = StateSuspended
	c.driving = false
	c.vm.suspended.Add(1)
	return true
}

func (c *Context) result(st engine.ExecState, err error) Result {
	if err != nil {
		return Result{State: StateIdle, Err: err}
	}
	switch st {
	case engine.ExecFinished:
		return Result{State: StateFinished, Value: c.native.ReturnValue()}
	case engine.ExecAborted:
		return Result{State: StateAborted, Err: ErrAborted}
	}
	c.mu.Lock()
	exc, trace := c.exc, c.trace
	c.mu.Unlock()
	if exc == nil {
		exc = c.native.Exception()
	}
	if exc == nil {
		return Result{State: StateException, Err: ErrUncaughtException}
	}
	return Result{State: StateException, Err: newScriptError(exc, trace)}
}

// complete resolves the head task. The context state is settled before the
// future is, so waiters observe a consistent context.
func (c *Context) complete(t *Task, r Result) {
	c.mu.Lock()
	if len(c.queue) == 0 || c.queue[0] != t {
		// aborted or torn down while running; the future is already resolved
		c.mu.Unlock()
		return
	}
	c.queue[0] = nil
	c.queue = c.queue[1:]
	if len(c.queue) > 0 {
		c.state = StatePrepared
	} else {
		c.state = r.State
	}
	c.mu.Unlock()

	log.Debugf("%s: %s ended %s", c, t.Function.Name(), r.State)
	_ = t.future.Set(r)
}

// Resume continues a suspended call on the calling goroutine and drains the
// queue behind it. A wake-up that arrives while the call is still on its way
// into suspension is remembered and replayed. It reports whether the wake-up
// was accepted.
func (c *Context) Resume() bool {
	c.mu.Lock()
	switch {
	case c.state == StateSuspended:
		c.state = StateActive
		c.driving = true
		epoch := c.epoch
		c.mu.Unlock()
		c.vm.suspended.Add(-1)
		c.drive(epoch, true)
		return true
	case c.suspending:
		c.wakePending = true
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	return false
}

// Await suspends the running call. arm is invoked once the context is marked
// as suspending and receives a function that wakes the call through the
// event loop; it may be called from any goroutine, even before Await has
// parked. The returned error is a queued exception raised at the resume
// point, or a misuse error.
func (c *Context) Await(arm func(wake func())) error {
	if arm == nil {
		return fmt.Errorf("%w: nil arm callback", ErrInvalidArg)
	}
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrContextNotPrepared
	}
	if c.nested > 0 {
		c.mu.Unlock()
		return ErrNestedSuspend
	}
	c.suspending = true
	c.wakePending = false
	c.mu.Unlock()

	arm(func() { c.vm.Loop().EnqueueNotification(c) })

	err := c.native.Suspend()
	if err != nil {
		c.mu.Lock()
		c.suspending = false
		c.mu.Unlock()
	}
	return err
}

// Yield suspends the running call and lets the event loop resume it.
func (c *Context) Yield() error {
	return c.Await(func(wake func()) { wake() })
}

// ExecuteNested runs fn to completion on top of the active call, on the
// calling goroutine. The outer call is saved and restored around it.
func (c *Context) ExecuteNested(fn engine.Function, bind Binder) Result {
	if fn == nil {
		return Result{State: StateIdle, Err: fmt.Errorf("%w: nil function", ErrInvalidArg)}
	}
	c.mu.Lock()
	switch c.state {
	case StateActive:
	case StatePrepared, StateSuspended:
		st := c.state
		c.mu.Unlock()
		return Result{State: st, Err: ErrContextActive}
	default:
		c.mu.Unlock()
		return Result{State: StateIdle, Err: ErrContextNotPrepared}
	}
	if limit := c.vm.maxNestedDepth(); limit > 0 && c.nested >= limit {
		depth := c.nested
		c.mu.Unlock()
		return Result{State: StateActive, Err: fmt.Errorf("%w: nested depth %d reached", ErrContextActive, depth)}
	}
	c.nested++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.nested--
		c.mu.Unlock()
	}()

	if err := c.native.PushState(); err != nil {
		return Result{State: StateActive, Err: err}
	}
	r := c.runNested(fn, bind)
	if err := c.native.PopState(); err != nil {
		log.Errorf("%s: restoring outer call: %s", c, err)
		if r.Err == nil {
			r = Result{State: StateException, Err: err}
		}
	}
	return r
}

func (c *Context) runNested(fn engine.Function, bind Binder) Result {
	if err := c.native.Prepare(fn); err != nil {
		return Result{State: StateIdle, Err: err}
	}
	if bind != nil {
		if err := bind(c); err != nil {
			_ = c.native.Unprepare()
			return Result{State: StateIdle, Err: fmt.Errorf("binding arguments of %s: %w", fn.Name(), err)}
		}
	}
	st, err := c.native.Execute()
	if err != nil {
		return Result{State: StateIdle, Err: err}
	}
	switch st {
	case engine.ExecFinished:
		return Result{State: StateFinished, Value: c.native.ReturnValue()}
	case engine.ExecAborted:
		return Result{State: StateAborted, Err: ErrAborted}
	}
	exc := c.native.Exception()
	if exc == nil {
		return Result{State: StateException, Err: ErrUncaughtException}
	}
	return Result{State: StateException, Err: newScriptError(exc, FormatTrace(exc.Stack))}
}

// Abort cancels the call in flight with ErrAborted and every queued call
// with ErrContextNotPrepared. The context stays aborted until it is reused
// or returned to the pool. Abort may be called from any goroutine. A body
// that is running unwinds at its next line; until then the context counts
// as busy, so new calls queue behind it and the pool refuses it.
func (c *Context) Abort() error {
	c.mu.Lock()
	tasks := c.queue
	c.queue = nil
	prev := c.state
	c.state = StateAborted
	epoch := c.epoch
	c.epoch++
	c.suspending = false
	c.wakePending = false
	// a parked call has no driver; unwind it here
	unwind := prev == StateSuspended
	if unwind {
		c.driving = true
	}
	c.mu.Unlock()

	if prev == StateSuspended {
		c.vm.suspended.Add(-1)
	}
	if prev.Busy() {
		if err := c.native.Abort(); err != nil {
			log.Warningf("%s: engine abort: %s", c, err)
		}
	}

	for i, t := range tasks {
		r := Result{State: StateAborted, Err: ErrAborted}
		if i > 0 || !prev.Busy() {
			r = Result{State: StateIdle, Err: ErrContextNotPrepared}
		}
		_ = t.future.Set(r)
	}
	log.Debugf("%s: aborted with %d tasks", c, len(tasks))
	if unwind {
		c.drive(epoch, false)
	}
	return nil
}
