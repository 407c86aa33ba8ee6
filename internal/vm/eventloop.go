package vm

import (
	"context"
	"sync"
	"time"
)

type entryKind int

const (
	entryNotification entryKind = iota
	entryCallback
)

type entry struct {
	kind     entryKind
	ctx      *Context
	delegate *Delegate
	pre      Binder
	post     Reader
	future   *Future
}

// EventLoop is the FIFO dispatcher that turns wake-ups into resumed calls and
// queued callbacks into executed calls.
type EventLoop struct {
	vm *VM

	// OnEnqueue runs after every enqueue, outside the loop lock.
	OnEnqueue func()

	// PollInterval and Slice tune Run and Await.
	PollInterval time.Duration
	Slice        int

	mu      sync.Mutex
	queue   []entry
	aborted bool
	wakeups int
	signal  chan struct{}
}

func newEventLoop(vm *VM, interval time.Duration, slice int) *EventLoop {
	return &EventLoop{
		vm:           vm,
		PollInterval: interval,
		Slice:        slice,
		signal:       make(chan struct{}, 1),
	}
}

// EnqueueNotification asks the loop to resume c. It is a no-op at dispatch
// time if c is no longer suspended.
func (l *EventLoop) EnqueueNotification(c *Context) {
	l.push(entry{kind: entryNotification, ctx: c})
}

// EnqueueCallback queues a call of d. pre binds arguments, post reads the
// result with the context that actually ran the call.
func (l *EventLoop) EnqueueCallback(d *Delegate, pre Binder, post Reader) *Future {
	if d == nil {
		return Resolved(Result{State: StateIdle, Err: ErrInvalidArg})
	}
	f := NewFuture()
	l.push(entry{kind: entryCallback, delegate: d.Copy(), pre: pre, post: post, future: f})
	return f
}

func (l *EventLoop) push(e entry) {
	l.mu.Lock()
	l.queue = append(l.queue, e)
	hook := l.OnEnqueue
	l.mu.Unlock()
	l.notify()
	if hook != nil {
		hook()
	}
}

func (l *EventLoop) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Wakeup makes one Poll return early without a new entry.
func (l *EventLoop) Wakeup() {
	l.mu.Lock()
	l.wakeups++
	l.mu.Unlock()
	l.notify()
}

// Poll reports whether there is outstanding work. With a positive timeout it
// waits until an entry arrives, Wakeup is called or the timeout elapses.
func (l *EventLoop) Poll(timeout time.Duration) bool {
	if l.ready() {
		return true
	}
	if timeout <= 0 {
		return l.vm.Suspended() > 0
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-l.signal:
			if l.ready() {
				return true
			}
			// left over from an entry that was already dispatched
		case <-timer.C:
			return l.Len() > 0 || l.vm.Suspended() > 0
		}
	}
}

// ready consumes a pending wake-up and reports whether Poll can return now.
func (l *EventLoop) ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.wakeups > 0 {
		l.wakeups--
		return true
	}
	return len(l.queue) > 0
}

// Dequeue dispatches entries in FIFO order and returns how many ran. max > 0
// caps the number of entries dispatched. The lock is released while an entry
// runs. An aborted loop discards every queued entry.
func (l *EventLoop) Dequeue(max int) int {
	n := 0
	for max <= 0 || n < max {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			break
		}
		e := l.queue[0]
		l.queue[0] = entry{}
		l.queue = l.queue[1:]
		aborted := l.aborted
		l.mu.Unlock()

		if aborted {
			l.discard(e)
			continue
		}
		l.dispatch(e)
		n++
	}
	return n
}

func (l *EventLoop) dispatch(e entry) {
	switch e.kind {
	case entryNotification:
		if !e.ctx.Resume() {
			log.Debugf("loop: %s no longer suspended, notification dropped", e.ctx)
		}
	case entryCallback:
		d := e.delegate
		c, borrowed := d.ctx, false
		// Not atomic with the call below: if another call starts on the
		// context in between, ExecuteCall queues this one behind it.
		if c == nil || !c.Accepting() {
			c, borrowed = l.vm.RequestContext(), true
		}
		log.Debugf("loop: running %s on %s", d.fn.Name(), c)
		d.run(c, borrowed, e.pre, e.post, e.future)
		d.Release()
	}
}

func (l *EventLoop) discard(e entry) {
	if e.kind != entryCallback {
		return
	}
	e.delegate.Release()
	_ = e.future.Set(Result{State: StateAborted, Err: ErrAborted})
}

// Abort makes Dequeue discard entries instead of running them.
func (l *EventLoop) Abort() {
	l.mu.Lock()
	l.aborted = true
	l.mu.Unlock()
	l.Wakeup()
}

// Restore undoes Abort.
func (l *EventLoop) Restore() {
	l.mu.Lock()
	l.aborted = false
	l.mu.Unlock()
}

func (l *EventLoop) Aborted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted
}

// Len reports the number of queued entries.
func (l *EventLoop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run dispatches entries until ctx is done.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Poll(l.PollInterval) {
			l.Dequeue(l.Slice)
		}
	}
}

// Drain dispatches entries until no queued or suspended work is left.
func (l *EventLoop) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Len() == 0 && l.vm.Suspended() == 0 {
			return nil
		}
		if l.Poll(l.PollInterval) {
			l.Dequeue(l.Slice)
		}
	}
}

// Await drives the loop on the calling goroutine until f is resolved.
func (l *EventLoop) Await(ctx context.Context, f *Future) (Result, error) {
	for {
		if r, ok := f.Result(); ok {
			return r, nil
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if l.Len() == 0 && l.vm.Suspended() == 0 {
			if r, ok := f.Result(); ok {
				return r, nil
			}
			return Result{}, ErrStalled
		}
		if l.Poll(l.PollInterval) {
			l.Dequeue(l.Slice)
		}
	}
}
