package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/funvibe/conductor/internal/engine"
)

// Referenced is implemented by receivers whose lifetime a delegate extends.
type Referenced interface {
	AddRef()
	Release()
}

// Delegate is a bound call: a function, an optional receiver and the context
// it prefers to run on. Every delegate holds a reference on both the context
// and a Referenced receiver until it is released.
type Delegate struct {
	ID       uuid.UUID
	ctx      *Context
	fn       engine.Function
	receiver any
	released atomic.Bool
}

// NewDelegate binds fn and receiver to c. c may be nil, in which case the
// call always runs on a pooled context.
func NewDelegate(c *Context, fn engine.Function, receiver any) (*Delegate, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: delegate without function", ErrInvalidArg)
	}
	d := &Delegate{ID: uuid.New(), ctx: c, fn: fn, receiver: receiver}
	d.retain()
	return d, nil
}

func (d *Delegate) retain() {
	if d.ctx != nil {
		d.ctx.AddRef()
	}
	if r, ok := d.receiver.(Referenced); ok {
		r.AddRef()
	}
}

// Copy returns an independent delegate with the same target.
func (d *Delegate) Copy() *Delegate {
	cp := &Delegate{ID: uuid.New(), ctx: d.ctx, fn: d.fn, receiver: d.receiver}
	cp.retain()
	return cp
}

// Release drops the references held by d. Further calls are no-ops.
func (d *Delegate) Release() {
	if !d.released.CompareAndSwap(false, true) {
		return
	}
	if d.ctx != nil {
		d.ctx.ReleaseRef()
	}
	if r, ok := d.receiver.(Referenced); ok {
		r.Release()
	}
}

func (d *Delegate) Context() *Context          { return d.ctx }
func (d *Delegate) Function() engine.Function { return d.fn }
func (d *Delegate) Receiver() any             { return d.receiver }

// binder binds the receiver before running pre.
func (d *Delegate) binder(pre Binder) Binder {
	return func(c *Context) error {
		if d.receiver != nil {
			if err := c.SetThis(d.receiver); err != nil {
				return err
			}
		}
		if pre != nil {
			return pre(c)
		}
		return nil
	}
}

// run executes the delegate on c and resolves out after post has seen the
// result. A borrowed context goes back to the pool afterwards.
func (d *Delegate) run(c *Context, borrowed bool, pre Binder, post Reader, out *Future) {
	c.ExecuteCall(d.fn, d.binder(pre)).Then(func(r Result) {
		if post != nil {
			post(c, r)
		}
		if borrowed {
			if err := c.vm.ReturnContext(c); err != nil {
				log.Warningf("returning borrowed %s: %s", c, err)
			}
		}
		_ = out.Set(r)
	})
}
