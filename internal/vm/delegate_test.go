package vm

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/funvibe/conductor/internal/engine/coro"
)

type counted struct {
	refs atomic.Int32
	name string
}

func (c *counted) AddRef()  { c.refs.Add(1) }
func (c *counted) Release() { c.refs.Add(-1) }

func greeter() *coro.Function {
	return fn("greet", func(th *coro.Thread) error {
		th.Line(2)
		th.Return("hello " + th.This().(*counted).name)
		return nil
	})
}

func TestDelegateReferences(t *testing.T) {
	v := newTestVM(t, Options{})
	c := v.NewContext()
	recv := &counted{name: "bob"}

	d, err := NewDelegate(c, greeter(), recv)
	if err != nil {
		t.Fatal(err)
	}
	cp := d.Copy()
	if c.Refs() != 2 || recv.refs.Load() != 2 {
		t.Fatalf("expected 2 references, got ctx=%d recv=%d", c.Refs(), recv.refs.Load())
	}
	d.Release()
	d.Release()
	if c.Refs() != 1 || recv.refs.Load() != 1 {
		t.Errorf("double release must be a no-op: ctx=%d recv=%d", c.Refs(), recv.refs.Load())
	}
	cp.Release()
	if c.Refs() != 0 || recv.refs.Load() != 0 {
		t.Errorf("expected no references, got ctx=%d recv=%d", c.Refs(), recv.refs.Load())
	}
}

func TestNewDelegateRequiresFunction(t *testing.T) {
	if _, err := NewDelegate(nil, nil, nil); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("expected ErrInvalidArg, got %v", err)
	}
}

func TestResolveDelegateOnIdleContext(t *testing.T) {
	v := newTestVM(t, Options{})
	c := v.NewContext()
	d, _ := NewDelegate(c, greeter(), &counted{name: "ann"})
	defer d.Release()

	var ranOn *Context
	f := v.ResolveDelegate(d, nil, func(c *Context, r Result) { ranOn = c })
	r, ok := f.Result()
	if !ok || r.Value != "hello ann" {
		t.Fatalf("expected immediate result, got %+v", r)
	}
	if ranOn != c {
		t.Error("delegate should run on its own context")
	}
	if v.Loop().Len() != 0 {
		t.Error("idle context must not go through the loop")
	}
}

func TestResolveDelegateOnBusyContextBorrowsFromPool(t *testing.T) {
	v := newTestVM(t, Options{PoolSize: 1})
	c := v.NewContext()
	p := newParked("p", nil)
	c.ExecuteCall(p.fn, nil)

	d, _ := NewDelegate(c, greeter(), &counted{name: "eve"})
	defer d.Release()

	var ranOn *Context
	f := v.ResolveDelegate(d, nil, func(c *Context, r Result) { ranOn = c })
	if f.Ready() || v.Loop().Len() != 1 {
		t.Fatal("busy context should route the call through the loop")
	}

	v.Loop().Dequeue(0)
	r := waitResult(t, f)
	if r.Value != "hello eve" {
		t.Errorf("unexpected result %+v", r)
	}
	if ranOn == nil || ranOn == c {
		t.Error("call should have run on a borrowed context")
	}
	if v.Pool().Len() != 1 {
		t.Errorf("borrowed context not returned, pool has %d", v.Pool().Len())
	}
	if c.Refs() != 1 {
		t.Errorf("queue copy of the delegate not released: %d refs", c.Refs())
	}
	_ = c.Abort()
}
