package vm

import "sync"

// Pool recycles idle contexts. Acquire and Release only touch the free list
// and never wait for a call.
type Pool struct {
	vm *VM

	mu      sync.Mutex
	free    []*Context
	maxIdle int
}

func newPool(vm *VM, initial, maxIdle int) *Pool {
	p := &Pool{vm: vm, maxIdle: maxIdle}
	for i := 0; i < initial; i++ {
		p.free = append(p.free, vm.NewContext())
	}
	return p
}

// Acquire returns an idle context, creating one when the free list is empty.
func (p *Pool) Acquire() *Context {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return c
	}
	p.mu.Unlock()

	c := p.vm.NewContext()
	log.Debugf("pool: grew with %s", c)
	return c
}

// Release resets c and puts it back on the free list. A context with queued
// tasks, a call in flight or an aborted call still unwinding is rejected
// with ErrContextActive. Contexts
// beyond the idle cap are destroyed.
func (p *Pool) Release(c *Context) error {
	if c == nil {
		return ErrInvalidArg
	}
	c.mu.Lock()
	busy := c.busyLocked() || len(c.queue) > 0
	c.mu.Unlock()
	if busy {
		log.Warningf("pool: rejected release of %s", c)
		return ErrContextActive
	}
	c.reset()

	p.mu.Lock()
	if p.maxIdle > 0 && len(p.free) >= p.maxIdle {
		p.mu.Unlock()
		p.vm.destroyContext(c)
		return nil
	}
	p.free = append(p.free, c)
	p.mu.Unlock()
	return nil
}

// Len reports the size of the free list.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) drain() []*Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.free
	p.free = nil
	return free
}
