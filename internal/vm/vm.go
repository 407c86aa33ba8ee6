package vm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/funvibe/conductor/internal/engine"
)

// Default tuning used when Options leaves a field at zero.
const (
	DefaultMaxNestedDepth = 64
	DefaultPollInterval   = 10 * time.Millisecond
	DefaultSlice          = 64
)

// Module is a compiled unit of functions the VM can resolve by name.
type Module interface {
	Name() string
	Functions() []engine.Function
}

// ExceptionHandler receives uncaught exceptions of contexts without their own hook.
type ExceptionHandler func(c *Context, err *ScriptError)

// Options configures a VM.
type Options struct {
	// Engine creates the native contexts. Required.
	Engine engine.Engine

	// PoolSize is the number of contexts created by Init.
	PoolSize int
	// MaxIdle caps the pool free list; 0 means no cap.
	MaxIdle int
	// MaxNestedDepth caps ExecuteNested recursion per context.
	MaxNestedDepth int

	PollInterval time.Duration
	Slice        int
}

// VM is the process-wide state of the execution layer: the engine handle,
// the context pool, the event loop and the module registry. Nothing in this
// package keeps state outside of it.
type VM struct {
	opts Options

	mu          sync.RWMutex
	initialized bool
	modules     map[string]Module
	contexts    map[uuid.UUID]*Context
	handler     ExceptionHandler
	debugger    *Debugger
	pool        *Pool
	loop        *EventLoop

	// Number of contexts parked in StateSuspended
	suspended atomic.Int64
	seq       atomic.Int64
}

// New creates a VM. Call Init before use.
func New(opts Options) *VM {
	if opts.MaxNestedDepth == 0 {
		opts.MaxNestedDepth = DefaultMaxNestedDepth
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Slice == 0 {
		opts.Slice = DefaultSlice
	}
	return &VM{opts: opts}
}

// Init creates the registries, the event loop and the initial pool.
func (vm *VM) Init() error {
	if vm.opts.Engine == nil {
		return fmt.Errorf("%w: no engine", ErrInvalidArg)
	}
	vm.mu.Lock()
	if vm.initialized {
		vm.mu.Unlock()
		return nil
	}
	vm.modules = make(map[string]Module)
	vm.contexts = make(map[uuid.UUID]*Context)
	vm.loop = newEventLoop(vm, vm.opts.PollInterval, vm.opts.Slice)
	vm.initialized = true
	vm.mu.Unlock()

	pool := newPool(vm, vm.opts.PoolSize, vm.opts.MaxIdle)
	vm.mu.Lock()
	vm.pool = pool
	vm.mu.Unlock()
	log.Infof("vm: initialized with engine %s, %d pooled contexts", vm.opts.Engine.Name(), vm.opts.PoolSize)
	return nil
}

// Shutdown discards queued loop entries, resolves every pending task with
// ErrContextNotPrepared and releases all native contexts.
func (vm *VM) Shutdown() {
	vm.mu.Lock()
	if !vm.initialized {
		vm.mu.Unlock()
		return
	}
	vm.initialized = false
	loop := vm.loop
	pool := vm.pool
	contexts := make([]*Context, 0, len(vm.contexts))
	for _, c := range vm.contexts {
		contexts = append(contexts, c)
	}
	vm.contexts = map[uuid.UUID]*Context{}
	vm.modules = map[string]Module{}
	vm.mu.Unlock()

	loop.Abort()
	loop.Dequeue(0)
	if pool != nil {
		pool.drain()
	}
	for _, c := range contexts {
		c.teardown()
		c.native.Release()
	}
	log.Infof("vm: shut down, released %d contexts", len(contexts))
}

// Initialized reports whether Init has run and Shutdown has not.
func (vm *VM) Initialized() bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.initialized
}

// Engine returns the engine the VM drives.
func (vm *VM) Engine() engine.Engine { return vm.opts.Engine }

// NewContext creates a context outside the pool.
func (vm *VM) NewContext() *Context {
	c := newContext(vm, vm.opts.Engine.NewContext(), vm.seq.Add(1))
	vm.mu.Lock()
	if vm.contexts != nil {
		vm.contexts[c.ID] = c
	}
	vm.mu.Unlock()
	return c
}

func (vm *VM) destroyContext(c *Context) {
	vm.mu.Lock()
	delete(vm.contexts, c.ID)
	vm.mu.Unlock()
	if d := vm.Debugger(); d != nil {
		d.forget(c)
	}
	c.teardown()
	c.native.Release()
}

// DestroyContext tears down a context created with NewContext.
func (vm *VM) DestroyContext(c *Context) {
	vm.destroyContext(c)
}

// RequestContext borrows an idle context from the pool.
func (vm *VM) RequestContext() *Context {
	return vm.Pool().Acquire()
}

// ReturnContext gives a borrowed context back to the pool.
func (vm *VM) ReturnContext(c *Context) error {
	return vm.Pool().Release(c)
}

func (vm *VM) Pool() *Pool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.pool
}

func (vm *VM) Loop() *EventLoop {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.loop
}

// Contexts lists the live contexts in creation order.
func (vm *VM) Contexts() []*Context {
	vm.mu.RLock()
	out := make([]*Context, 0, len(vm.contexts))
	for _, c := range vm.contexts {
		out = append(out, c)
	}
	vm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Suspended reports how many contexts are parked waiting for a wake-up.
func (vm *VM) Suspended() int {
	return int(vm.suspended.Load())
}

func (vm *VM) maxNestedDepth() int {
	return vm.opts.MaxNestedDepth
}

// SetExceptionHandler installs the VM-wide handler for uncaught exceptions.
func (vm *VM) SetExceptionHandler(h ExceptionHandler) {
	vm.mu.Lock()
	vm.handler = h
	vm.mu.Unlock()
}

func (vm *VM) exceptionHandler() ExceptionHandler {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.handler
}

// AttachDebugger routes line and exception hooks of all contexts to d.
// A nil d detaches the current debugger.
func (vm *VM) AttachDebugger(d *Debugger) {
	vm.mu.Lock()
	vm.debugger = d
	vm.mu.Unlock()
	if d != nil {
		d.attach(vm)
	}
}

func (vm *VM) Debugger() *Debugger {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.debugger
}

// RegisterModule adds m to the registry. Names must be unique.
func (vm *VM) RegisterModule(m Module) error {
	if m == nil || m.Name() == "" {
		return fmt.Errorf("%w: module without name", ErrInvalidArg)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.initialized {
		return ErrNotInitialized
	}
	if _, ok := vm.modules[m.Name()]; ok {
		return fmt.Errorf("module %q already registered", m.Name())
	}
	vm.modules[m.Name()] = m
	log.Debugf("vm: registered module %s with %d functions", m.Name(), len(m.Functions()))
	return nil
}

// Module returns a registered module.
func (vm *VM) Module(name string) (Module, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	m, ok := vm.modules[name]
	return m, ok
}

// Modules lists registered modules sorted by name.
func (vm *VM) Modules() []Module {
	vm.mu.RLock()
	out := make([]Module, 0, len(vm.modules))
	for _, m := range vm.modules {
		out = append(out, m)
	}
	vm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// LookupFunction resolves "module.function" or a bare function name. A bare
// name must be unique across modules.
func (vm *VM) LookupFunction(name string) (engine.Function, error) {
	if modName, fnName, ok := strings.Cut(name, "."); ok {
		m, found := vm.Module(modName)
		if !found {
			return nil, fmt.Errorf("%w: no module %q", ErrUnknownFunction, modName)
		}
		if fn := findFunction(m, fnName); fn != nil {
			return fn, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}

	var match engine.Function
	for _, m := range vm.Modules() {
		if fn := findFunction(m, name); fn != nil {
			if match != nil {
				return nil, fmt.Errorf("%w: %q is ambiguous, qualify it with a module name", ErrUnknownFunction, name)
			}
			match = fn
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return match, nil
}

func findFunction(m Module, name string) engine.Function {
	for _, fn := range m.Functions() {
		if fn.Name() == name {
			return fn
		}
	}
	return nil
}

// ResolveDelegate runs d. If its context can take a top-level call right
// now the call starts on the calling goroutine, otherwise it is routed
// through the event loop.
func (vm *VM) ResolveDelegate(d *Delegate, pre Binder, post Reader) *Future {
	if d == nil {
		return Resolved(Result{State: StateIdle, Err: fmt.Errorf("%w: nil delegate", ErrInvalidArg)})
	}
	if c := d.ctx; c != nil && c.Accepting() {
		out := NewFuture()
		d.run(c, false, pre, post, out)
		return out
	}
	return vm.Loop().EnqueueCallback(d, pre, post)
}

// Call runs fn on a pooled context and drives the event loop until it ends.
func (vm *VM) Call(ctx context.Context, fn engine.Function, bind Binder) (Result, error) {
	if !vm.Initialized() {
		return Result{}, ErrNotInitialized
	}
	c := vm.RequestContext()
	f := c.ExecuteCall(fn, bind)
	r, err := vm.Loop().Await(ctx, f)
	if err != nil {
		_ = c.Abort()
	}
	if rerr := vm.ReturnContext(c); rerr != nil {
		log.Warningf("vm: %s", rerr)
	}
	return r, err
}
