// Package conductor embeds the execution layer in a Go program: it owns a
// VM, loads step modules, binds Go functions and runs calls either to
// completion or as futures.
package conductor

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"

	"github.com/funvibe/conductor/internal/config"
	"github.com/funvibe/conductor/internal/engine/coro"
	"github.com/funvibe/conductor/internal/script"
	"github.com/funvibe/conductor/internal/vm"
)

var log = commonlog.GetLogger("conductor.embed")

// Options configures a Runtime. Zero values use config.Default.
type Options struct {
	Config *config.Config
	// Output receives the text of say steps. Defaults to os.Stdout.
	Output io.Writer
	// Debugger is attached to the VM when set.
	Debugger *vm.Debugger
}

// Runtime wraps a VM and provides a high-level embedding API.
type Runtime struct {
	vm         *vm.VM
	cfg        *config.Config
	output     io.Writer
	marshaller *Marshaller
	host       *hostModule
}

// New creates and initializes a runtime.
func New(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	v := vm.New(VMOptions(cfg))
	if err := v.Init(); err != nil {
		return nil, err
	}
	r := &Runtime{
		vm:         v,
		cfg:        cfg,
		output:     out,
		marshaller: NewMarshaller(),
		host:       newHostModule(),
	}
	if err := v.RegisterModule(r.host); err != nil {
		v.Shutdown()
		return nil, err
	}
	if opts.Debugger != nil {
		v.AttachDebugger(opts.Debugger)
	}
	return r, nil
}

// VMOptions maps a configuration onto VM options backed by the coroutine
// engine.
func VMOptions(cfg *config.Config) vm.Options {
	return vm.Options{
		Engine:         coro.New(),
		PoolSize:       cfg.Pool.Initial,
		MaxIdle:        cfg.Pool.MaxIdle,
		MaxNestedDepth: cfg.Executor.MaxNestedDepth,
		PollInterval:   cfg.EventLoop.PollInterval.Std(),
		Slice:          cfg.EventLoop.Slice,
	}
}

// VM returns the underlying VM.
func (r *Runtime) VM() *vm.VM { return r.vm }

func (r *Runtime) Config() *config.Config { return r.cfg }

// Bind registers a Go function callable from step modules as host.<name>.
// Arguments are converted to the parameter types; a trailing error result
// becomes a script exception.
func (r *Runtime) Bind(name string, fn interface{}) error {
	return r.host.bind(name, fn, r.marshaller)
}

// LoadModule compiles the step module at path and registers it.
func (r *Runtime) LoadModule(path string) (*script.Module, error) {
	return script.Register(r.vm, path, script.Options{Output: r.output})
}

// LoadModuleSource compiles module source read from elsewhere. path names the
// module's section for breakpoints and errors.
func (r *Runtime) LoadModuleSource(path string, src []byte) (*script.Module, error) {
	m, err := script.Parse(src, path, script.Options{Output: r.output})
	if err != nil {
		return nil, err
	}
	if err := r.vm.RegisterModule(m); err != nil {
		return nil, err
	}
	return m, nil
}

func bindArgs(args []interface{}) vm.Binder {
	return func(c *vm.Context) error {
		for i, a := range args {
			if err := c.SetArg(i, a); err != nil {
				return err
			}
		}
		return nil
	}
}

// Call runs the named function and drives the event loop on the calling
// goroutine until it ends. Script exceptions are returned as *vm.ScriptError.
func (r *Runtime) Call(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	fn, err := r.vm.LookupFunction(name)
	if err != nil {
		return nil, err
	}
	res, err := r.vm.Call(ctx, fn, bindArgs(args))
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", name, err)
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value, nil
}

// Go starts the named function on a pooled context and returns its future.
// The call progresses while something drives the event loop (Run, Drain or
// another Call). The context goes back to the pool once the future resolves.
func (r *Runtime) Go(name string, args ...interface{}) (*vm.Future, error) {
	fn, err := r.vm.LookupFunction(name)
	if err != nil {
		return nil, err
	}
	c := r.vm.RequestContext()
	f := c.ExecuteCall(fn, bindArgs(args))
	f.Then(func(res vm.Result) {
		if err := r.vm.ReturnContext(c); err != nil {
			log.Warningf("returning %s after %s: %s", c, name, err)
		}
	})
	return f, nil
}

// Run drives the event loop until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	return r.vm.Loop().Run(ctx)
}

// Drain drives the event loop until no queued or suspended work is left.
func (r *Runtime) Drain(ctx context.Context) error {
	return r.vm.Loop().Drain(ctx)
}

// Close shuts the VM down. Pending futures resolve as aborted.
func (r *Runtime) Close() {
	r.vm.Shutdown()
}
