package conductor

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/funvibe/conductor/internal/engine"
	"github.com/funvibe/conductor/internal/engine/coro"
	"github.com/funvibe/conductor/internal/vm"
)

// HostModule is the name under which bound Go functions are registered.
// Step modules call them as "host.<name>".
const HostModule = "host"

const hostSection = "<host>"

// hostModule holds the Go functions bound with Bind.
type hostModule struct {
	mu    sync.RWMutex
	funcs map[string]*coro.Function
}

func newHostModule() *hostModule {
	return &hostModule{funcs: make(map[string]*coro.Function)}
}

func (h *hostModule) Name() string { return HostModule }

func (h *hostModule) Functions() []engine.Function {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]engine.Function, 0, len(h.funcs))
	for _, fn := range h.funcs {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (h *hostModule) bind(name string, fn interface{}, m *Marshaller) error {
	v := reflect.ValueOf(fn)
	if name == "" || !v.IsValid() || v.Kind() != reflect.Func {
		return fmt.Errorf("%w: Bind(%q) needs a Go function, got %T", vm.ErrInvalidArg, name, fn)
	}
	body := func(t *coro.Thread) error {
		args := make([]interface{}, t.NumArgs())
		for i := range args {
			args[i] = t.Arg(i)
		}
		in, err := m.Args(v.Type(), args)
		if err != nil {
			return t.Throw("%s: %s", name, err)
		}
		out, err := m.ToValue(v.Call(in))
		if err != nil {
			return t.Throw("%s: %s", name, err)
		}
		t.Return(out)
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs[name] = coro.NewFunction(name, hostSection, 0, nil, body)
	return nil
}
