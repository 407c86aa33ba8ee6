// Package script loads step modules: YAML files describing functions as
// numbered steps. Each function is compiled to a coroutine function whose
// lines are the YAML lines of its steps, so breakpoints set on a module file
// land on the step written there.
//
//	module: demo
//	functions:
//	  main:
//	    steps:
//	      - say: hello {0}
//	      - wait: 50ms
//	      - call: helper
//	      - return: done
package script

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tliron/commonlog"
	"gopkg.in/yaml.v3"

	"github.com/funvibe/conductor/internal/config"
	"github.com/funvibe/conductor/internal/engine"
	"github.com/funvibe/conductor/internal/engine/coro"
	"github.com/funvibe/conductor/internal/vm"
)

var log = commonlog.GetLogger("conductor.script")

// Options configures how a module is compiled.
type Options struct {
	// Output receives the text of say steps. Defaults to os.Stdout.
	Output io.Writer
}

// Module is a compiled step module.
type Module struct {
	name   string
	path   string
	output io.Writer
	funcs  []*function
	byName map[string]*function
}

var _ vm.Module = (*Module)(nil)

func (m *Module) Name() string { return m.name }

// Path returns the file the module was loaded from.
func (m *Module) Path() string { return m.path }

// Functions returns the compiled functions in declaration order.
func (m *Module) Functions() []engine.Function {
	out := make([]engine.Function, len(m.funcs))
	for i, f := range m.funcs {
		out[i] = f.fn
	}
	return out
}

// Function returns the compiled function with the given name.
func (m *Module) Function(name string) (*coro.Function, bool) {
	f, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return f.fn, true
}

// Load reads and compiles a module file.
func Load(path string, opts Options) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module %s: %w", path, err)
	}
	return Parse(data, path, opts)
}

// Register loads the module at path and adds it to v.
func Register(v *vm.VM, path string, opts Options) (*Module, error) {
	m, err := Load(path, opts)
	if err != nil {
		return nil, err
	}
	if err := v.RegisterModule(m); err != nil {
		return nil, err
	}
	log.Infof("registered module %s (%d functions) from %s", m.name, len(m.funcs), path)
	return m, nil
}

type moduleDoc struct {
	Module    string    `yaml:"module"`
	Functions yaml.Node `yaml:"functions"`
}

type functionDoc struct {
	Args  []string    `yaml:"args"`
	Steps []yaml.Node `yaml:"steps"`
}

// Parse compiles module source. path names the section of every function
// and is used in error messages.
func Parse(data []byte, path string, opts Options) (*Module, error) {
	var doc moduleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	name := doc.Module
	if name == "" {
		name = config.TrimModuleExt(filepath.Base(path))
	}
	if strings.Contains(name, ".") {
		return nil, fmt.Errorf("%s: module name %q must not contain '.'", path, name)
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	m := &Module{name: name, path: path, output: out, byName: make(map[string]*function)}

	fns := &doc.Functions
	if fns.Kind == 0 {
		return nil, fmt.Errorf("%s: module declares no functions", path)
	}
	if fns.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s:%d: functions must be a mapping", path, fns.Line)
	}
	for i := 0; i+1 < len(fns.Content); i += 2 {
		key, body := fns.Content[i], fns.Content[i+1]
		if _, dup := m.byName[key.Value]; dup {
			return nil, fmt.Errorf("%s:%d: function %q declared twice", path, key.Line, key.Value)
		}
		f, err := m.parseFunction(key, body)
		if err != nil {
			return nil, err
		}
		m.funcs = append(m.funcs, f)
		m.byName[f.name] = f
	}

	// Local call targets resolve once every function is known.
	for _, f := range m.funcs {
		for _, s := range f.steps {
			if err := m.link(s); err != nil {
				return nil, err
			}
		}
		f.compile(m)
	}
	return m, nil
}

func (m *Module) parseFunction(key, body *yaml.Node) (*function, error) {
	var doc functionDoc
	if err := body.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s:%d: function %s: %w", m.path, key.Line, key.Value, err)
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("%s:%d: function %s has no steps", m.path, key.Line, key.Value)
	}
	f := &function{name: key.Value, line: key.Line, args: doc.Args}
	for i := range doc.Steps {
		s, err := parseStep(m.path, &doc.Steps[i])
		if err != nil {
			return nil, err
		}
		f.steps = append(f.steps, s)
	}
	return f, nil
}

func (m *Module) link(s *step) error {
	if s.target == "" || strings.Contains(s.target, ".") {
		return nil
	}
	callee, ok := m.byName[s.target]
	if !ok {
		return fmt.Errorf("%s:%d: %s: unknown function %q", m.path, s.line, s.op, s.target)
	}
	s.local = callee
	return nil
}

// function is one compiled function of a module.
type function struct {
	name  string
	line  int
	args  []string
	steps []*step
	fn    *coro.Function
}

func (f *function) compile(m *Module) {
	lines := make([]int, 0, len(f.steps))
	for _, s := range f.steps {
		lines = append(lines, s.line)
	}
	sort.Ints(lines)
	f.fn = coro.NewFunction(f.name, m.path, f.line, lines, func(t *coro.Thread) error {
		return f.run(m, t)
	})
}

func (f *function) run(m *Module, t *coro.Thread) error {
	x := &exec{m: m, t: t, ctx: vm.FromNative(t.Context()), fn: f}
	for _, s := range f.steps {
		t.Line(s.line)
		done, err := s.run(x)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}
