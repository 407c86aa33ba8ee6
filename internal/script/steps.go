package script

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/funvibe/conductor/internal/engine"
	"github.com/funvibe/conductor/internal/engine/coro"
	"github.com/funvibe/conductor/internal/vm"
)

// Step operations
const (
	OpSay    = "say"
	OpCall   = "call"
	OpNested = "nested"
	OpWait   = "wait"
	OpYield  = "yield"
	OpThrow  = "throw"
	OpSpawn  = "spawn"
	OpReturn = "return"
	OpNoop   = "noop"
)

type step struct {
	op   string
	line int

	// say, throw and return
	text    string
	hasText bool

	// call, nested and spawn
	target string
	args   []string
	local  *function

	wait time.Duration
}

type callDoc struct {
	Fn   string   `yaml:"fn"`
	Args []string `yaml:"args"`
}

func parseStep(path string, n *yaml.Node) (*step, error) {
	var key, val *yaml.Node
	switch n.Kind {
	case yaml.ScalarNode:
		key = n
	case yaml.MappingNode:
		if len(n.Content) != 2 {
			return nil, fmt.Errorf("%s:%d: a step must have exactly one operation", path, n.Line)
		}
		key, val = n.Content[0], n.Content[1]
	default:
		return nil, fmt.Errorf("%s:%d: malformed step", path, n.Line)
	}
	if val != nil && val.Tag == "!!null" {
		val = nil
	}

	s := &step{op: key.Value, line: key.Line}
	switch s.op {
	case OpSay, OpThrow:
		if val == nil || val.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%s:%d: %s needs a text", path, s.line, s.op)
		}
		s.text, s.hasText = val.Value, true
	case OpReturn:
		if val != nil {
			if val.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("%s:%d: return value must be a scalar", path, s.line)
			}
			s.text, s.hasText = val.Value, true
		}
	case OpCall, OpNested, OpSpawn:
		if val == nil {
			return nil, fmt.Errorf("%s:%d: %s needs a function", path, s.line, s.op)
		}
		if val.Kind == yaml.ScalarNode {
			s.target = val.Value
			break
		}
		var doc callDoc
		if err := val.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%s:%d: %s: %w", path, s.line, s.op, err)
		}
		if doc.Fn == "" {
			return nil, fmt.Errorf("%s:%d: %s needs a function", path, s.line, s.op)
		}
		s.target, s.args = doc.Fn, doc.Args
	case OpWait:
		if val == nil {
			return nil, fmt.Errorf("%s:%d: wait needs a duration", path, s.line)
		}
		d, err := time.ParseDuration(val.Value)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: wait: %w", path, s.line, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%s:%d: wait: negative duration", path, s.line)
		}
		s.wait = d
	case OpYield, OpNoop:
		if val != nil {
			return nil, fmt.Errorf("%s:%d: %s takes no value", path, s.line, s.op)
		}
	default:
		return nil, fmt.Errorf("%s:%d: unknown step %q", path, s.line, s.op)
	}
	return s, nil
}

// exec is the state of one running function body.
type exec struct {
	m   *Module
	t   *coro.Thread
	ctx *vm.Context
	fn  *function
	// result of the last call or nested step
	last any
}

// expand substitutes {N}, {argname}, {this} and {result} in text.
func (x *exec) expand(text string) string {
	if !strings.Contains(text, "{") {
		return text
	}
	pairs := []string{"{this}", display(x.t.This()), "{result}", display(x.last)}
	for i := 0; i < x.t.NumArgs(); i++ {
		v := display(x.t.Arg(i))
		pairs = append(pairs, "{"+strconv.Itoa(i)+"}", v)
		if i < len(x.fn.args) {
			pairs = append(pairs, "{"+x.fn.args[i]+"}", v)
		}
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func display(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func (x *exec) callArgs(s *step) []any {
	out := make([]any, len(s.args))
	for i, a := range s.args {
		out[i] = x.expand(a)
	}
	return out
}

func binder(args []any) vm.Binder {
	if len(args) == 0 {
		return nil
	}
	return func(c *vm.Context) error {
		for i, a := range args {
			if err := c.SetArg(i, a); err != nil {
				return err
			}
		}
		return nil
	}
}

// resolve finds the callee of a call, nested or spawn step.
func (x *exec) resolve(s *step) (engine.Function, error) {
	if s.local != nil {
		return s.local.fn, nil
	}
	if x.ctx == nil {
		return nil, fmt.Errorf("%s: %s is not a local function", s.op, s.target)
	}
	return x.ctx.VM().LookupFunction(s.target)
}

func (x *exec) needContext(s *step) error {
	if x.ctx == nil {
		return x.t.Throw("%s: not running on a vm context", s.op)
	}
	return nil
}

// run executes s and reports whether the function returned.
func (s *step) run(x *exec) (bool, error) {
	switch s.op {
	case OpSay:
		fmt.Fprintln(x.m.output, x.expand(s.text))

	case OpReturn:
		if s.hasText {
			x.t.Return(x.expand(s.text))
		}
		return true, nil

	case OpThrow:
		return false, x.t.Throw("%s", x.expand(s.text))

	case OpCall:
		fn, err := x.resolve(s)
		if err != nil {
			return false, err
		}
		callee, ok := fn.(*coro.Function)
		if !ok {
			return false, fmt.Errorf("call: %s is not a step function", s.target)
		}
		v, err := x.t.Call(callee, x.callArgs(s)...)
		if err != nil {
			return false, err
		}
		x.last = v

	case OpNested:
		if err := x.needContext(s); err != nil {
			return false, err
		}
		fn, err := x.resolve(s)
		if err != nil {
			return false, err
		}
		r := x.ctx.ExecuteNested(fn, binder(x.callArgs(s)))
		if r.Err != nil {
			if errors.Is(r.Err, vm.ErrAborted) {
				// the abort flag is still up, so this unwinds the outer call
				x.t.Line(s.line)
			}
			var se *vm.ScriptError
			if errors.As(r.Err, &se) {
				return false, x.t.Throw("%s", se.Message)
			}
			return false, r.Err
		}
		x.last = r.Value

	case OpWait:
		if err := x.needContext(s); err != nil {
			return false, err
		}
		d := s.wait
		if err := x.ctx.Await(func(wake func()) { time.AfterFunc(d, wake) }); err != nil {
			return false, err
		}

	case OpYield:
		if err := x.needContext(s); err != nil {
			return false, err
		}
		if err := x.ctx.Yield(); err != nil {
			return false, err
		}

	case OpSpawn:
		if err := x.needContext(s); err != nil {
			return false, err
		}
		fn, err := x.resolve(s)
		if err != nil {
			return false, err
		}
		d, err := vm.NewDelegate(x.ctx, fn, x.t.This())
		if err != nil {
			return false, err
		}
		f := x.ctx.VM().ResolveDelegate(d, binder(x.callArgs(s)), nil)
		d.Release()
		name := fn.Name()
		f.Then(func(r vm.Result) {
			if r.Err != nil {
				log.Warningf("spawned %s ended %s: %s", name, r.State, r.Err)
			}
		})

	case OpNoop:
	}
	return false, nil
}
