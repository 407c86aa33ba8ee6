package vm

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
)

func newTestCLI(t *testing.T, input string) (*VM, *Debugger, *DebuggerCLI, *bytes.Buffer) {
	t.Helper()
	v := newTestVM(t, Options{})
	d := NewDebugger()
	cli := NewDebuggerCLI(d, v)
	var out bytes.Buffer
	cli.SetInput(strings.NewReader(input))
	cli.SetOutput(&out)
	cli.Run()
	return v, d, cli, &out
}

func TestDebuggerCLIBreakAndContinue(t *testing.T) {
	input := "help\nfoo\nbreak test.yaml:4\nlist\ncontinue\nbacktrace\ncontinue\n"
	v, d, _, out := newTestCLI(t, input)
	outer, _ := nestedProgram()
	d.SetAction(ActionStepInto)

	call(t, v, outer)

	text := out.String()
	for _, want := range []string{
		"Debugger started",
		"Debugger commands:",
		"Unknown command: foo. Type 'help' for help.",
		"Breakpoint 1 set at test.yaml:4",
		"1. test.yaml:4",
		"Breakpoint 1 at test.yaml:4 (outer)",
		"1. outer at test.yaml:4",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if d.Stops() != 2 {
		t.Errorf("expected 2 stops, got %d", d.Stops())
	}
}

func TestDebuggerCLIFunctionBreakAndDelete(t *testing.T) {
	input := "break inner\ndelete 7\ndelete x\ncontinue\ninfo\ndelete all\ncontinue\n"
	v, d, _, out := newTestCLI(t, input)
	outer, _ := nestedProgram()
	d.SetAction(ActionStepInto)

	call(t, v, outer)

	text := out.String()
	for _, want := range []string{
		"Breakpoint 1 set on function inner (pending)",
		"no breakpoint 7",
		"Invalid breakpoint id: x",
		"function inner resolved to test.yaml:10",
		"Stops:",
		"All breakpoints removed",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if len(d.BreakPoints()) != 0 {
		t.Error("breakpoints not deleted")
	}
}

func TestDebuggerCLIEOFDetaches(t *testing.T) {
	v, d, _, out := newTestCLI(t, "")
	outer, _ := nestedProgram()
	d.SetAction(ActionStepInto)

	r := call(t, v, outer)
	if !r.OK() {
		t.Errorf("program should run to completion, got %+v", r)
	}
	if !strings.Contains(out.String(), "Exiting debugger (EOF).") {
		t.Errorf("missing EOF notice:\n%s", out.String())
	}
	if v.Debugger() != nil {
		t.Error("debugger should be detached")
	}
	if d.Stops() != 1 {
		t.Errorf("expected 1 stop, got %d", d.Stops())
	}
}

func TestDebuggerCLIQuitAbortsCall(t *testing.T) {
	v, _, _, _ := newTestCLI(t, "quit\n")
	outer, _ := nestedProgram()
	v.Debugger().SetAction(ActionStepInto)

	r := call(t, v, outer)
	if r.State != StateAborted {
		t.Errorf("expected aborted call, got %+v", r)
	}
}

func TestDebuggerCLISaveLoad(t *testing.T) {
	v, d, cli, out := newTestCLI(t, "break a.yaml:3\nsave s1\ndelete all\nload s1\nsave\ncontinue\n")
	cli.SetStore(memStore{}, "")
	outer, _ := nestedProgram()
	d.SetAction(ActionStepInto)

	call(t, v, outer)

	text := out.String()
	for _, want := range []string{
		"Saved 1 breakpoints to session s1",
		"Loaded 1 breakpoints from session s1",
		"Saved 1 breakpoints to session default",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestDebuggerCLIThreads(t *testing.T) {
	v, d, cli, out := newTestCLI(t, "")
	c := v.NewContext()
	outer, _ := nestedProgram()
	d.OnStop = func(dbg *Debugger, ev StopEvent) {
		cli.Execute(ev, "threads")
		if cli.Execute(ev, "thread 99") {
			t.Error("unknown context must not resume")
		}
		if cli.Execute(ev, "thread "+itoa(c.Seq())) {
			t.Error("switching to the current context must not resume")
		}
		dbg.SetAction(ActionContinue)
	}
	d.SetAction(ActionStepInto)
	c.ExecuteCall(outer, nil)

	text := out.String()
	if !strings.Contains(text, "* "+itoa(c.Seq())+". active goroutine") {
		t.Errorf("missing thread listing:\n%s", text)
	}
	if !strings.Contains(text, "No context 99") || !strings.Contains(text, "Already following") {
		t.Errorf("unexpected thread output:\n%s", text)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
