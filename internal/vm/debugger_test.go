package vm

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/funvibe/conductor/internal/engine/coro"
)

// nestedProgram returns outer (lines 2-4) calling inner (lines 11-12) at line 3.
func nestedProgram() (outer, inner *coro.Function) {
	inner = coro.NewFunction("inner", testSection, 10, []int{11, 12}, func(th *coro.Thread) error {
		th.Line(11)
		th.Line(12)
		return nil
	})
	outer = coro.NewFunction("outer", testSection, 1, []int{2, 3, 4}, func(th *coro.Thread) error {
		th.Line(2)
		th.Line(3)
		if _, err := th.Call(inner); err != nil {
			return err
		}
		th.Line(4)
		return nil
	})
	return outer, inner
}

func newDebugged(t *testing.T) (*VM, *Debugger, *bytes.Buffer) {
	t.Helper()
	v := newTestVM(t, Options{})
	d := NewDebugger()
	var out bytes.Buffer
	d.Output = &out
	v.AttachDebugger(d)
	return v, d, &out
}

func call(t *testing.T, v *VM, f *coro.Function) Result {
	t.Helper()
	r, err := v.Call(context.Background(), f, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	return r
}

func TestDebuggerBreakpoints(t *testing.T) {
	v, d, _ := newDebugged(t)
	outer, _ := nestedProgram()
	if _, err := d.AddBreakPoint(testSection, 4); err != nil {
		t.Fatal(err)
	}

	var hits []int
	d.OnStop = func(dbg *Debugger, ev StopEvent) {
		hits = append(hits, ev.Line)
		if ev.Reason != StopBreakPoint {
			t.Errorf("unexpected reason %s", ev.Reason)
		}
		dbg.SetAction(ActionContinue)
	}
	call(t, v, outer)

	if fmt.Sprint(hits) != "[4]" {
		t.Errorf("expected a single stop at line 4, got %v", hits)
	}
}

func TestDebuggerStepMode(t *testing.T) {
	v, d, _ := newDebugged(t)
	outer, _ := nestedProgram()

	var lines []int
	d.OnStop = func(dbg *Debugger, ev StopEvent) {
		lines = append(lines, ev.Line)
		dbg.SetAction(ActionStepInto)
	}
	d.SetAction(ActionStepInto)
	call(t, v, outer)

	if fmt.Sprint(lines) != "[2 3 11 12 4]" {
		t.Errorf("unexpected step sequence %v", lines)
	}
}

func TestDebuggerStepOverAndOut(t *testing.T) {
	tests := []struct {
		name    string
		at      int
		action  Action
		expects string
	}{
		{"next skips the call", 3, ActionStepOver, "[3 4]"},
		{"finish leaves the callee", 11, ActionStepOut, "[11 4]"},
		{"next inside callee", 11, ActionStepOver, "[11 12]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, d, _ := newDebugged(t)
			outer, _ := nestedProgram()
			_, _ = d.AddBreakPoint(testSection, tt.at)

			var lines []int
			d.OnStop = func(dbg *Debugger, ev StopEvent) {
				lines = append(lines, ev.Line)
				if len(lines) == 1 {
					dbg.SetAction(tt.action)
					return
				}
				dbg.SetAction(ActionContinue)
			}
			call(t, v, outer)
			if fmt.Sprint(lines) != tt.expects {
				t.Errorf("expected stops %s, got %v", tt.expects, lines)
			}
		})
	}
}

func TestFunctionBreakPointResolvesOnce(t *testing.T) {
	v, d, out := newDebugged(t)
	outer, _ := nestedProgram()
	if _, err := d.AddFunctionBreakPoint("inner"); err != nil {
		t.Fatal(err)
	}

	stops := 0
	d.OnStop = func(dbg *Debugger, ev StopEvent) {
		stops++
		if ev.Line != 11 {
			t.Errorf("expected stop at the first line of inner, got %d", ev.Line)
		}
		dbg.SetAction(ActionContinue)
	}
	for i := 0; i < 3; i++ {
		call(t, v, outer)
	}

	bps := d.BreakPoints()
	if len(bps) != 1 {
		t.Fatalf("expected exactly one breakpoint, got %d", len(bps))
	}
	bp := bps[0]
	if bp.FunctionPending || bp.NeedsAdjusting || bp.File != testSection || bp.Line != 11 {
		t.Errorf("unexpected resolution %+v", bp)
	}
	if n := strings.Count(out.String(), "resolved to"); n != 1 {
		t.Errorf("expected one resolution notice, got %d:\n%s", n, out.String())
	}
	if stops != 3 {
		t.Errorf("expected 3 stops, got %d", stops)
	}
}

func TestLineBreakPointMovesToCode(t *testing.T) {
	v, d, out := newDebugged(t)
	f := coro.NewFunction("gappy", testSection, 1, []int{2, 5}, func(th *coro.Thread) error {
		th.Line(2)
		th.Line(5)
		return nil
	})
	_, _ = d.AddBreakPoint(testSection, 3)

	var hits []int
	d.OnStop = func(dbg *Debugger, ev StopEvent) { hits = append(hits, ev.Line) }
	call(t, v, f)

	if fmt.Sprint(hits) != "[5]" {
		t.Errorf("expected stop at the adjusted line 5, got %v", hits)
	}
	if !strings.Contains(out.String(), "moved to line 5") {
		t.Errorf("missing adjustment notice:\n%s", out.String())
	}
}

func TestDebuggerInterrupt(t *testing.T) {
	v, d, out := newDebugged(t)
	outer, _ := nestedProgram()
	var reasons []StopReason
	d.OnStop = func(dbg *Debugger, ev StopEvent) {
		reasons = append(reasons, ev.Reason)
		dbg.SetAction(ActionContinue)
	}
	d.Interrupt()
	call(t, v, outer)

	if len(reasons) != 1 || reasons[0] != StopInterrupt {
		t.Errorf("expected one interrupt stop, got %v", reasons)
	}
	if !strings.Contains(out.String(), "Interrupted") {
		t.Error("interrupt not reported")
	}
}

func TestDebuggerStopsOnException(t *testing.T) {
	v, d, out := newDebugged(t)
	f := fn("fails", func(th *coro.Thread) error {
		th.Line(6)
		return th.Throw("division by zero")
	})
	var ev StopEvent
	d.OnStop = func(dbg *Debugger, e StopEvent) { ev = e }

	r := call(t, v, f)
	if r.State != StateException {
		t.Fatalf("expected exception result, got %+v", r)
	}
	if ev.Reason != StopException || ev.Exception == nil || ev.Line != 6 {
		t.Errorf("unexpected stop %+v", ev)
	}
	if !strings.Contains(out.String(), "fails at test.yaml:6") {
		t.Errorf("call stack not printed:\n%s", out.String())
	}
}

func TestDebuggerHoldsOtherContextsWhileStopped(t *testing.T) {
	v, d, _ := newDebugged(t)
	outer, _ := nestedProgram()
	_, _ = d.AddBreakPoint(testSection, 2)

	stopped := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	d.OnStop = func(dbg *Debugger, ev StopEvent) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(stopped)
			<-release
		}
		dbg.SetAction(ActionContinue)
	}
	go v.NewContext().ExecuteCall(outer, nil)
	<-stopped

	var mu sync.Mutex
	progressed := false
	other := fn("other", func(th *coro.Thread) error {
		th.Line(7)
		mu.Lock()
		progressed = true
		mu.Unlock()
		return nil
	})
	done := make(chan *Future, 1)
	go func() { done <- v.NewContext().ExecuteCall(other, nil) }()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	early := progressed
	mu.Unlock()
	if early {
		t.Fatal("other context ran while the debugger was stopped")
	}
	if !d.IsStopped() {
		t.Fatal("debugger should report a stop")
	}

	close(release)
	f := <-done
	waitResult(t, f)
	mu.Lock()
	defer mu.Unlock()
	if !progressed {
		t.Error("other context never resumed")
	}
}

func TestDebuggerFollowStopsOnFollowedContext(t *testing.T) {
	v, d, _ := newDebugged(t)
	outer, _ := nestedProgram()
	c := v.NewContext()

	var ev StopEvent
	d.OnStop = func(dbg *Debugger, e StopEvent) {
		ev = e
		dbg.SetAction(ActionContinue)
	}
	d.Follow(c)
	c.ExecuteCall(outer, nil)

	if ev.Reason != StopThread || ev.Context != c {
		t.Errorf("unexpected stop %+v", ev)
	}
	threads := d.Threads()
	if len(threads) != 1 || threads[0].Context != c || threads[0].ThreadID == 0 {
		t.Errorf("unexpected thread records %+v", threads)
	}
}

type memStore map[string][]BreakPoint

func (m memStore) SaveBreakPoints(session string, bps []BreakPoint) error {
	m[session] = append([]BreakPoint(nil), bps...)
	return nil
}

func (m memStore) LoadBreakPoints(session string) ([]BreakPoint, error) {
	return m[session], nil
}

func TestSaveAndLoadBreakPoints(t *testing.T) {
	d := NewDebugger()
	d.Output = nil
	_, _ = d.AddBreakPoint("a.yaml", 3)
	_, _ = d.AddFunctionBreakPoint("main")

	store := memStore{}
	if err := d.SaveBreakPoints(store, "s1"); err != nil {
		t.Fatal(err)
	}
	d.RemoveAllBreakPoints()
	n, err := d.LoadBreakPoints(store, "s1")
	if err != nil || n != 2 {
		t.Fatalf("LoadBreakPoints: %d %v", n, err)
	}
	bps := d.BreakPoints()
	if bps[0].File != "a.yaml" || !bps[0].NeedsAdjusting {
		t.Errorf("unexpected line breakpoint %+v", bps[0])
	}
	if bps[1].Function != "main" || !bps[1].FunctionPending {
		t.Errorf("unexpected function breakpoint %+v", bps[1])
	}
}

func TestRemoveBreakPoint(t *testing.T) {
	d := NewDebugger()
	bp, _ := d.AddBreakPoint("a.yaml", 1)
	if err := d.RemoveBreakPoint(bp.ID); err != nil {
		t.Fatal(err)
	}
	if err := d.RemoveBreakPoint(bp.ID); err == nil {
		t.Error("expected error for unknown id")
	}
	if _, err := d.AddBreakPoint("", 1); err == nil {
		t.Error("expected error for empty file")
	}
}

func TestStepOverBeforeFirstStop(t *testing.T) {
	v, d, _ := newDebugged(t)
	outer, _ := nestedProgram()

	var lines []int
	d.OnStop = func(dbg *Debugger, ev StopEvent) {
		lines = append(lines, ev.Line)
		dbg.SetAction(ActionStepOver)
	}
	d.SetAction(ActionStepOver)
	call(t, v, outer)

	if fmt.Sprint(lines) != "[2 3 4]" {
		t.Errorf("expected stops [2 3 4], got %v", lines)
	}
}
