package vm

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petermattis/goid"

	"github.com/funvibe/conductor/internal/engine"
)

// Action is the debugger's current stepping policy
type Action int

const (
	// ActionContinue - run until a breakpoint
	ActionContinue Action = iota
	// ActionStepInto - stop at the next line of the followed context
	ActionStepInto
	// ActionStepOver - stop at the next line at the same or a shallower depth
	ActionStepOver
	// ActionStepOut - stop once the current function returned
	ActionStepOut
	// ActionInterrupt - requested from another goroutine, becomes ActionTrigger
	ActionInterrupt
	// ActionMatchThread - hold every other context until the followed one runs
	ActionMatchThread
	// ActionTrigger - stop at the next line of any context
	ActionTrigger
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionStepInto:
		return "step"
	case ActionStepOver:
		return "next"
	case ActionStepOut:
		return "finish"
	case ActionInterrupt:
		return "interrupt"
	case ActionMatchThread:
		return "thread"
	case ActionTrigger:
		return "trigger"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// BreakPoint is a stop location. Function breakpoints stay pending until the
// function is first entered; file breakpoints may move to the next line with
// code once their function is known.
type BreakPoint struct {
	ID              int
	File            string
	Line            int
	Function        string
	NeedsAdjusting  bool
	FunctionPending bool
}

func (bp BreakPoint) String() string {
	if bp.FunctionPending {
		return fmt.Sprintf("%s (pending)", bp.Function)
	}
	loc := fmt.Sprintf("%s:%d", displayPath(bp.File), bp.Line)
	if bp.Function != "" {
		loc = fmt.Sprintf("%s in %s", loc, bp.Function)
	}
	return loc
}

// ThreadRecord ties a context to the goroutine that last executed it.
type ThreadRecord struct {
	Context  *Context
	ThreadID int64
	LastSeen time.Time
}

// StopReason explains why the debugger stopped.
type StopReason int

const (
	StopStep StopReason = iota
	StopBreakPoint
	StopInterrupt
	StopTrigger
	StopThread
	StopException
)

func (r StopReason) String() string {
	switch r {
	case StopStep:
		return "step"
	case StopBreakPoint:
		return "breakpoint"
	case StopInterrupt:
		return "interrupt"
	case StopTrigger:
		return "trigger"
	case StopThread:
		return "thread"
	case StopException:
		return "exception"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

// StopEvent describes a stop.
type StopEvent struct {
	Reason     StopReason
	Context    *Context
	File       string
	Line       int
	Function   string
	BreakPoint *BreakPoint
	Exception  *ScriptError
}

// BreakPointStore persists breakpoints between sessions.
type BreakPointStore interface {
	SaveBreakPoints(session string, bps []BreakPoint) error
	LoadBreakPoints(session string) ([]BreakPoint, error)
}

// Debugger stops script execution at breakpoints and steps through it. When
// one context is stopped every other context that reaches a line waits.
type Debugger struct {
	// Output receives notices and stop reports
	Output io.Writer

	// OnStop runs on the stopped context's goroutine and blocks it until a
	// continuation is chosen. Without it a stop continues immediately.
	OnStop func(d *Debugger, ev StopEvent)

	mu       sync.Mutex
	cond     *sync.Cond
	action   Action
	followed *Context
	depth    int
	// depth is taken at the next line when no followed call was running
	depthPending bool
	stopped  *Context
	last     *StopEvent

	breakpoints []*BreakPoint
	nextID      int

	// Function each context executed at its previous line
	lastFunction map[uuid.UUID]engine.Function
	threads      map[uuid.UUID]*ThreadRecord

	stops int
}

// NewDebugger creates a debugger that continues until a breakpoint.
func NewDebugger() *Debugger {
	d := &Debugger{
		Output:       os.Stdout,
		action:       ActionContinue,
		nextID:       1,
		lastFunction: make(map[uuid.UUID]engine.Function),
		threads:      make(map[uuid.UUID]*ThreadRecord),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// attach forgets what was learned about contexts of a previous VM.
func (d *Debugger) attach(vm *VM) {
	live := make(map[uuid.UUID]bool)
	for _, c := range vm.Contexts() {
		live[c.ID] = true
	}
	d.mu.Lock()
	for id := range d.threads {
		if !live[id] {
			delete(d.threads, id)
			delete(d.lastFunction, id)
		}
	}
	d.mu.Unlock()
}

func (d *Debugger) forget(c *Context) {
	d.mu.Lock()
	delete(d.lastFunction, c.ID)
	delete(d.threads, c.ID)
	if d.followed == c {
		d.followed = nil
	}
	d.cond.Broadcast()
	d.mu.Unlock()
}

// AddBreakPoint adds a breakpoint at file:line. The line is moved to the next
// line with code when the enclosing function is entered.
func (d *Debugger) AddBreakPoint(file string, line int) (*BreakPoint, error) {
	if file == "" || line < 1 {
		return nil, fmt.Errorf("%w: breakpoint %s:%d", ErrInvalidArg, file, line)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	bp := &BreakPoint{ID: d.nextID, File: file, Line: line, NeedsAdjusting: true}
	d.nextID++
	d.breakpoints = append(d.breakpoints, bp)
	cp := *bp
	return &cp, nil
}

// AddFunctionBreakPoint adds a breakpoint resolved on the first entry of
// the named function.
func (d *Debugger) AddFunctionBreakPoint(name string) (*BreakPoint, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty function name", ErrInvalidArg)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	bp := &BreakPoint{ID: d.nextID, Function: name, FunctionPending: true}
	d.nextID++
	d.breakpoints = append(d.breakpoints, bp)
	cp := *bp
	return &cp, nil
}

// RemoveBreakPoint removes the breakpoint with the given id.
func (d *Debugger) RemoveBreakPoint(id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, bp := range d.breakpoints {
		if bp.ID == id {
			d.breakpoints = append(d.breakpoints[:i], d.breakpoints[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: no breakpoint %d", ErrInvalidArg, id)
}

func (d *Debugger) RemoveAllBreakPoints() {
	d.mu.Lock()
	d.breakpoints = nil
	d.mu.Unlock()
}

// BreakPoints returns a snapshot of all breakpoints ordered by id.
func (d *Debugger) BreakPoints() []BreakPoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]BreakPoint, len(d.breakpoints))
	for i, bp := range d.breakpoints {
		out[i] = *bp
	}
	return out
}

// SetAction sets the stepping policy. Step over and step out record the call
// depth of the followed context at the time of the call, or at the next line
// executed when the followed context is not running anything yet.
func (d *Debugger) SetAction(a Action) {
	d.mu.Lock()
	d.action = a
	d.depthPending = false
	if a == ActionStepOver || a == ActionStepOut {
		depth := 0
		if d.followed != nil {
			depth = len(d.followed.CallStack())
		}
		d.depth = depth
		d.depthPending = depth == 0
	}
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Action returns the current stepping policy.
func (d *Debugger) Action() Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.action
}

// Follow switches to c. Every other context is held at its next line until c
// reaches a line, where the debugger stops.
func (d *Debugger) Follow(c *Context) {
	d.mu.Lock()
	d.followed = c
	d.action = ActionMatchThread
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Followed returns the context step commands apply to.
func (d *Debugger) Followed() *Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.followed
}

// Interrupt stops the next context that reaches a line. Safe to call from
// any goroutine.
func (d *Debugger) Interrupt() {
	d.mu.Lock()
	d.action = ActionInterrupt
	d.cond.Broadcast()
	d.mu.Unlock()
}

// IsStopped reports whether a context is currently stopped.
func (d *Debugger) IsStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped != nil
}

// Stopped returns the stopped context, if any.
func (d *Debugger) Stopped() *Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// LastStop returns the most recent stop event.
func (d *Debugger) LastStop() (StopEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return StopEvent{}, false
	}
	return *d.last, true
}

// Stops reports how many times the debugger stopped.
func (d *Debugger) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// Threads lists the contexts seen by the debugger in creation order.
func (d *Debugger) Threads() []ThreadRecord {
	d.mu.Lock()
	out := make([]ThreadRecord, 0, len(d.threads))
	for _, t := range d.threads {
		out = append(out, *t)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Context.seq < out[j].Context.seq })
	return out
}

// LineCallback is the line hook of every context of the attached VM.
func (d *Debugger) LineCallback(c *Context) {
	stack := c.CallStack()
	if len(stack) == 0 {
		return
	}
	top := stack[0]

	d.mu.Lock()
	d.recordThread(c)
	for d.mustWait(c) {
		d.cond.Wait()
	}
	if top.Function != nil {
		d.enterFunction(c, top.Function)
	}
	ev, stop := d.check(c, top, len(stack))
	if !stop {
		d.mu.Unlock()
		return
	}
	d.stopLocked(c, ev)
}

// ExceptionCallback stops on an uncaught exception as if triggered.
func (d *Debugger) ExceptionCallback(c *Context, se *ScriptError) {
	d.mu.Lock()
	d.recordThread(c)
	for d.stopped != nil && d.stopped != c {
		d.cond.Wait()
	}
	fmt.Fprintf(d.output(), "Exception: %s\n", se.Message)
	if se.Trace != "" {
		fmt.Fprintf(d.output(), "Call stack:\n%s", se.Trace)
	}
	ev := StopEvent{
		Reason:    StopException,
		Context:   c,
		File:      se.Section,
		Line:      se.Line,
		Function:  se.Function,
		Exception: se,
	}
	d.stopLocked(c, ev)
}

func (d *Debugger) mustWait(c *Context) bool {
	if d.stopped != nil && d.stopped != c {
		return true
	}
	return d.action == ActionMatchThread && d.followed != nil && d.followed != c
}

func (d *Debugger) recordThread(c *Context) {
	rec, ok := d.threads[c.ID]
	if !ok {
		rec = &ThreadRecord{Context: c}
		d.threads[c.ID] = rec
	}
	rec.ThreadID = goid.Get()
	rec.LastSeen = time.Now()
}

// enterFunction resolves pending breakpoints the first time c runs a line of
// fn after running another function.
func (d *Debugger) enterFunction(c *Context, fn engine.Function) {
	if d.lastFunction[c.ID] == fn {
		return
	}
	d.lastFunction[c.ID] = fn

	for _, bp := range d.breakpoints {
		if bp.FunctionPending && bp.Function == fn.Name() {
			bp.FunctionPending = false
			bp.File = fn.Section()
			bp.Line = fn.DeclaredLine()
			bp.NeedsAdjusting = true
			fmt.Fprintf(d.output(), "Breakpoint %d: function %s resolved to %s:%d\n",
				bp.ID, bp.Function, displayPath(bp.File), bp.Line)
		}
		if !bp.NeedsAdjusting || !samePath(bp.File, fn.Section()) {
			continue
		}
		next := fn.NextLineWithCode(bp.Line)
		if next == 0 {
			continue
		}
		if next != bp.Line {
			fmt.Fprintf(d.output(), "Breakpoint %d: no code at line %d, moved to line %d\n", bp.ID, bp.Line, next)
			bp.Line = next
		}
		bp.NeedsAdjusting = false
	}
}

func (d *Debugger) check(c *Context, top engine.Frame, depth int) (StopEvent, bool) {
	ev := StopEvent{Context: c, File: top.Section, Line: top.Line}
	if top.Function != nil {
		ev.Function = top.Function.Name()
	}
	mine := d.followed == nil || d.followed == c

	if d.depthPending && mine && (d.action == ActionStepOver || d.action == ActionStepOut) {
		d.depthPending = false
		d.depth = depth
		d.followed = c
	}

	switch d.action {
	case ActionInterrupt:
		d.action = ActionTrigger
		ev.Reason = StopInterrupt
		fmt.Fprintf(d.output(), "Interrupted.\n")
		return ev, true
	case ActionTrigger:
		ev.Reason = StopTrigger
		return ev, true
	case ActionMatchThread:
		if d.followed == c {
			ev.Reason = StopThread
			return ev, true
		}
	case ActionStepInto:
		if mine {
			ev.Reason = StopStep
			return ev, true
		}
	case ActionStepOver:
		if mine && depth <= d.depth {
			ev.Reason = StopStep
			return ev, true
		}
	case ActionStepOut:
		if mine && depth < d.depth {
			ev.Reason = StopStep
			return ev, true
		}
	}

	if bp := d.breakPointAt(top.Section, top.Line); bp != nil {
		cp := *bp
		ev.Reason = StopBreakPoint
		ev.BreakPoint = &cp
		return ev, true
	}
	return ev, false
}

func (d *Debugger) breakPointAt(file string, line int) *BreakPoint {
	for _, bp := range d.breakpoints {
		if bp.FunctionPending || bp.Line != line {
			continue
		}
		if samePath(bp.File, file) {
			return bp
		}
	}
	return nil
}

// stopLocked reports ev and blocks in OnStop. Called with d.mu held; returns
// with it released.
func (d *Debugger) stopLocked(c *Context, ev StopEvent) {
	d.stopped = c
	d.followed = c
	d.stops++
	d.last = &ev
	onStop := d.OnStop
	d.printStop(ev)
	d.mu.Unlock()

	if onStop != nil {
		onStop(d, ev)
	} else {
		d.SetAction(ActionContinue)
	}

	d.mu.Lock()
	d.stopped = nil
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *Debugger) printStop(ev StopEvent) {
	loc := FormatLocation(ev.File, ev.Line)
	switch ev.Reason {
	case StopBreakPoint:
		fmt.Fprintf(d.output(), "Breakpoint %d at %s (%s)\n", ev.BreakPoint.ID, loc, ev.Function)
	case StopException:
		fmt.Fprintf(d.output(), "Stopped on exception at %s (%s)\n", loc, ev.Function)
	default:
		fmt.Fprintf(d.output(), "Stopped at %s (%s) [%s]\n", loc, ev.Function, ev.Reason)
	}
}

func (d *Debugger) output() io.Writer {
	if d.Output == nil {
		return io.Discard
	}
	return d.Output
}

// SaveBreakPoints writes all breakpoints to s under session.
func (d *Debugger) SaveBreakPoints(s BreakPointStore, session string) error {
	return s.SaveBreakPoints(session, d.BreakPoints())
}

// LoadBreakPoints replaces the breakpoints with those saved under session.
// Function breakpoints become pending again and line breakpoints are
// re-adjusted on the next function entry.
func (d *Debugger) LoadBreakPoints(s BreakPointStore, session string) (int, error) {
	saved, err := s.LoadBreakPoints(session)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakpoints = nil
	for _, bp := range saved {
		n := &BreakPoint{ID: d.nextID, Function: bp.Function}
		d.nextID++
		if bp.Function != "" {
			n.FunctionPending = true
		} else {
			n.File = bp.File
			n.Line = bp.Line
			n.NeedsAdjusting = true
		}
		d.breakpoints = append(d.breakpoints, n)
	}
	for k := range d.lastFunction {
		delete(d.lastFunction, k)
	}
	return len(saved), nil
}

// PrintCallStack prints the call stack of c
func (d *Debugger) PrintCallStack(c *Context) {
	stack := c.CallStack()
	fmt.Fprintf(d.output(), "Call stack:\n")
	for i, f := range stack {
		indent := strings.Repeat("  ", i)
		name := "<unknown>"
		if f.Function != nil {
			name = f.Function.Name()
		}
		fmt.Fprintf(d.output(), "%s%d. %s at %s\n", indent, i+1, name, FormatLocation(f.Section, f.Line))
	}
}

// normalizePath makes paths comparable regardless of how they were written
func normalizePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// samePath compares a breakpoint file with a section. A bare file name
// matches any section with that base name.
func samePath(bpFile, section string) bool {
	if bpFile == section {
		return true
	}
	if !strings.ContainsRune(bpFile, filepath.Separator) && !strings.ContainsRune(bpFile, '/') {
		return filepath.Base(section) == bpFile
	}
	return normalizePath(bpFile) == normalizePath(section)
}

// displayPath prefers a path relative to the working directory
func displayPath(file string) string {
	if wd, err := os.Getwd(); err == nil {
		if abs, err := filepath.Abs(file); err == nil {
			if rel, err := filepath.Rel(wd, abs); err == nil && !strings.HasPrefix(rel, "..") {
				return rel
			}
		}
	}
	return file
}

// FormatLocation formats a file:line location string
func FormatLocation(file string, line int) string {
	if file == "" {
		file = "<script>"
	} else {
		file = displayPath(file)
	}
	if line > 0 {
		return fmt.Sprintf("%s:%d", file, line)
	}
	return file
}
