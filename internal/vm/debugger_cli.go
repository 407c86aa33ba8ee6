package vm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
)

// DefaultPrompt is shown by the debugger read loop.
const DefaultPrompt = "(conductor) "

// DebuggerCLI provides a command-line interface for the debugger
type DebuggerCLI struct {
	debugger *Debugger
	vm       *VM
	input    io.Reader
	output   io.Writer
	reader   lineReader

	store   BreakPointStore
	session string
	history string
	prompt  string
	started time.Time
}

// NewDebuggerCLI creates a new CLI debugger
func NewDebuggerCLI(debugger *Debugger, vm *VM) *DebuggerCLI {
	return &DebuggerCLI{
		debugger: debugger,
		vm:       vm,
		input:    os.Stdin,
		output:   os.Stdout,
		session:  "default",
		prompt:   DefaultPrompt,
		started:  time.Now(),
	}
}

// SetInput sets the input reader
func (cli *DebuggerCLI) SetInput(r io.Reader) {
	cli.input = r
	cli.reader = nil
}

// SetOutput sets the output writer
func (cli *DebuggerCLI) SetOutput(w io.Writer) {
	cli.output = w
}

// SetStore enables the save and load commands.
func (cli *DebuggerCLI) SetStore(s BreakPointStore, session string) {
	cli.store = s
	if session != "" {
		cli.session = session
	}
}

// SetHistoryFile keeps interactive command history in path.
func (cli *DebuggerCLI) SetHistoryFile(path string) {
	cli.history = path
}

// Run hooks the CLI into the debugger and attaches the debugger to the VM.
func (cli *DebuggerCLI) Run() {
	if cli.reader == nil {
		cli.reader = cli.newReader()
	}
	cli.debugger.Output = cli.output
	cli.debugger.OnStop = cli.onStop
	cli.vm.AttachDebugger(cli.debugger)

	fmt.Fprintf(cli.output, "Debugger started. Type 'help' for commands.\n")
}

// Close releases the terminal and writes the command history.
func (cli *DebuggerCLI) Close() error {
	if cli.reader == nil {
		return nil
	}
	return cli.reader.Close()
}

func (cli *DebuggerCLI) newReader() lineReader {
	if f, ok := cli.input.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return newLinerReader(cli.history)
	}
	return &scanReader{scanner: bufio.NewScanner(cli.input), output: cli.output}
}

// onStop is called when the debugger stops
func (cli *DebuggerCLI) onStop(dbg *Debugger, ev StopEvent) {
	fmt.Fprintf(cli.output, "\n")

	for {
		line, err := cli.reader.ReadLine(cli.prompt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintf(cli.output, "\nExiting debugger (EOF).\n")
			} else {
				fmt.Fprintf(cli.output, "\nDebugger error: %v\n", err)
			}
			cli.detach()
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if cli.Execute(ev, line) {
			return
		}
	}
}

// Execute runs one command while stopped at ev. It reports whether the
// command resumes execution.
func (cli *DebuggerCLI) Execute(ev StopEvent, line string) bool {
	dbg := cli.debugger
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "help", "h":
		printHelp(cli.output)
	case "continue", "c":
		dbg.SetAction(ActionContinue)
		return true
	case "step", "s":
		dbg.SetAction(ActionStepInto)
		return true
	case "next", "n", "stepover", "so":
		dbg.SetAction(ActionStepOver)
		return true
	case "finish", "fin", "stepout", "out":
		dbg.SetAction(ActionStepOut)
		return true
	case "break", "b":
		cli.handleBreakpoint(args)
	case "delete", "d":
		cli.handleDeleteBreakpoint(args)
	case "list", "l":
		cli.handleListBreakpoints()
	case "backtrace", "bt":
		if ev.Context != nil {
			dbg.PrintCallStack(ev.Context)
		}
	case "threads":
		cli.handleThreads(ev)
	case "thread", "t":
		return cli.handleThread(ev, args)
	case "info", "i":
		cli.handleInfo(ev)
	case "save":
		cli.handleSave(args)
	case "load":
		cli.handleLoad(args)
	case "quit", "q", "exit":
		fmt.Fprintf(cli.output, "Aborting %s and detaching.\n", ev.Context)
		cli.detach()
		if ev.Context != nil {
			_ = ev.Context.Abort()
		}
		return true
	default:
		fmt.Fprintf(cli.output, "Unknown command: %s. Type 'help' for help.\n", cmd)
	}
	return false
}

func (cli *DebuggerCLI) detach() {
	cli.debugger.SetAction(ActionContinue)
	cli.vm.AttachDebugger(nil)
}

// PrintHelp prints help information (exported for testing)
func (cli *DebuggerCLI) PrintHelp() {
	printHelp(cli.output)
}

// printHelp prints help information
func printHelp(output io.Writer) {
	help := `Debugger commands:
  help, h                      - Show this help
  continue, c                  - Continue execution until next breakpoint
  step, s                      - Step into the next line
  next, n                      - Step over function calls
  finish, stepout              - Step out of the current function
  break, b <file>:<line>       - Set breakpoint at file:line
  break, b <function>          - Set breakpoint on function entry
  delete, d <id>|all           - Delete breakpoints
  list, l                      - List all breakpoints
  backtrace, bt                - Show call stack
  threads                      - List contexts
  thread, t <n>                - Follow context n
  info, i                      - Show debugger and VM statistics
  save [session]               - Save breakpoints
  load [session]               - Load breakpoints
  quit, q, exit                - Abort the current call and detach
`
	fmt.Fprint(output, help)
}

// handleBreakpoint handles breakpoint commands
func (cli *DebuggerCLI) handleBreakpoint(args []string) {
	if len(args) == 0 {
		fmt.Fprintf(cli.output, "Usage: break <file>:<line> | break <function>\n")
		return
	}

	arg := args[0]
	i := strings.LastIndex(arg, ":")
	if i < 0 {
		bp, err := cli.debugger.AddFunctionBreakPoint(arg)
		if err != nil {
			fmt.Fprintf(cli.output, "Error: %v\n", err)
			return
		}
		fmt.Fprintf(cli.output, "Breakpoint %d set on function %s (pending)\n", bp.ID, bp.Function)
		return
	}

	line, err := strconv.Atoi(arg[i+1:])
	if err != nil {
		fmt.Fprintf(cli.output, "Invalid line number: %s\n", arg[i+1:])
		return
	}
	bp, err := cli.debugger.AddBreakPoint(arg[:i], line)
	if err != nil {
		fmt.Fprintf(cli.output, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(cli.output, "Breakpoint %d set at %s\n", bp.ID, FormatLocation(bp.File, bp.Line))
}

// handleDeleteBreakpoint handles delete breakpoint commands
func (cli *DebuggerCLI) handleDeleteBreakpoint(args []string) {
	if len(args) == 0 {
		fmt.Fprintf(cli.output, "Usage: delete <id>|all\n")
		return
	}
	if args[0] == "all" {
		cli.debugger.RemoveAllBreakPoints()
		fmt.Fprintf(cli.output, "All breakpoints removed\n")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(cli.output, "Invalid breakpoint id: %s\n", args[0])
		return
	}
	if err := cli.debugger.RemoveBreakPoint(id); err != nil {
		fmt.Fprintf(cli.output, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(cli.output, "Breakpoint %d removed\n", id)
}

// handleListBreakpoints lists all breakpoints
func (cli *DebuggerCLI) handleListBreakpoints() {
	bps := cli.debugger.BreakPoints()
	if len(bps) == 0 {
		fmt.Fprintf(cli.output, "No breakpoints set.\n")
		return
	}

	fmt.Fprintf(cli.output, "Breakpoints:\n")
	for _, bp := range bps {
		fmt.Fprintf(cli.output, "  %d. %s\n", bp.ID, bp)
	}
}

func (cli *DebuggerCLI) handleThreads(ev StopEvent) {
	threads := cli.debugger.Threads()
	if len(threads) == 0 {
		fmt.Fprintf(cli.output, "No contexts have run yet.\n")
		return
	}
	for _, t := range threads {
		marker := " "
		if t.Context == ev.Context {
			marker = "*"
		}
		fmt.Fprintf(cli.output, "%s %d. %s goroutine %d, seen %s\n",
			marker, t.Context.Seq(), t.Context.State(), t.ThreadID, humanize.Time(t.LastSeen))
	}
}

func (cli *DebuggerCLI) handleThread(ev StopEvent, args []string) bool {
	if len(args) == 0 {
		fmt.Fprintf(cli.output, "Usage: thread <n>\n")
		return false
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(cli.output, "Invalid context number: %s\n", args[0])
		return false
	}
	for _, t := range cli.debugger.Threads() {
		if t.Context.Seq() != n {
			continue
		}
		if t.Context == ev.Context {
			fmt.Fprintf(cli.output, "Already following context %d\n", n)
			return false
		}
		fmt.Fprintf(cli.output, "Switching to context %d\n", n)
		cli.debugger.Follow(t.Context)
		return true
	}
	fmt.Fprintf(cli.output, "No context %d\n", n)
	return false
}

func (cli *DebuggerCLI) handleInfo(ev StopEvent) {
	dbg := cli.debugger
	fmt.Fprintf(cli.output, "Stopped:      %s (%s)\n", FormatLocation(ev.File, ev.Line), ev.Reason)
	fmt.Fprintf(cli.output, "Stops:        %s\n", humanize.Comma(int64(dbg.Stops())))
	fmt.Fprintf(cli.output, "Breakpoints:  %d\n", len(dbg.BreakPoints()))
	fmt.Fprintf(cli.output, "Contexts:     %s live, %d pooled, %d suspended\n",
		humanize.Comma(int64(len(cli.vm.Contexts()))), cli.vm.Pool().Len(), cli.vm.Suspended())
	fmt.Fprintf(cli.output, "Loop queue:   %d\n", cli.vm.Loop().Len())
	fmt.Fprintf(cli.output, "Session:      %s, started %s\n", cli.session, humanize.Time(cli.started))
	if ev.Exception != nil {
		fmt.Fprintf(cli.output, "Exception:    %s\n%s", ev.Exception.Message, ev.Exception.Trace)
	}
}

func (cli *DebuggerCLI) sessionArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cli.session
}

func (cli *DebuggerCLI) handleSave(args []string) {
	if cli.store == nil {
		fmt.Fprintf(cli.output, "No breakpoint store configured.\n")
		return
	}
	session := cli.sessionArg(args)
	if err := cli.debugger.SaveBreakPoints(cli.store, session); err != nil {
		fmt.Fprintf(cli.output, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(cli.output, "Saved %d breakpoints to session %s\n", len(cli.debugger.BreakPoints()), session)
}

func (cli *DebuggerCLI) handleLoad(args []string) {
	if cli.store == nil {
		fmt.Fprintf(cli.output, "No breakpoint store configured.\n")
		return
	}
	session := cli.sessionArg(args)
	n, err := cli.debugger.LoadBreakPoints(cli.store, session)
	if err != nil {
		fmt.Fprintf(cli.output, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(cli.output, "Loaded %d breakpoints from session %s\n", n, session)
}

type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

type scanReader struct {
	scanner *bufio.Scanner
	output  io.Writer
}

func (r *scanReader) ReadLine(prompt string) (string, error) {
	fmt.Fprint(r.output, prompt)
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *scanReader) Close() error { return nil }

type linerReader struct {
	state   *liner.State
	history string
}

func newLinerReader(history string) *linerReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	if history != "" {
		if f, err := os.Open(history); err == nil {
			_, _ = state.ReadHistory(f)
			f.Close()
		}
	}
	return &linerReader{state: state, history: history}
}

func (r *linerReader) ReadLine(prompt string) (string, error) {
	line, err := r.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		r.state.AppendHistory(line)
	}
	return line, nil
}

func (r *linerReader) Close() error {
	if r.history != "" {
		if f, err := os.Create(r.history); err == nil {
			_, _ = r.state.WriteHistory(f)
			f.Close()
		}
	}
	return r.state.Close()
}
