// Package engine declares the contract between the execution layer and the
// embedded script engine.
//
// The execution layer never looks inside the engine's dispatch loop. It only
// prepares a function on a context, executes it, and reacts to the state the
// engine reports back (finished, suspended, aborted or exception). Line and
// exception hooks are the only points where the engine calls back into the
// layer, and they always run on the goroutine that is executing the script.
package engine

import "fmt"

// ExecState is the outcome of one Execute call.
type ExecState int

const (
	// ExecFinished means the prepared function returned.
	ExecFinished ExecState = iota
	// ExecSuspended means the function parked itself in Suspend and can be resumed.
	ExecSuspended
	// ExecAborted means the call was cancelled with Abort.
	ExecAborted
	// ExecException means the call ended with an uncaught exception.
	ExecException
)

func (s ExecState) String() string {
	switch s {
	case ExecFinished:
		return "finished"
	case ExecSuspended:
		return "suspended"
	case ExecAborted:
		return "aborted"
	case ExecException:
		return "exception"
	}
	return fmt.Sprintf("ExecState(%d)", int(s))
}

// Function is an opaque handle to a callable unit inside a compiled module.
type Function interface {
	// Name returns the declared name of the function.
	Name() string
	// Section returns the source section (file) the function was compiled from.
	Section() string
	// DeclaredLine returns the line of the function declaration.
	DeclaredLine() int
	// NextLineWithCode returns the first line >= line that holds executable
	// code inside this function, or 0 if line lies outside the function.
	NextLineWithCode(line int) int
}

// Frame describes one entry of a context's call stack.
type Frame struct {
	Function Function
	Section  string
	Line     int
}

// Exception describes a script fault observed by the engine.
type Exception struct {
	Message  string
	Function Function
	Section  string
	Line     int
	// Stack is the call stack at the point the exception was raised,
	// innermost frame first.
	Stack []Frame
}

func (e *Exception) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("%s:%d: %s", e.Section, e.Line, e.Message)
	}
	return e.Message
}

// LineHook is invoked before every executed line.
type LineHook func(c Context)

// ExceptionHook is invoked when an exception escapes the prepared function.
// The call stack is still intact while the hook runs.
type ExceptionHook func(c Context, exc *Exception)

// Context is one engine-native call stack. Implementations are not safe for
// concurrent use except for Abort, which may be called from any goroutine.
type Context interface {
	// Prepare binds fn as the next call. Fails with ErrContextActive while a
	// call is in flight and with ErrInvalidArg when fn is nil.
	Prepare(fn Function) error
	// Execute starts the prepared call or resumes a suspended one, and blocks
	// until the call finishes, suspends, aborts or raises.
	Execute() (ExecState, error)
	// Suspend parks the running call. Only valid from inside the call.
	Suspend() error
	// Abort cancels the current call.
	Abort() error
	// Unprepare drops a prepared or terminated call and resets the context.
	Unprepare() error

	// PushState saves the progress of the active call so a nested call can be
	// prepared and executed on the same stack. PopState restores it.
	PushState() error
	PopState() error
	// NestedDepth reports how many states are currently pushed.
	NestedDepth() int

	// SetArg binds argument i of the prepared call.
	SetArg(i int, v any) error
	// SetThis binds the receiver object of the prepared call.
	SetThis(v any) error
	// ReturnValue returns the value produced by the last finished call.
	ReturnValue() any

	SetLineHook(h LineHook)
	SetExceptionHook(h ExceptionHook)

	// CallStack returns the live call stack, innermost frame first.
	CallStack() []Frame
	// Exception returns the exception of the last call, if any.
	Exception() *Exception
	// QueueException arranges for an exception to be raised inside a
	// suspended call at the point where it resumes.
	QueueException(message string) error

	SetUserData(v any)
	UserData() any

	// Release frees the native stack. The context must not be used afterwards.
	Release()
}

// Engine creates execution contexts.
type Engine interface {
	Name() string
	NewContext() Context
}
