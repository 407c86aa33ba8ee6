package vm

import (
	"errors"
	"fmt"

	"github.com/funvibe/conductor/internal/engine"
)

// Aliases of the engine taxonomy so callers of this package need a single import.
var (
	ErrContextActive      = engine.ErrContextActive
	ErrContextNotPrepared = engine.ErrContextNotPrepared
	ErrInvalidArg         = engine.ErrInvalidArg
	ErrAborted            = engine.ErrAborted
	ErrUncaughtException  = engine.ErrUncaughtException
	ErrNestedSuspend      = engine.ErrNestedSuspend
)

var (
	// ErrFutureAlreadySet is returned by a second Set on the same future.
	ErrFutureAlreadySet = errors.New("future already set")

	// ErrNotInitialized is returned by VM operations before Init or after Shutdown.
	ErrNotInitialized = errors.New("vm not initialized")

	// ErrUnknownFunction is returned by LookupFunction.
	ErrUnknownFunction = errors.New("unknown function")

	// ErrStalled is returned when a future is awaited but no queued or
	// suspended work is left that could resolve it.
	ErrStalled = errors.New("no pending work can resolve the future")
)

// ScriptError is an uncaught script exception together with its formatted
// call stack.
type ScriptError struct {
	Message  string
	Function string
	Section  string
	Line     int
	Trace    string
}

func (e *ScriptError) Error() string {
	if e.Section == "" {
		return "uncaught exception: " + e.Message
	}
	return fmt.Sprintf("uncaught exception at %s:%d: %s", e.Section, e.Line, e.Message)
}

func (e *ScriptError) Is(target error) bool {
	return target == engine.ErrUncaughtException
}

func newScriptError(exc *engine.Exception, trace string) *ScriptError {
	se := &ScriptError{
		Message: exc.Message,
		Section: exc.Section,
		Line:    exc.Line,
		Trace:   trace,
	}
	if exc.Function != nil {
		se.Function = exc.Function.Name()
	}
	return se
}
