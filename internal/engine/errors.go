package engine

import "errors"

// Error taxonomy shared by engine implementations and the execution layer.
var (
	// ErrContextActive is returned when a busy context is asked to prepare a
	// new call that cannot be nested.
	ErrContextActive = errors.New("context is active")

	// ErrContextNotPrepared is returned when a context is executed or suspended
	// without a prepared call, and used to resolve tasks dropped at teardown.
	ErrContextNotPrepared = errors.New("context not prepared")

	// ErrInvalidArg is returned for a missing function handle or callback.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrAborted reports an explicit cancellation.
	ErrAborted = errors.New("execution aborted")

	// ErrUncaughtException reports a script fault that no script-level handler caught.
	ErrUncaughtException = errors.New("uncaught exception")

	// ErrNestedSuspend is returned when a nested call tries to suspend.
	ErrNestedSuspend = errors.New("nested call cannot suspend")
)
