package router

import (
	"errors"
	"fmt"

	"github.com/loopwork/agentloop/subagent"
)

type (
	// UnknownToolError indicates a call named a tool that is not registered.
	// The session recovers it inline by appending an error result to the
	// thread; the turn continues.
	UnknownToolError struct {
		// Name is the unregistered tool name.
		Name string
	}

	// InvalidArgumentsError indicates a call's arguments failed schema
	// validation. Recovered inline like UnknownToolError; the call never
	// reaches a handler.
	InvalidArgumentsError struct {
		// Name is the tool whose schema rejected the arguments.
		Name string
		// Cause carries the validator's detail.
		Cause error
	}

	// UseLimitError indicates a tool exceeded its per-session use cap.
	// Recovered inline like the other parse-stage errors.
	UseLimitError struct {
		// Name is the capped tool.
		Name string
		// Limit is the configured maximum.
		Limit int
	}

	// HandlerFailureError wraps an exception thrown inside a tool handler
	// that no failure hook recovered. It propagates out of ProcessToolCalls
	// and aborts the remaining batch.
	HandlerFailureError struct {
		// Name is the failing tool.
		Name string
		// Cause is the handler's error.
		Cause error
	}
)

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Name, e.Cause)
}

// Unwrap exposes the validation detail.
func (e *InvalidArgumentsError) Unwrap() error { return e.Cause }

func (e *UseLimitError) Error() string {
	return fmt.Sprintf("tool %q exceeded its use limit of %d", e.Name, e.Limit)
}

func (e *HandlerFailureError) Error() string {
	return fmt.Sprintf("tool %q handler failed: %v", e.Name, e.Cause)
}

// Unwrap exposes the original handler error.
func (e *HandlerFailureError) Unwrap() error { return e.Cause }

// IsParseError reports whether err belongs to the parse-stage taxonomy that
// the session recovers inline instead of aborting the turn.
func IsParseError(err error) bool {
	var unknown *UnknownToolError
	var invalid *InvalidArgumentsError
	var limit *UseLimitError
	return errors.As(err, &unknown) || errors.As(err, &invalid) || errors.As(err, &limit)
}

// isHardFailure reports whether err indicates a configuration or contract
// bug that must never be recovered by failure hooks.
func isHardFailure(err error) bool {
	var mismatch *subagent.SchemaMismatchError
	return errors.Is(err, subagent.ErrNotConfigured) || errors.As(err, &mismatch)
}
