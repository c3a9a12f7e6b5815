// Package sdkerrors defines the typed errors shared across the SDK.
//
// Each error category carries enough context for a caller to decide between
// surfacing, retrying, or tearing the session down. All types support
// errors.As, and wrapping types support errors.Unwrap.
package sdkerrors

import (
	"fmt"
	"strings"
	"time"
)

// CLINotFoundError indicates the CLI binary could not be located or executed.
type CLINotFoundError struct {
	Path string
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("Claude Code CLI not found at %s", e.Path)
}

// ConnectionError indicates the subprocess could not be spawned or its stdio
// pipes broke while the session was live.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("CLI connection error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("CLI connection error: %s", e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolExecutionError indicates a registered tool handler failed.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ProtocolError indicates a control-protocol failure: an error response from
// the CLI, an invalid inbound frame, or a request orphaned by cleanup.
type ProtocolError struct {
	RequestID string
	Reason    string
}

func (e *ProtocolError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("control protocol error (request %s): %s", e.RequestID, e.Reason)
	}
	return fmt.Sprintf("control protocol error: %s", e.Reason)
}

// TimeoutError indicates a bounded wait expired. The message format is part of
// the public contract and is matched by callers' tests.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Operation '%s' timed out after %dms", e.Operation, e.Timeout.Milliseconds())
}

// InvalidStateError indicates a session state transition outside the legal
// transition table. Valid lists the states reachable from Current.
type InvalidStateError struct {
	Current string
	Valid   []string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("Invalid state: %s. Expected one of: %s", e.Current, strings.Join(e.Valid, ", "))
}
