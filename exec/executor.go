// Package exec abstracts one-shot command execution so callers can stub
// out external binaries in tests.
package exec

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
)

// CommandExecutor runs external commands. Production code uses
// RealExecutor; tests use MockExecutor.
type CommandExecutor interface {
	// Output runs a command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)

	// Run runs a command and returns stdout and stderr separately.
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// RealExecutor executes commands with os/exec.
type RealExecutor struct{}

// NewRealExecutor returns a RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

func (e *RealExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (e *RealExecutor) Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), err
}

// StubResponse is the canned result for one matched command.
type StubResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// Call records one command invocation for verification.
type Call struct {
	Name string
	Args []string
}

type stubRule struct {
	match    func(name string, args []string) bool
	response StubResponse
}

// MockExecutor returns canned responses for commands, matched in
// registration order. Unmatched commands succeed with empty output.
type MockExecutor struct {
	mu    sync.Mutex
	rules []stubRule
	calls []Call
}

// NewMockExecutor creates an empty MockExecutor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// Stub registers a canned response for an exact command.
func (e *MockExecutor) Stub(name string, args []string, response StubResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, stubRule{
		match: func(n string, a []string) bool {
			if n != name || len(a) != len(args) {
				return false
			}
			for i, arg := range args {
				if a[i] != arg {
					return false
				}
			}
			return true
		},
		response: response,
	})
}

// Calls returns the recorded invocations.
func (e *MockExecutor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	calls := make([]Call, len(e.calls))
	copy(calls, e.calls)
	return calls
}

func (e *MockExecutor) respond(name string, args []string) StubResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Call{Name: name, Args: args})
	for _, rule := range e.rules {
		if rule.match(name, args) {
			return rule.response
		}
	}
	return StubResponse{}
}

func (e *MockExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	resp := e.respond(name, args)
	return resp.Stdout, resp.Err
}

func (e *MockExecutor) Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error) {
	resp := e.respond(name, args)
	return resp.Stdout, resp.Stderr, resp.Err
}
