package exec

import (
	"context"
	"errors"
	"runtime"
	"testing"
)

func TestMockExecutorStubMatching(t *testing.T) {
	mock := NewMockExecutor()
	mock.Stub("claude", []string{"--version"}, StubResponse{Stdout: []byte("2.1.0\n")})
	mock.Stub("claude", []string{"--help"}, StubResponse{Err: errors.New("boom")})

	out, err := mock.Output(context.Background(), "claude", "--version")
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if string(out) != "2.1.0\n" {
		t.Errorf("Output() = %q, want stubbed stdout", out)
	}

	if _, err := mock.Output(context.Background(), "claude", "--help"); err == nil {
		t.Error("Output() error = nil, want stubbed error")
	}

	// Unmatched commands succeed with empty output
	out, err = mock.Output(context.Background(), "git", "status")
	if err != nil || len(out) != 0 {
		t.Errorf("unmatched Output() = %q, %v, want empty success", out, err)
	}
}

func TestMockExecutorRecordsCalls(t *testing.T) {
	mock := NewMockExecutor()
	mock.Output(context.Background(), "claude", "--version")
	mock.Run(context.Background(), "claude", "--print", "hi")

	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("Calls() length = %d, want 2", len(calls))
	}
	if calls[0].Name != "claude" || calls[0].Args[0] != "--version" {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if calls[1].Args[1] != "hi" {
		t.Errorf("calls[1] = %+v", calls[1])
	}
}

func TestRealExecutorRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test relies on POSIX sh")
	}
	real := NewRealExecutor()

	stdout, stderr, err := real.Run(context.Background(), "sh", "-c", "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(stdout) != "out\n" {
		t.Errorf("stdout = %q, want %q", stdout, "out\n")
	}
	if string(stderr) != "err\n" {
		t.Errorf("stderr = %q, want %q", stderr, "err\n")
	}
}
