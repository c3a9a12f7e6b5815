package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tacogips/claude-agent-sdk-go/mcp"
	"github.com/tacogips/claude-agent-sdk-go/sdkerrors"
)

// closeGracePeriod is how long Close waits for the CLI to exit after the
// graceful signal before force-killing it.
const closeGracePeriod = 5 * time.Second

// Options configures the CLI subprocess.
type Options struct {
	// CLIPath is the binary to execute. Defaults to "claude" on PATH.
	CLIPath string

	// SessionID identifies the session. Required.
	SessionID string

	// Resume resumes SessionID instead of starting fresh.
	Resume bool

	// ForkFrom resumes the given parent session and forks it under
	// SessionID, inheriting the parent's conversation history.
	ForkFrom string

	WorkingDir string
	Env        []string

	Model          string
	PermissionMode string
	SystemPrompt   string
	MaxTurns       int
	MaxBudgetUSD   float64

	AllowedTools    []string
	DisallowedTools []string

	// MCPConfig is serialized into --mcp-config when set.
	MCPConfig *mcp.ConfigDocument

	// PermissionPromptTool routes permission prompts through the named
	// MCP tool instead of the terminal.
	PermissionPromptTool string

	// IncludePartialMessages requests stream_event chunks.
	IncludePartialMessages bool
}

// BuildCommandArgs builds the CLI argument list for the given options.
// Exported for testing argument construction without spawning a process.
func BuildCommandArgs(opts Options) ([]string, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	switch {
	case opts.ForkFrom != "":
		// Pass --session-id so the CLI keeps our UUID for the fork,
		// otherwise it generates its own and the session cannot be
		// resumed later.
		args = append(args, "--resume", opts.ForkFrom, "--fork-session", "--session-id", opts.SessionID)
	case opts.Resume:
		args = append(args, "--resume", opts.SessionID)
	default:
		args = append(args, "--session-id", opts.SessionID)
	}

	if opts.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(opts.MaxBudgetUSD, 'f', -1, 64))
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}

	if opts.MCPConfig != nil {
		cfg, err := json.Marshal(opts.MCPConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize MCP config: %w", err)
		}
		args = append(args, "--mcp-config", string(cfg))
	}
	if opts.PermissionPromptTool != "" {
		args = append(args, "--permission-prompt-tool", opts.PermissionPromptTool)
	}

	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	for _, tool := range opts.DisallowedTools {
		args = append(args, "--disallowedTools", tool)
	}

	return args, nil
}

// Subprocess runs the CLI as a child process and frames messages over its
// stdio pipes.
type Subprocess struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	connected bool
	closed    bool

	// waitDone is closed by monitorExit when cmd.Wait() returns.
	// Close selects on it instead of calling cmd.Wait() a second time.
	waitDone chan struct{}

	stderrMu      sync.Mutex
	stderrContent strings.Builder

	wg sync.WaitGroup
}

// NewSubprocess creates a subprocess transport. Connect must be called
// before Write or ReadMessages.
func NewSubprocess(opts Options, log *slog.Logger) *Subprocess {
	if opts.CLIPath == "" {
		opts.CLIPath = "claude"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Subprocess{
		opts: opts,
		log:  log.With("component", "transport"),
	}
}

// Connect spawns the CLI process and wires up its stdio pipes.
func (s *Subprocess) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &sdkerrors.ConnectionError{Reason: "transport is closed"}
	}
	if s.connected {
		return &sdkerrors.ConnectionError{Reason: "transport is already connected"}
	}

	args, err := BuildCommandArgs(s.opts)
	if err != nil {
		return err
	}

	s.log.Debug("starting process", "command", s.opts.CLIPath+" "+strings.Join(args, " "))
	startTime := time.Now()

	cmd := exec.Command(s.opts.CLIPath, args...)
	cmd.Dir = s.opts.WorkingDir
	if len(s.opts.Env) > 0 {
		cmd.Env = s.opts.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &sdkerrors.ConnectionError{Reason: "failed to get stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &sdkerrors.ConnectionError{Reason: "failed to get stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &sdkerrors.ConnectionError{Reason: "failed to get stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		if errors.Is(err, exec.ErrNotFound) {
			s.log.Error("CLI binary not found", "path", s.opts.CLIPath)
			return &sdkerrors.CLINotFoundError{Path: s.opts.CLIPath}
		}
		s.log.Error("failed to start process", "error", err)
		return &sdkerrors.ConnectionError{Reason: "failed to start process", Err: err}
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = bufio.NewReader(stdout)
	s.waitDone = make(chan struct{})
	s.connected = true

	s.log.Info("process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.drainStderr(stderr)
	}()
	go func() {
		defer s.wg.Done()
		s.monitorExit()
	}()

	return nil
}

// Write sends one newline-terminated frame to the CLI's stdin.
// Writes are serialized so frames never interleave.
func (s *Subprocess) Write(ctx context.Context, data string) error {
	s.mu.Lock()
	closed := s.closed
	connected := s.connected
	stdin := s.stdin
	s.mu.Unlock()

	if closed {
		return &sdkerrors.ConnectionError{Reason: "transport is closed"}
	}
	if !connected || stdin == nil {
		return &sdkerrors.ConnectionError{Reason: "transport is not connected"}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(stdin, data+"\n"); err != nil {
		return &sdkerrors.ConnectionError{Reason: "failed to write to process", Err: err}
	}
	return nil
}

// ReadMessages yields parsed stream messages from the CLI's stdout.
func (s *Subprocess) ReadMessages(ctx context.Context) iter.Seq2[map[string]any, error] {
	s.mu.Lock()
	stdout := s.stdout
	s.mu.Unlock()

	if stdout == nil {
		return func(yield func(map[string]any, error) bool) {
			yield(nil, &sdkerrors.ConnectionError{Reason: "transport is not connected"})
		}
	}
	return func(yield func(map[string]any, error) bool) {
		for msg, err := range decodeStream(ctx, stdout, s.log) {
			if err != nil {
				// Reads racing process teardown fail with pipe
				// errors that carry no signal. Treat them as EOF.
				if s.isClosed() {
					return
				}
				yield(nil, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// EndInput closes stdin, signalling EOF to the CLI.
func (s *Subprocess) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdin == nil {
		return nil
	}
	err := s.stdin.Close()
	s.stdin = nil
	return err
}

// Close terminates the process: graceful signal first, then a force kill
// after closeGracePeriod. Safe to call multiple times.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false

	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}

	cmd := s.cmd
	waitDone := s.waitDone
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil && waitDone != nil {
		s.log.Debug("stopping process", "pid", cmd.Process.Pid)
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.log.Debug("graceful signal failed", "error", err)
		}

		select {
		case <-waitDone:
			s.log.Debug("process exited gracefully")
		case <-time.After(closeGracePeriod):
			s.log.Warn("process did not exit in time, killing")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	s.wg.Wait()

	s.mu.Lock()
	s.cmd = nil
	s.stdout = nil
	s.mu.Unlock()

	return nil
}

// IsConnected reports whether the process is live and writable.
func (s *Subprocess) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

// Stderr returns everything the process has written to stderr so far.
func (s *Subprocess) Stderr() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return s.stderrContent.String()
}

func (s *Subprocess) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// drainStderr captures stderr so a wedged pipe cannot block the process and
// diagnostics survive an unexpected exit.
func (s *Subprocess) drainStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.stderrMu.Lock()
		s.stderrContent.WriteString(line)
		s.stderrContent.WriteString("\n")
		s.stderrMu.Unlock()
		s.log.Debug("stderr", "line", line)
	}
}

// monitorExit is the sole caller of cmd.Wait(). It closes waitDone so Close
// can observe the exit without a second Wait.
func (s *Subprocess) monitorExit() {
	s.mu.Lock()
	cmd := s.cmd
	waitDone := s.waitDone
	s.mu.Unlock()

	if cmd == nil {
		return
	}

	err := cmd.Wait()
	close(waitDone)

	s.mu.Lock()
	s.connected = false
	closed := s.closed
	s.mu.Unlock()

	if err != nil && !closed {
		s.log.Warn("process exited with error", "error", err, "stderr", truncate(s.Stderr(), 500))
		return
	}
	s.log.Debug("process exited", "error", err)
}
