// Package agent wires a transport, a control handler, and a session state
// machine into a single runner that drives one CLI session end to end.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tacogips/claude-agent-sdk-go/cli"
	"github.com/tacogips/claude-agent-sdk-go/control"
	"github.com/tacogips/claude-agent-sdk-go/logger"
	"github.com/tacogips/claude-agent-sdk-go/mcp"
	"github.com/tacogips/claude-agent-sdk-go/messages"
	"github.com/tacogips/claude-agent-sdk-go/sdkerrors"
	"github.com/tacogips/claude-agent-sdk-go/session"
	"github.com/tacogips/claude-agent-sdk-go/tools"
	"github.com/tacogips/claude-agent-sdk-go/transport"
)

// defaultInterruptTimeout bounds how long Cancel waits for the CLI to
// acknowledge an interrupt before the transport is closed anyway.
const defaultInterruptTimeout = 5 * time.Second

// Options configures a Runner. The zero value starts a fresh session with
// the CLI found on PATH.
type Options struct {
	// CLIPath overrides the CLI binary. Empty means "claude" on PATH.
	CLIPath string

	// SessionID pins the session identifier. Empty generates a UUID.
	SessionID string

	// Resume continues an existing session instead of starting fresh.
	Resume string

	// ForkFrom resumes sessionID's history into a new forked session.
	ForkFrom string

	WorkingDir   string
	Model        string
	SystemPrompt string

	PermissionMode       string
	PermissionPromptTool string

	AllowedTools    []string
	DisallowedTools []string

	MaxTurns     int
	MaxBudgetUSD float64

	IncludePartialMessages bool

	// RequestTimeout bounds each outgoing control request.
	RequestTimeout time.Duration

	// InterruptTimeout bounds Cancel's wait for interrupt acknowledgement.
	InterruptTimeout time.Duration

	// Permission decides can_use_tool requests. Nil auto-approves.
	Permission control.PermissionFunc
}

// Runner owns one CLI session: the subprocess transport, the control
// protocol handler, and the session state machine.
type Runner struct {
	sessionID string
	opts      Options
	log       *slog.Logger

	transport transport.Transport
	handler   *control.Handler
	machine   *session.Machine

	mu         sync.Mutex
	started    bool
	registries map[string]*tools.Registry
	unsubs     []func()
	procDone   chan error

	stopOnce sync.Once
}

// RunnerOption adjusts Runner construction.
type RunnerOption func(*Runner)

// WithTransport substitutes the transport, bypassing subprocess spawning.
func WithTransport(t transport.Transport) RunnerOption {
	return func(r *Runner) { r.transport = t }
}

// New creates a runner. The session ID resolution order is Options.Resume,
// then Options.SessionID, then a fresh UUID.
func New(opts Options, log *slog.Logger, ropts ...RunnerOption) *Runner {
	sessionID := opts.SessionID
	if opts.Resume != "" {
		sessionID = opts.Resume
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if log == nil {
		log = logger.WithSession(sessionID)
	}

	r := &Runner{
		sessionID:  sessionID,
		opts:       opts,
		log:        log.With("component", "agent", "sessionID", sessionID),
		machine:    session.NewMachine(sessionID, log),
		registries: make(map[string]*tools.Registry),
	}
	for _, o := range ropts {
		o(r)
	}
	return r
}

// SessionID returns the resolved session identifier.
func (r *Runner) SessionID() string { return r.sessionID }

// Machine exposes the session state machine for observation and waiting.
func (r *Runner) Machine() *session.Machine { return r.machine }

// Handler exposes the control handler for event subscriptions. Nil before
// Start.
func (r *Runner) Handler() *control.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

// RegisterTools exposes a registry to the CLI as an in-process MCP server.
// Must be called before Start.
func (r *Runner) RegisterTools(serverName string, reg *tools.Registry) error {
	if serverName == "" {
		return fmt.Errorf("server name must not be empty")
	}
	if reg == nil {
		return fmt.Errorf("registry for server %s is nil", serverName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("cannot register tools after start")
	}
	if _, exists := r.registries[serverName]; exists {
		return fmt.Errorf("server already registered: %s", serverName)
	}
	r.registries[serverName] = reg
	return nil
}

// Start connects the transport, starts the read loop, and performs the
// control handshake. The read loop must be running before the handshake or
// the initialize response would never be consumed.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	r.started = true

	if r.transport == nil {
		info, err := cli.Verify(ctx, r.opts.CLIPath, nil)
		if err != nil {
			r.started = false
			r.mu.Unlock()
			return err
		}
		r.log.Debug("cli located", "path", info.Path, "version", info.Version)
		r.transport = transport.NewSubprocess(r.buildTransportOptions(), r.log)
	}
	handlerOpts := []control.Option{control.WithSessionID(r.sessionID)}
	if r.opts.RequestTimeout > 0 {
		handlerOpts = append(handlerOpts, control.WithDefaultTimeout(r.opts.RequestTimeout))
	}
	if r.opts.Permission != nil {
		handlerOpts = append(handlerOpts, control.WithPermissionFunc(r.opts.Permission))
	}
	r.handler = control.NewHandler(r.transport, r.log, handlerOpts...)

	registries := r.registries
	r.mu.Unlock()

	for name, reg := range registries {
		if err := r.handler.RegisterToolRegistry(name, reg); err != nil {
			return err
		}
	}
	r.bridgeEvents()

	if err := r.machine.Transition(session.StateStarting); err != nil {
		return err
	}
	if err := r.transport.Connect(ctx); err != nil {
		r.failSession(err)
		return err
	}

	procDone := make(chan error, 1)
	r.mu.Lock()
	r.procDone = procDone
	r.mu.Unlock()
	go func() {
		procDone <- r.handler.ProcessMessages(context.Background())
	}()

	if err := r.handler.Initialize(ctx); err != nil {
		r.failSession(err)
		r.transport.Close()
		return err
	}
	if err := r.machine.MarkStarted(); err != nil {
		return err
	}

	r.log.Info("session started")
	return nil
}

// buildTransportOptions maps runner options onto subprocess flags. The MCP
// config advertises each registered registry as an SDK-hosted server.
func (r *Runner) buildTransportOptions() transport.Options {
	topts := transport.Options{
		CLIPath:                r.opts.CLIPath,
		SessionID:              r.sessionID,
		Resume:                 r.opts.Resume != "",
		ForkFrom:               r.opts.ForkFrom,
		WorkingDir:             r.opts.WorkingDir,
		Model:                  r.opts.Model,
		PermissionMode:         r.opts.PermissionMode,
		PermissionPromptTool:   r.opts.PermissionPromptTool,
		SystemPrompt:           r.opts.SystemPrompt,
		MaxTurns:               r.opts.MaxTurns,
		MaxBudgetUSD:           r.opts.MaxBudgetUSD,
		AllowedTools:           r.opts.AllowedTools,
		DisallowedTools:        r.opts.DisallowedTools,
		IncludePartialMessages: r.opts.IncludePartialMessages,
	}
	if len(r.registries) > 0 {
		doc := &mcp.ConfigDocument{MCPServers: make(map[string]mcp.ServerConfig, len(r.registries))}
		for name := range r.registries {
			doc.MCPServers[name] = mcp.ServerConfig{Type: "sdk", Name: name}
		}
		topts.MCPConfig = doc
	}
	return topts
}

// bridgeEvents forwards handler events into the state machine. Transition
// failures are logged, not propagated: the stream keeps flowing even when
// the machine refuses a transition.
func (r *Runner) bridgeEvents() {
	unsubs := []func(){
		r.handler.OnMessage(func(msg map[string]any) {
			r.machine.IncrementMessageCount()
		}),
		r.handler.OnToolCall(func(e control.ToolCallEvent) {
			if err := r.machine.StartToolCall(e.ToolUseID, e.ToolName, e.ServerName, e.Arguments); err != nil {
				r.log.Debug("tool call not tracked", "tool", e.ToolName, "error", err)
			}
		}),
		r.handler.OnToolResult(func(e control.ToolResultEvent) {
			if err := r.machine.CompleteToolCall(e.ToolUseID); err != nil {
				r.log.Debug("tool result not tracked", "tool", e.ToolName, "error", err)
			}
		}),
		r.handler.OnResult(func(e control.ResultEvent) {
			if e.Success {
				if err := r.machine.MarkCompleted(); err != nil {
					r.log.Debug("completion not recorded", "error", err)
				}
				return
			}
			reason := e.Result
			if reason == "" {
				reason = "session ended with error"
			}
			if err := r.machine.MarkFailed(errors.New(reason)); err != nil {
				r.log.Debug("failure not recorded", "error", err)
			}
		}),
		r.handler.OnError(func(err error) {
			r.log.Warn("session stream error", "error", err)
		}),
	}

	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsubs...)
	r.mu.Unlock()
}

func (r *Runner) failSession(err error) {
	if markErr := r.machine.MarkFailed(err); markErr != nil {
		r.log.Debug("failure not recorded", "error", markErr)
	}
}

// OnAssistantText subscribes to assistant text: complete blocks for plain
// sessions, incremental deltas when partial messages are enabled. Must be
// called after Start.
func (r *Runner) OnAssistantText(fn func(string)) func() {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return func() {}
	}
	return h.OnMessage(func(raw map[string]any) {
		msg, err := messages.Parse(raw)
		if err != nil {
			return
		}
		if text := msg.Text(); text != "" {
			fn(text)
			return
		}
		if delta := msg.TextDelta(); delta != "" {
			fn(delta)
		}
	})
}

// Send writes one user message into the session's input stream.
func (r *Runner) Send(ctx context.Context, prompt string) error {
	if r.machine.IsTerminal() {
		return &sdkerrors.InvalidStateError{
			Current: string(r.machine.CurrentState()),
			Valid:   []string{string(session.StateRunning)},
		}
	}

	r.mu.Lock()
	tr := r.transport
	r.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("runner not started")
	}

	frame, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
		"session_id": r.sessionID,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize user message: %w", err)
	}
	return tr.Write(ctx, string(frame))
}

// Cancel interrupts the session: it asks the CLI to stop, waits a bounded
// interval for acknowledgement, then closes the transport regardless.
func (r *Runner) Cancel(ctx context.Context) error {
	if r.machine.IsTerminal() {
		return nil
	}

	timeout := r.opts.InterruptTimeout
	if timeout <= 0 {
		timeout = defaultInterruptTimeout
	}

	r.mu.Lock()
	h := r.handler
	tr := r.transport
	r.mu.Unlock()

	if h != nil {
		interruptCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := h.Interrupt(interruptCtx); err != nil {
			r.log.Warn("interrupt not acknowledged", "error", err)
		}
		cancel()
	}

	if tr != nil {
		if err := tr.Close(); err != nil {
			r.log.Warn("transport close failed", "error", err)
		}
	}
	if h != nil {
		h.Cleanup()
	}
	if err := r.machine.Transition(session.StateCancelled); err != nil {
		// The result listener may have already sealed the session
		r.log.Debug("cancel transition skipped", "error", err)
	}
	r.log.Info("session cancelled")
	return nil
}

// Stop tears the runner down. Safe to call multiple times and after Cancel.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.log.Info("stopping runner")

		r.mu.Lock()
		h := r.handler
		tr := r.transport
		unsubs := r.unsubs
		r.unsubs = nil
		procDone := r.procDone
		r.mu.Unlock()

		if tr != nil {
			if err := tr.Close(); err != nil {
				r.log.Warn("transport close failed", "error", err)
			}
		}
		if h != nil {
			h.Cleanup()
		}
		if procDone != nil {
			<-procDone
		}
		for _, unsub := range unsubs {
			unsub()
		}

		if !r.machine.IsTerminal() {
			if err := r.machine.Transition(session.StateCancelled); err != nil {
				r.log.Debug("stop transition skipped", "error", err)
			}
		}
		r.log.Info("runner stopped")
	})
}

// Wait blocks until the session reaches a terminal state or the timeout
// fires. A zero timeout waits indefinitely.
func (r *Runner) Wait(timeout time.Duration) (session.Info, error) {
	return r.machine.WaitForState(timeout,
		session.StateCompleted, session.StateFailed, session.StateCancelled)
}
