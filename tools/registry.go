// Package tools implements the in-process tool registry exposed to the CLI
// as an SDK MCP server. A registry maps tool names to Go handlers; the
// control handler routes the CLI's JSON-RPC tools/list and tools/call
// traffic to it.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tacogips/claude-agent-sdk-go/mcp"
	"github.com/tacogips/claude-agent-sdk-go/sdkerrors"
)

// ToolContext carries per-invocation identity into a handler.
type ToolContext struct {
	ToolUseID string
	SessionID string
}

// Handler executes one tool invocation. A returned error marks the
// invocation failed without tearing down the session: the control handler
// folds it into an isError result for the CLI.
type Handler func(ctx context.Context, args map[string]any, tc ToolContext) (mcp.ToolCallResult, error)

// Tool pairs a tool's MCP-facing definition with its handler.
type Tool struct {
	Name        string
	Description string
	InputSchema mcp.InputSchema
	Handler     Handler
}

// Registry holds the tools of one named SDK MCP server.
// All methods are safe for concurrent use.
type Registry struct {
	name  string
	mu    sync.RWMutex
	tools map[string]Tool
	log   *slog.Logger
}

// NewRegistry creates an empty registry for the given server name.
func NewRegistry(name string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		name:  name,
		tools: make(map[string]Tool),
		log:   log.With("server", name),
	}
}

// Name returns the server name this registry is exposed under.
func (r *Registry) Name() string {
	return r.name
}

// Register adds a tool. Registering a name twice is rejected so a typo
// cannot silently shadow an earlier tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s is already registered", t.Name)
	}
	r.tools[t.Name] = t

	r.log.Debug("tool registered", "tool", t.Name)
	return nil
}

// List returns the MCP definitions of all registered tools, sorted by name
// for stable tools/list responses.
func (r *Registry) List() []mcp.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]mcp.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, mcp.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Call invokes the named tool. An unknown name or a handler failure is
// returned as a ToolExecutionError; the caller decides how to surface it.
// A handler panic is recovered and reported the same way.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any, tc ToolContext) (result mcp.ToolCallResult, err error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return mcp.ToolCallResult{}, &sdkerrors.ToolExecutionError{
			Tool: name,
			Err:  fmt.Errorf("tool not found in server %s", r.name),
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool handler panicked", "tool", name, "panic", rec)
			err = &sdkerrors.ToolExecutionError{Tool: name, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	res, callErr := t.Handler(ctx, args, tc)
	if callErr != nil {
		return mcp.ToolCallResult{}, &sdkerrors.ToolExecutionError{Tool: name, Err: callErr}
	}
	return res, nil
}
