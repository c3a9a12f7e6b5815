package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tacogips/claude-agent-sdk-go/events"
	"github.com/tacogips/claude-agent-sdk-go/mcp"
	"github.com/tacogips/claude-agent-sdk-go/sdkerrors"
	"github.com/tacogips/claude-agent-sdk-go/tools"
	"github.com/tacogips/claude-agent-sdk-go/transport"
)

// DefaultRequestTimeout bounds an outgoing control request when the caller
// does not supply a timeout.
const DefaultRequestTimeout = 30 * time.Second

const requestIDPrefix = "sdk-req-"

// PermissionFunc decides a can_use_tool request. The returned map is sent
// verbatim as the response payload.
type PermissionFunc func(toolName string, input map[string]any) map[string]any

// pendingRequest is one in-flight outgoing control request. The entry owns
// its timer; whichever path removes the entry from the pending map first
// (response, timeout, write failure, cleanup) is the sole resolver.
type pendingRequest struct {
	id    string
	ch    chan pendingResult
	timer *time.Timer
}

type pendingResult struct {
	response map[string]any
	err      error
}

// Handler correlates control requests with responses over a borrowed
// Transport and dispatches CLI-initiated control traffic. It does not own
// the transport's teardown.
type Handler struct {
	transport      transport.Transport
	sessionID      string
	defaultTimeout time.Duration
	permissionFn   PermissionFunc
	log            *slog.Logger

	// toolCtx spans the handler's lifetime; Cleanup cancels it so
	// in-flight tool handlers can abandon their work.
	toolCtx    context.Context
	toolCancel context.CancelFunc

	mu            sync.Mutex
	registries    map[string]*tools.Registry
	pending       map[string]*pendingRequest
	nextRequestID int
	initialized   bool
	initializing  bool

	messages    *events.Emitter[map[string]any]
	toolCalls   *events.Emitter[ToolCallEvent]
	toolResults *events.Emitter[ToolResultEvent]
	results     *events.Emitter[ResultEvent]
	errs        *events.Emitter[error]
}

// Option configures a Handler.
type Option func(*Handler)

// WithDefaultTimeout overrides the default request timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.defaultTimeout = d
		}
	}
}

// WithSessionID attaches the session ID passed to tool handlers.
func WithSessionID(id string) Option {
	return func(h *Handler) { h.sessionID = id }
}

// WithPermissionFunc lets host code decide can_use_tool requests instead of
// the default auto-approval.
func WithPermissionFunc(fn PermissionFunc) Option {
	return func(h *Handler) { h.permissionFn = fn }
}

// NewHandler creates a handler over the given transport.
func NewHandler(t transport.Transport, log *slog.Logger, opts ...Option) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		transport:      t,
		defaultTimeout: DefaultRequestTimeout,
		log:            log.With("component", "control"),
		registries:     make(map[string]*tools.Registry),
		pending:        make(map[string]*pendingRequest),
		messages:       events.NewEmitter[map[string]any](),
		toolCalls:      events.NewEmitter[ToolCallEvent](),
		toolResults:    events.NewEmitter[ToolResultEvent](),
		results:        events.NewEmitter[ResultEvent](),
		errs:           events.NewEmitter[error](),
	}
	h.toolCtx, h.toolCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnMessage registers a listener for every inbound raw message.
func (h *Handler) OnMessage(fn func(map[string]any)) func() { return h.messages.Subscribe(fn) }

// OnToolCall registers a listener fired before each tool invocation.
func (h *Handler) OnToolCall(fn func(ToolCallEvent)) func() { return h.toolCalls.Subscribe(fn) }

// OnToolResult registers a listener fired after each tool invocation.
func (h *Handler) OnToolResult(fn func(ToolResultEvent)) func() { return h.toolResults.Subscribe(fn) }

// OnResult registers a listener for the CLI's session-outcome message.
func (h *Handler) OnResult(fn func(ResultEvent)) func() { return h.results.Subscribe(fn) }

// OnError registers a listener for ambient dispatch failures.
func (h *Handler) OnError(fn func(error)) func() { return h.errs.Subscribe(fn) }

// RegisterToolRegistry exposes a registry under a server name. Each name
// may be registered once per handler.
func (h *Handler) RegisterToolRegistry(serverName string, reg *tools.Registry) error {
	if serverName == "" {
		return &sdkerrors.ProtocolError{Reason: "server name must not be empty"}
	}
	if reg == nil {
		return &sdkerrors.ProtocolError{Reason: fmt.Sprintf("registry for server %s is nil", serverName)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.registries[serverName]; exists {
		return &sdkerrors.ProtocolError{Reason: fmt.Sprintf("server already registered: %s", serverName)}
	}
	h.registries[serverName] = reg
	h.log.Debug("tool registry registered", "server", serverName, "tools", reg.Len())
	return nil
}

// Initialize performs the initial control handshake with the CLI.
// ProcessMessages must already be running or the response can never be
// observed.
func (h *Handler) Initialize(ctx context.Context) error {
	// Claim the handshake before sending so a concurrent call cannot
	// slip past the same check. A failed attempt releases the claim.
	h.mu.Lock()
	if h.initialized || h.initializing {
		h.mu.Unlock()
		return &sdkerrors.ProtocolError{Reason: "handler already initialized"}
	}
	h.initializing = true
	h.mu.Unlock()

	if _, err := h.SendRequest(ctx, map[string]any{"subtype": SubtypeInitialize}, 0); err != nil {
		h.mu.Lock()
		h.initializing = false
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	h.initialized = true
	h.initializing = false
	h.mu.Unlock()

	h.log.Info("control protocol initialized")
	return nil
}

// Interrupt asks the CLI to interrupt the in-flight turn.
func (h *Handler) Interrupt(ctx context.Context) error {
	_, err := h.SendRequest(ctx, map[string]any{"subtype": SubtypeInterrupt}, 0)
	return err
}

// SetPermissionMode switches the CLI's permission mode mid-session.
func (h *Handler) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := h.SendRequest(ctx, map[string]any{"subtype": SubtypeSetPermissionMode, "mode": mode}, 0)
	return err
}

// SetModel switches the CLI's model mid-session.
func (h *Handler) SetModel(ctx context.Context, model string) error {
	_, err := h.SendRequest(ctx, map[string]any{"subtype": SubtypeSetModel, "model": model}, 0)
	return err
}

// SendRequest sends one control request and blocks until the matching
// response arrives, the timeout fires, ctx is cancelled, or Cleanup runs.
// A timeout <= 0 uses the handler default.
func (h *Handler) SendRequest(ctx context.Context, request map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = h.defaultTimeout
	}
	subtype, _ := request["subtype"].(string)

	h.mu.Lock()
	h.nextRequestID++
	id := fmt.Sprintf("%s%d", requestIDPrefix, h.nextRequestID)
	pr := &pendingRequest{id: id, ch: make(chan pendingResult, 1)}
	pr.timer = time.AfterFunc(timeout, func() {
		if !h.removePending(id, pr) {
			return
		}
		pr.ch <- pendingResult{err: &sdkerrors.TimeoutError{Operation: subtype, Timeout: timeout}}
	})
	h.pending[id] = pr
	h.mu.Unlock()

	frame, err := json.Marshal(ControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: id,
		Request:   request,
	})
	if err != nil {
		h.discardPending(id, pr)
		return nil, &sdkerrors.ProtocolError{RequestID: id, Reason: fmt.Sprintf("failed to serialize request: %v", err)}
	}

	h.log.Debug("sending control request", "requestID", id, "subtype", subtype)
	if err := h.transport.Write(ctx, string(frame)); err != nil {
		h.discardPending(id, pr)
		return nil, &sdkerrors.ProtocolError{RequestID: id, Reason: fmt.Sprintf("failed to send request: %v", err)}
	}

	select {
	case res := <-pr.ch:
		return res.response, res.err
	case <-ctx.Done():
		h.discardPending(id, pr)
		return nil, ctx.Err()
	}
}

// removePending removes the entry iff pr still owns it. The caller that
// wins the removal is the sole resolver of pr.ch.
func (h *Handler) removePending(id string, pr *pendingRequest) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.pending[id]; !ok || cur != pr {
		return false
	}
	delete(h.pending, id)
	return true
}

// discardPending removes the entry and cancels its timer without resolving.
func (h *Handler) discardPending(id string, pr *pendingRequest) {
	if h.removePending(id, pr) {
		pr.timer.Stop()
	}
}

// PendingCount returns the number of in-flight outgoing requests.
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// HandleIncomingMessage dispatches one inbound message. It never panics or
// returns an error: dispatch failures are logged and re-emitted on the
// error event.
func (h *Handler) HandleIncomingMessage(msg map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during message dispatch: %v", r)
			h.log.Error("message dispatch panicked", "panic", r)
			h.errs.Emit(err)
		}
	}()

	// Raw observability hook fires before any classification
	h.messages.Emit(msg)

	msgType, _ := msg["type"].(string)
	switch msgType {
	case MessageTypeControlResponse:
		h.handleControlResponse(msg)
	case MessageTypeControlRequest:
		h.handleControlRequest(msg)
	case MessageTypeResult:
		subtype, _ := msg["subtype"].(string)
		isErr, _ := msg["is_error"].(bool)
		result, _ := msg["result"].(string)
		h.results.Emit(ResultEvent{
			Success: subtype == "success" && !isErr,
			Result:  result,
			Raw:     msg,
		})
	case "user", "assistant", "system", "stream_event":
		// Pass-through traffic, surfaced via the message event only
	default:
		h.log.Warn("unrecognized message shape", "type", msgType)
	}
}

func (h *Handler) handleControlResponse(msg map[string]any) {
	body, ok := msg["response"].(map[string]any)
	if !ok {
		h.log.Warn("control response missing body")
		return
	}
	requestID, _ := body["request_id"].(string)

	h.mu.Lock()
	pr, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	h.mu.Unlock()

	if !ok {
		// The ID may have been cleared by a timeout already
		h.log.Debug("dropping response for unknown request", "requestID", requestID)
		return
	}
	pr.timer.Stop()

	subtype, _ := body["subtype"].(string)
	if subtype == ResponseError {
		errText, _ := body["error"].(string)
		pr.ch <- pendingResult{err: &sdkerrors.ProtocolError{RequestID: requestID, Reason: errText}}
		return
	}
	response, _ := body["response"].(map[string]any)
	pr.ch <- pendingResult{response: response}
}

func (h *Handler) handleControlRequest(msg map[string]any) {
	requestID, _ := msg["request_id"].(string)
	req, ok := msg["request"].(map[string]any)
	if !ok {
		h.sendErrorResponse(requestID, "control request missing request body")
		return
	}

	subtype, _ := req["subtype"].(string)
	switch subtype {
	case SubtypeMCPMessage:
		serverName, _ := req["server_name"].(string)
		resp, err := h.handleMCPMessage(serverName, req["message"])
		if err != nil {
			h.log.Warn("mcp message rejected", "requestID", requestID, "error", err)
			h.sendErrorResponse(requestID, err.Error())
			return
		}
		h.sendSuccessResponse(requestID, map[string]any{"mcp_response": resp})

	case SubtypeCanUseTool:
		toolName, _ := req["tool_name"].(string)
		input, _ := req["input"].(map[string]any)
		payload := map[string]any{"allowed": true}
		if h.permissionFn != nil {
			payload = h.permissionFn(toolName, input)
		}
		h.sendSuccessResponse(requestID, payload)

	case SubtypeHookCallback:
		h.sendSuccessResponse(requestID, map[string]any{})

	default:
		h.log.Warn("unsupported control request subtype", "subtype", subtype, "requestID", requestID)
		h.sendErrorResponse(requestID, fmt.Sprintf("unsupported control request subtype: %s", subtype))
	}
}

// handleMCPMessage routes one embedded JSON-RPC message to the named
// registry. The returned error means the message was not JSON-RPC shaped;
// everything else is expressed inside the JSON-RPC response.
func (h *Handler) handleMCPMessage(serverName string, message any) (mcp.JSONRPCResponse, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return mcp.JSONRPCResponse{}, &sdkerrors.ProtocolError{Reason: fmt.Sprintf("invalid mcp message: %v", err)}
	}
	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return mcp.JSONRPCResponse{}, &sdkerrors.ProtocolError{Reason: fmt.Sprintf("invalid mcp message: %v", err)}
	}
	if req.JSONRPC != mcp.Version {
		return mcp.JSONRPCResponse{}, &sdkerrors.ProtocolError{Reason: fmt.Sprintf("invalid mcp message: jsonrpc version %q", req.JSONRPC)}
	}

	h.mu.Lock()
	reg, regOK := h.registries[serverName]
	h.mu.Unlock()

	switch req.Method {
	case "tools/list":
		if !regOK {
			return mcp.NewError(req.ID, mcp.CodeServerNotFound, "Server not found: "+serverName), nil
		}
		return mcp.NewResult(req.ID, mcp.ToolsListResult{Tools: reg.List()}), nil

	case "tools/call":
		if !regOK {
			return mcp.NewError(req.ID, mcp.CodeServerNotFound, "Server not found: "+serverName), nil
		}
		return h.handleToolCall(req, serverName, reg), nil

	default:
		return mcp.NewError(req.ID, mcp.CodeMethodNotFound, "Method not found: "+req.Method), nil
	}
}

func (h *Handler) handleToolCall(req mcp.JSONRPCRequest, serverName string, reg *tools.Registry) mcp.JSONRPCResponse {
	var params map[string]any
	if len(req.Params) == 0 {
		return mcp.NewError(req.ID, mcp.CodeInvalidParams, "Invalid params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params == nil {
		return mcp.NewError(req.ID, mcp.CodeInvalidParams, "Invalid params")
	}

	name, ok := params["name"].(string)
	if !ok || name == "" {
		return mcp.NewError(req.ID, mcp.CodeInvalidParams, "Missing or invalid tool name")
	}
	args, ok := params["arguments"].(map[string]any)
	if !ok {
		return mcp.NewError(req.ID, mcp.CodeInvalidParams, "Invalid tool arguments")
	}

	toolUseID := fmt.Sprintf("%v", req.ID)
	h.toolCalls.Emit(ToolCallEvent{
		ToolUseID:  toolUseID,
		ToolName:   name,
		ServerName: serverName,
		Arguments:  args,
	})

	tc := tools.ToolContext{ToolUseID: toolUseID, SessionID: h.sessionID}
	result, err := reg.Call(h.toolCtx, name, args, tc)
	if err != nil {
		// Tool failures are successful protocol exchanges carrying an
		// error payload, not JSON-RPC errors.
		h.log.Warn("tool call failed", "tool", name, "server", serverName, "error", err)
		result = mcp.ErrorResult(err.Error())
	}

	h.toolResults.Emit(ToolResultEvent{
		ToolUseID:  toolUseID,
		ToolName:   name,
		ServerName: serverName,
		Result:     result,
	})
	return mcp.NewResult(req.ID, result)
}

func (h *Handler) sendSuccessResponse(requestID string, payload map[string]any) {
	h.sendResponse(ResponseBody{
		Subtype:   ResponseSuccess,
		RequestID: requestID,
		Response:  payload,
	})
}

func (h *Handler) sendErrorResponse(requestID, errText string) {
	h.sendResponse(ResponseBody{
		Subtype:   ResponseError,
		RequestID: requestID,
		Error:     errText,
	})
}

func (h *Handler) sendResponse(body ResponseBody) {
	frame, err := json.Marshal(ControlResponse{Type: MessageTypeControlResponse, Response: body})
	if err != nil {
		h.log.Error("failed to serialize control response", "error", err)
		h.errs.Emit(err)
		return
	}
	if err := h.transport.Write(context.Background(), string(frame)); err != nil {
		h.log.Error("failed to send control response", "requestID", body.RequestID, "error", err)
		h.errs.Emit(err)
	}
}

// ProcessMessages drives the read loop: every message the transport yields
// is dispatched sequentially. A clean stream end returns nil; a stream
// error is logged, emitted, and returned.
func (h *Handler) ProcessMessages(ctx context.Context) error {
	for msg, err := range h.transport.ReadMessages(ctx) {
		if err != nil {
			h.log.Error("message stream failed", "error", err)
			h.errs.Emit(err)
			return err
		}
		h.HandleIncomingMessage(msg)
	}
	h.log.Debug("message stream ended")
	return nil
}

// Cleanup cancels in-flight tool handlers, rejects all pending requests,
// drops the tool registries, and resets the initialized flag. Safe to call
// multiple times.
func (h *Handler) Cleanup() {
	h.toolCancel()

	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]*pendingRequest)
	h.registries = make(map[string]*tools.Registry)
	h.initialized = false
	h.initializing = false
	h.mu.Unlock()

	for id, pr := range pending {
		pr.timer.Stop()
		pr.ch <- pendingResult{err: &sdkerrors.ProtocolError{RequestID: id, Reason: "handler cleaned up"}}
	}
	if len(pending) > 0 {
		h.log.Debug("rejected pending requests on cleanup", "count", len(pending))
	}
}
