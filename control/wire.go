// Package control implements the SDK side of the CLI control protocol:
// request/response correlation over a transport, dispatch of CLI-initiated
// control requests, and routing of embedded MCP traffic to tool registries.
package control

import (
	"github.com/tacogips/claude-agent-sdk-go/mcp"
)

// Stream message types.
const (
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
	MessageTypeResult          = "result"
)

// Control request subtypes the SDK sends to the CLI.
const (
	SubtypeInitialize        = "initialize"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
	SubtypeSetModel          = "set_model"
)

// Control request subtypes the CLI sends to the SDK.
const (
	SubtypeMCPMessage   = "mcp_message"
	SubtypeCanUseTool   = "can_use_tool"
	SubtypeHookCallback = "hook_callback"
)

// Control response subtypes.
const (
	ResponseSuccess = "success"
	ResponseError   = "error"
)

// ControlRequest is the envelope for both directions of control requests.
type ControlRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"`
}

// ControlResponse is the envelope for control responses.
type ControlResponse struct {
	Type     string       `json:"type"`
	Response ResponseBody `json:"response"`
}

// ResponseBody is the inner body of a control response. Response is set on
// success, Error on error.
type ResponseBody struct {
	Subtype   string         `json:"subtype"`
	RequestID string         `json:"request_id"`
	Response  map[string]any `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ToolCallEvent fires before a tool handler is invoked.
type ToolCallEvent struct {
	ToolUseID  string
	ToolName   string
	ServerName string
	Arguments  map[string]any
}

// ToolResultEvent fires after a tool handler returns or fails.
type ToolResultEvent struct {
	ToolUseID  string
	ToolName   string
	ServerName string
	Result     mcp.ToolCallResult
}

// ResultEvent fires when the CLI reports the session outcome.
type ResultEvent struct {
	Success bool
	Result  string
	Raw     map[string]any
}
