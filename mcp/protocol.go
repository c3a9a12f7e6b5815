package mcp

import "encoding/json"

// JSON-RPC 2.0 message types for the MCP protocol

// Version is the JSON-RPC protocol version carried on every message.
const Version = "2.0"

// JSON-RPC error codes used by the SDK's in-process MCP routing.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerNotFound = -32000
)

// JSONRPCRequest represents an incoming JSON-RPC request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents an outgoing JSON-RPC response
type JSONRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewResult builds a successful response for the given request ID.
func NewResult(id any, result any) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response for the given request ID.
func NewError(id any, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: Version, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// MCP protocol specific types

// ToolsListResult for tools/list response
type ToolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ToolDefinition represents a tool available in an MCP server
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema represents the JSON schema for tool input
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property represents a property in the input schema
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ToolCallParams represents parameters for tools/call
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCallResult represents the result of a tool call
type ToolCallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem represents content in a tool result
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextResult builds a plain-text success result.
func TextResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentItem{{Type: "text", Text: text}}}
}

// ErrorResult builds a plain-text failure result. Tool failures travel as
// results with isError set, not as JSON-RPC errors.
func ErrorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentItem{{Type: "text", Text: text}}, IsError: true}
}

// ServerConfig is one entry in the CLI's --mcp-config document. The SDK
// registers in-process servers under the "sdk" type.
type ServerConfig struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ConfigDocument is the document serialized into --mcp-config.
type ConfigDocument struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}
