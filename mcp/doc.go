// Package mcp defines the JSON-RPC 2.0 wire types for the Model Context
// Protocol as it travels over the CLI control channel.
//
// The CLI treats the SDK as a set of in-process MCP servers: each
// registered tool registry is advertised in the --mcp-config document,
// and the CLI routes tools/list and tools/call requests back to the SDK
// wrapped in mcp_message control requests. This package holds the
// request/response envelopes, the tool schema types, and the error codes
// for that traffic; the control package performs the routing.
//
// Tool handler failures are reported as successful JSON-RPC responses
// whose result carries isError, mirroring how real MCP servers report
// tool errors. JSON-RPC error responses are reserved for protocol-level
// faults: unknown servers, unknown methods, malformed parameters.
package mcp
