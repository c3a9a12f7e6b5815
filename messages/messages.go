// Package messages provides typed views over the CLI's stream-json
// messages. The transport delivers raw maps; Parse lifts them into
// structs so callers can read assistant text, tool activity, and session
// results without digging through nested maps.
package messages

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type classifies a stream-json message.
type Type string

const (
	TypeSystem      Type = "system"
	TypeAssistant   Type = "assistant"
	TypeUser        Type = "user"
	TypeResult      Type = "result"
	TypeStreamEvent Type = "stream_event"
)

// Message is one parsed stream-json message. Exactly one of the payload
// pointers is set, matching Type.
type Message struct {
	Type            Type   `json:"type"`
	Subtype         string `json:"subtype,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	Assistant *Assistant   `json:"message,omitempty"`
	Result    *Result      `json:"-"`
	Event     *StreamEvent `json:"event,omitempty"`
}

// Assistant is the inner message body of assistant and user messages.
type Assistant struct {
	ID      string         `json:"id,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one element of a message's content array. The CLI emits
// the tool use ID in both snake_case and camelCase depending on the path.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	AltUseID  string          `json:"toolUseId,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// UseID returns the tool use ID regardless of which casing carried it.
func (b ContentBlock) UseID() string {
	if b.ToolUseID != "" {
		return b.ToolUseID
	}
	return b.AltUseID
}

// Result holds the session-outcome fields of a result message.
type Result struct {
	Subtype           string             `json:"subtype"`
	IsError           bool               `json:"is_error,omitempty"`
	Result            string             `json:"result,omitempty"`
	Error             string             `json:"error,omitempty"`
	DurationMs        int                `json:"duration_ms,omitempty"`
	DurationAPIMs     int                `json:"duration_api_ms,omitempty"`
	NumTurns          int                `json:"num_turns,omitempty"`
	TotalCostUSD      float64            `json:"total_cost_usd,omitempty"`
	Usage             *Usage             `json:"usage,omitempty"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`
}

// PermissionDenial records one tool use the session declined.
type PermissionDenial struct {
	Tool        string `json:"tool"`
	Description string `json:"description,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Usage is the token accounting attached to assistant and result messages.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// StreamEvent is the payload of a stream_event message, present when the
// session runs with partial messages enabled.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
}

// Delta is the incremental update inside a content_block_delta event.
type Delta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// ToolUse is one tool invocation extracted from an assistant message.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Parse lifts a raw stream-json message into a typed Message. Messages
// without a type field are rejected.
func Parse(raw map[string]any) (*Message, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("message not serializable: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}

	if msg.Type == TypeResult {
		var res Result
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("failed to parse result message: %w", err)
		}
		msg.Result = &res
		msg.Assistant = nil
	}
	return &msg, nil
}

// Text concatenates the text blocks of an assistant message. Empty for
// every other message type.
func (m *Message) Text() string {
	if m.Type != TypeAssistant || m.Assistant == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range m.Assistant.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// ToolUses extracts the tool invocations of an assistant message.
func (m *Message) ToolUses() []ToolUse {
	if m.Type != TypeAssistant || m.Assistant == nil {
		return nil
	}
	var uses []ToolUse
	for _, block := range m.Assistant.Content {
		if block.Type == "tool_use" {
			uses = append(uses, ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	return uses
}

// TextDelta returns the incremental text carried by a stream event, if
// any.
func (m *Message) TextDelta() string {
	if m.Type != TypeStreamEvent || m.Event == nil || m.Event.Delta == nil {
		return ""
	}
	if m.Event.Delta.Type != "text_delta" {
		return ""
	}
	return m.Event.Delta.Text
}
