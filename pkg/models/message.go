package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a message authored by the human user.
	RoleUser Role = "user"

	// RoleAssistant is a message authored by the agent.
	RoleAssistant Role = "assistant"

	// RoleTool is a tool-observation message recording dispatch results.
	RoleTool Role = "tool"
)

// Message is a single entry in a conversation transcript.
//
// Transcripts are append-only: the orchestration loop appends the inbound user
// message, any assistant messages (with tool calls), and tool-observation
// messages at turn boundaries. Messages are never mutated after persistence.
type Message struct {
	// ID is the unique message identifier.
	ID string `json:"id"`

	// ConversationID references the owning conversation.
	ConversationID string `json:"conversation_id"`

	// Role indicates who authored the message.
	Role Role `json:"role"`

	// Content is the text content (may be empty for tool-only messages).
	Content string `json:"content,omitempty"`

	// ToolCalls contains tool execution requests made by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults contains observations from executed tool calls.
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// CreatedAt is when the message was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// ToolCall is a single tool execution request proposed by the reasoning engine.
type ToolCall struct {
	// ID uniquely identifies this call within the conversation.
	ID string `json:"id"`

	// Name is the registered tool name.
	Name string `json:"name"`

	// Args is the JSON argument mapping, matching the tool's declared schema.
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the recorded observation of a tool dispatch.
//
// Errors are communicated through IsError and ErrorKind rather than a Go
// error so the reasoning engine can read the failure and adjust its next
// action; a failed dispatch never crashes the turn.
type ToolResult struct {
	// ToolCallID correlates the result with its originating call.
	ToolCallID string `json:"tool_call_id"`

	// Content is the observation payload (text or JSON).
	Content string `json:"content"`

	// IsError marks the observation as an error descriptor.
	IsError bool `json:"is_error,omitempty"`

	// ErrorKind categorizes the failure when IsError is set
	// (validation, timeout, transient, permanent, no_pending_draft,
	// draft_mismatch, draft_expired).
	ErrorKind string `json:"error_kind,omitempty"`
}
