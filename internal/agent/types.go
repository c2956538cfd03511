// Package agent implements the orchestration core: the reasoning/acting loop
// that drives a conversation turn, and the tool registry it dispatches through.
//
// The loop operates as a state machine per turn:
//
//	append user message -> propose -> (final answer | tool calls)
//	tool calls -> validate -> dispatch -> record observations -> propose again
//
// Irreversible actions (sending email) are not gated here; the send tool
// itself fails closed unless the draft cache holds a confirmed payload.
package agent

import (
	"context"
	"encoding/json"

	"github.com/fieldline/courier/pkg/models"
)

// ReasoningEngine is the black-box language reasoning backend.
//
// Implementations must be safe for concurrent use; the loop may run turns for
// different conversations in parallel.
type ReasoningEngine interface {
	// Propose sends the conversation history and available tool specs and
	// returns either a final answer or an ordered set of tool calls.
	Propose(ctx context.Context, req *ProposeRequest) (*Proposal, error)

	// Name returns the engine name for logging and metrics.
	Name() string
}

// ProposeRequest carries everything the engine needs to decide the next step.
type ProposeRequest struct {
	// System is the system prompt establishing agent behavior.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools lists the specs of tools the engine may call.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens limits the response length. Zero means engine default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Proposal is the engine's decision for one loop iteration: either a final
// natural-language answer, or one ordered set of tool calls to execute next.
// When ToolCalls is non-empty, Answer holds any accompanying assistant text.
type Proposal struct {
	Answer    string            `json:"answer,omitempty"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec describes a registered tool to the reasoning engine.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// SideEffectClass declares a tool's externally visible effect.
type SideEffectClass string

const (
	// ClassReadOnly tools observe external state and are safely retryable.
	ClassReadOnly SideEffectClass = "read-only"

	// ClassStaging tools mutate only internal state (drafts, queue entries,
	// index entries) that a later step can overwrite or cancel.
	ClassStaging SideEffectClass = "staging"

	// ClassIrreversible tools have externally visible, non-undoable effects.
	// The registry never retries them.
	ClassIrreversible SideEffectClass = "irreversible"
)

// Handler is an executable tool.
//
// Schema returns a JSON Schema for the argument mapping; the registry compiles
// it at registration and validates every dispatch against it, so Execute can
// assume well-formed args.
type Handler interface {
	// Name returns the tool name used in engine tool calls.
	Name() string

	// Description tells the engine what the tool does and when to use it.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Class declares the tool's side-effect class.
	Class() SideEffectClass

	// Execute runs the tool. Expected failures are reported through the
	// observation (IsError); a returned error is converted by the registry
	// into a typed tool-error observation, never propagated to the caller.
	Execute(ctx context.Context, args json.RawMessage) (*Observation, error)
}

// IdempotencyKeyer is implemented by irreversible handlers. The derived key is
// stored with scheduled actions so a redelivered dispatch can be detected as a
// duplicate by the underlying provider.
type IdempotencyKeyer interface {
	IdempotencyKey(args json.RawMessage) string
}

// Observation is a tool execution result before it is recorded into the
// transcript as a models.ToolResult.
type Observation struct {
	// Content is the observation payload.
	Content string `json:"content"`

	// IsError marks the observation as an error descriptor.
	IsError bool `json:"is_error,omitempty"`

	// Kind categorizes the error when IsError is set.
	Kind string `json:"kind,omitempty"`
}
