// Package mailbox implements the read and label tools over the mail provider:
// listing, search, thread retrieval, mark-read, and archive.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldline/courier/internal/agent"
	"github.com/fieldline/courier/internal/mail"
)

// GetEmails lists recent mailbox messages.
type GetEmails struct {
	Provider mail.Provider
}

func (t *GetEmails) Name() string { return "get_emails" }

func (t *GetEmails) Description() string {
	return "List recent emails from the mailbox. Returns sender, subject, snippet, date, and unread status for each."
}

func (t *GetEmails) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"max_results": {"type": "integer", "minimum": 1, "maximum": 50, "description": "How many emails to return (default 10)"},
			"unread_only": {"type": "boolean", "description": "Only return unread emails"},
			"label": {"type": "string", "description": "Mailbox label to list, e.g. INBOX or STARRED"}
		},
		"additionalProperties": false
	}`)
}

func (t *GetEmails) Class() agent.SideEffectClass { return agent.ClassReadOnly }

func (t *GetEmails) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	var params struct {
		MaxResults int    `json:"max_results"`
		UnreadOnly bool   `json:"unread_only"`
		Label      string `json:"label"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}

	summaries, err := t.Provider.List(ctx, mail.ListQuery{
		MaxResults: params.MaxResults,
		UnreadOnly: params.UnreadOnly,
		Label:      params.Label,
	})
	if err != nil {
		return nil, err
	}
	return jsonObservation(map[string]any{
		"count":  len(summaries),
		"emails": summaries,
	})
}

// SearchEmails runs a provider-native mailbox query.
type SearchEmails struct {
	Provider mail.Provider
}

func (t *SearchEmails) Name() string { return "search_emails" }

func (t *SearchEmails) Description() string {
	return "Search the mailbox with a query (supports the provider's search syntax, e.g. from:, subject:, after:)."
}

func (t *SearchEmails) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1, "description": "Search query"},
			"max_results": {"type": "integer", "minimum": 1, "maximum": 50, "description": "How many results to return (default 10)"}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)
}

func (t *SearchEmails) Class() agent.SideEffectClass { return agent.ClassReadOnly }

func (t *SearchEmails) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	var params struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	summaries, err := t.Provider.Search(ctx, params.Query, params.MaxResults)
	if err != nil {
		return nil, err
	}
	return jsonObservation(map[string]any{
		"count":  len(summaries),
		"emails": summaries,
	})
}

// GetThread retrieves a full conversation thread with bodies.
type GetThread struct {
	Provider mail.Provider
}

func (t *GetThread) Name() string { return "get_thread" }

func (t *GetThread) Description() string {
	return "Fetch a full email thread, including message bodies, by thread ID."
}

func (t *GetThread) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"thread_id": {"type": "string", "minLength": 1, "description": "Thread ID from a listing or search result"}
		},
		"required": ["thread_id"],
		"additionalProperties": false
	}`)
}

func (t *GetThread) Class() agent.SideEffectClass { return agent.ClassReadOnly }

func (t *GetThread) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	var params struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	thread, err := t.Provider.GetThread(ctx, params.ThreadID)
	if err != nil {
		return nil, err
	}
	return jsonObservation(thread)
}

// MarkRead clears the unread flag on a message.
type MarkRead struct {
	Provider mail.Provider
}

func (t *MarkRead) Name() string { return "mark_read" }

func (t *MarkRead) Description() string {
	return "Mark an email as read by message ID."
}

func (t *MarkRead) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message_id": {"type": "string", "minLength": 1, "description": "Message ID to mark read"}
		},
		"required": ["message_id"],
		"additionalProperties": false
	}`)
}

func (t *MarkRead) Class() agent.SideEffectClass { return agent.ClassStaging }

func (t *MarkRead) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	var params struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	if err := t.Provider.ModifyLabels(ctx, params.MessageID, nil, []string{"UNREAD"}); err != nil {
		return nil, err
	}
	return jsonObservation(map[string]any{"message_id": params.MessageID, "marked_read": true})
}

// Archive removes a message from the inbox without deleting it.
type Archive struct {
	Provider mail.Provider
}

func (t *Archive) Name() string { return "archive_email" }

func (t *Archive) Description() string {
	return "Archive an email (remove it from the inbox) by message ID."
}

func (t *Archive) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message_id": {"type": "string", "minLength": 1, "description": "Message ID to archive"}
		},
		"required": ["message_id"],
		"additionalProperties": false
	}`)
}

func (t *Archive) Class() agent.SideEffectClass { return agent.ClassStaging }

func (t *Archive) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	var params struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	if err := t.Provider.ModifyLabels(ctx, params.MessageID, nil, []string{"INBOX"}); err != nil {
		return nil, err
	}
	return jsonObservation(map[string]any{"message_id": params.MessageID, "archived": true})
}

func jsonObservation(v any) (*agent.Observation, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode observation: %w", err)
	}
	return &agent.Observation{Content: string(payload)}, nil
}
