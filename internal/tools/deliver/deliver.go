// Package deliver connects the scheduler to the rest of the system: the
// tools that list and cancel scheduled actions, and the executors the daemon
// routes due actions through.
package deliver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/courier/internal/agent"
	"github.com/fieldline/courier/internal/draft"
	"github.com/fieldline/courier/internal/files"
	"github.com/fieldline/courier/internal/mail"
	"github.com/fieldline/courier/internal/schedule"
	"github.com/fieldline/courier/internal/tools/compose"
)

// ListScheduled shows the conversation's scheduled actions.
type ListScheduled struct {
	Store schedule.Store
}

func (t *ListScheduled) Name() string { return "list_scheduled" }

func (t *ListScheduled) Description() string {
	return "List scheduled sends and digests for this conversation, with their status and run times."
}

func (t *ListScheduled) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"all": {"type": "boolean", "description": "Include delivered, failed, and cancelled actions, not just pending ones"}
		},
		"additionalProperties": false
	}`)
}

func (t *ListScheduled) Class() agent.SideEffectClass { return agent.ClassReadOnly }

func (t *ListScheduled) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	conversationID := agent.ConversationIDFromContext(ctx)

	var params struct {
		All bool `json:"all"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}

	filter := schedule.Filter{ConversationID: conversationID}
	if !params.All {
		filter.Statuses = []schedule.Status{schedule.StatusQueued, schedule.StatusInFlight}
	}
	actions, err := t.Store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list scheduled actions: %w", err)
	}

	type entry struct {
		ID       string `json:"id"`
		Kind     string `json:"kind"`
		Status   string `json:"status"`
		RunAt    string `json:"run_at"`
		Cron     string `json:"cron,omitempty"`
		Attempts int    `json:"attempts,omitempty"`
		LastErr  string `json:"last_error,omitempty"`
	}
	entries := make([]entry, 0, len(actions))
	for _, a := range actions {
		entries = append(entries, entry{
			ID:       a.ID,
			Kind:     a.Kind,
			Status:   string(a.Status),
			RunAt:    a.RunAt.Format(time.RFC3339),
			Cron:     a.CronExpr,
			Attempts: a.Attempts,
			LastErr:  a.LastError,
		})
	}
	return jsonObservation(map[string]any{"count": len(entries), "actions": entries})
}

// CancelScheduled cancels a queued action.
type CancelScheduled struct {
	Store schedule.Store
}

func (t *CancelScheduled) Name() string { return "cancel_scheduled" }

func (t *CancelScheduled) Description() string {
	return "Cancel a scheduled send or digest by action ID. Only queued actions can be cancelled; " +
		"an action already delivering cannot be stopped."
}

func (t *CancelScheduled) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action_id": {"type": "string", "minLength": 1, "description": "Scheduled action ID from list_scheduled or schedule_send"}
		},
		"required": ["action_id"],
		"additionalProperties": false
	}`)
}

func (t *CancelScheduled) Class() agent.SideEffectClass { return agent.ClassStaging }

func (t *CancelScheduled) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	var params struct {
		ActionID string `json:"action_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	err := t.Store.Cancel(ctx, params.ActionID)
	switch {
	case errors.Is(err, schedule.ErrNotFound):
		return &agent.Observation{
			Content: fmt.Sprintf("no scheduled action %s", params.ActionID),
			IsError: true,
			Kind:    agent.KindPermanent,
		}, nil
	case errors.Is(err, schedule.ErrNotCancellable):
		return &agent.Observation{
			Content: fmt.Sprintf("action %s has already started delivering and cannot be cancelled", params.ActionID),
			IsError: true,
			Kind:    agent.KindPermanent,
		}, nil
	case err != nil:
		return nil, fmt.Errorf("cancel action: %w", err)
	}
	return jsonObservation(map[string]any{"action_id": params.ActionID, "cancelled": true})
}

// SendExecutor delivers KindSendEmail actions: the payload is the confirmed
// draft, and the action's idempotency key rides along so a redelivered
// attempt is detected downstream.
type SendExecutor struct {
	Provider mail.Provider

	// Files resolves the draft's attachment keys at delivery time, same as
	// an immediate send would. Nil disables attachments.
	Files files.Store
}

func (e *SendExecutor) Deliver(ctx context.Context, a *schedule.Action) error {
	var d draft.Draft
	if err := json.Unmarshal(a.Payload, &d); err != nil {
		return fmt.Errorf("decode send payload: %w", err)
	}
	outbound, err := compose.BuildOutbound(ctx, e.Files, &d, a.IdempotencyKey)
	if err != nil {
		return err
	}
	_, err = e.Provider.Send(ctx, *outbound)
	return err
}

// DigestComposer builds digest text for a set of summaries; implemented by
// the digest package's Compose via an engine.
type DigestComposer func(ctx context.Context, summaries []mail.Summary) (string, error)

// DigestExecutor delivers KindDigest actions: it summarizes the unread inbox
// and emails the digest to the configured address.
type DigestExecutor struct {
	Provider mail.Provider
	Compose  DigestComposer
}

func (e *DigestExecutor) Deliver(ctx context.Context, a *schedule.Action) error {
	var payload struct {
		To         string `json:"to"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		return fmt.Errorf("decode digest payload: %w", err)
	}
	if payload.To == "" {
		return fmt.Errorf("digest payload has no recipient")
	}
	if payload.MaxResults <= 0 {
		payload.MaxResults = 25
	}

	summaries, err := e.Provider.List(ctx, mail.ListQuery{
		MaxResults: payload.MaxResults,
		UnreadOnly: true,
	})
	if err != nil {
		return err
	}
	text, err := e.Compose(ctx, summaries)
	if err != nil {
		return err
	}

	_, err = e.Provider.Send(ctx, mail.Outbound{
		To:      []string{payload.To},
		Subject: "Inbox digest " + time.Now().Format("Jan 2"),
		Body:    text,
	})
	return err
}

func jsonObservation(v any) (*agent.Observation, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode observation: %w", err)
	}
	return &agent.Observation{Content: string(payload)}, nil
}
