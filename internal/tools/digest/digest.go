// Package digest implements inbox summarization: an on-demand digest tool and
// a tool that schedules recurring digest delivery.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fieldline/courier/internal/agent"
	"github.com/fieldline/courier/internal/mail"
	"github.com/fieldline/courier/internal/schedule"
	"github.com/fieldline/courier/pkg/models"
)

// maxDigestEmails bounds the listing fed into summarization.
const maxDigestEmails = 25

const digestSystemPrompt = "You summarize email inboxes. Given a list of emails, produce a short digest: " +
	"group related messages, call out anything urgent or requiring a reply, and keep it under 200 words. " +
	"Plain text only."

// Compose builds the digest text for a set of summaries. Shared by the
// on-demand tool and the scheduled digest executor.
func Compose(ctx context.Context, engine agent.ReasoningEngine, summaries []mail.Summary) (string, error) {
	if len(summaries) == 0 {
		return "Inbox is clear: no unread email.", nil
	}

	var sb strings.Builder
	for i, s := range summaries {
		fmt.Fprintf(&sb, "%d. From: %s | Subject: %s | Date: %s\n   %s\n",
			i+1, s.From, s.Subject, s.Date.Format("Jan 2 15:04"), s.Snippet)
	}

	proposal, err := engine.Propose(ctx, &agent.ProposeRequest{
		System: digestSystemPrompt,
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: "Summarize these emails:\n\n" + sb.String(),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("compose digest: %w", err)
	}
	if strings.TrimSpace(proposal.Answer) == "" {
		return "", fmt.Errorf("digest engine returned no text")
	}
	return proposal.Answer, nil
}

// InboxDigest summarizes unread mail on demand.
type InboxDigest struct {
	Provider mail.Provider
	Engine   agent.ReasoningEngine
}

func (t *InboxDigest) Name() string { return "inbox_digest" }

func (t *InboxDigest) Description() string {
	return "Summarize the current unread inbox: groups related emails and highlights anything urgent."
}

func (t *InboxDigest) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"max_results": {"type": "integer", "minimum": 1, "maximum": 50, "description": "How many unread emails to consider (default 25)"}
		},
		"additionalProperties": false
	}`)
}

func (t *InboxDigest) Class() agent.SideEffectClass { return agent.ClassReadOnly }

func (t *InboxDigest) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	var params struct {
		MaxResults int `json:"max_results"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}
	if params.MaxResults <= 0 {
		params.MaxResults = maxDigestEmails
	}

	summaries, err := t.Provider.List(ctx, mail.ListQuery{
		MaxResults: params.MaxResults,
		UnreadOnly: true,
	})
	if err != nil {
		return nil, err
	}

	text, err := Compose(ctx, t.Engine, summaries)
	if err != nil {
		return nil, err
	}
	return &agent.Observation{Content: text}, nil
}

// ScheduleDigest queues a recurring digest delivered to the user's own
// address.
type ScheduleDigest struct {
	Store schedule.Store

	// SelfAddress receives the digest email.
	SelfAddress string
}

// digestPayload is the scheduled action payload for KindDigest.
type digestPayload struct {
	To         string `json:"to"`
	MaxResults int    `json:"max_results,omitempty"`
}

func (t *ScheduleDigest) Name() string { return "schedule_digest" }

func (t *ScheduleDigest) Description() string {
	return "Schedule a recurring inbox digest emailed to the user. Takes a cron expression " +
		"(standard 5-field, e.g. '0 8 * * *' for daily at 08:00). Cancel with cancel_scheduled."
}

func (t *ScheduleDigest) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"cron": {"type": "string", "minLength": 9, "description": "Standard 5-field cron expression for delivery times"},
			"max_results": {"type": "integer", "minimum": 1, "maximum": 50, "description": "How many unread emails to consider per digest"}
		},
		"required": ["cron"],
		"additionalProperties": false
	}`)
}

func (t *ScheduleDigest) Class() agent.SideEffectClass { return agent.ClassStaging }

func (t *ScheduleDigest) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	conversationID := agent.ConversationIDFromContext(ctx)

	// Without a recipient the action could be queued but never delivered;
	// refuse here so the user hears about it in the same turn.
	if strings.TrimSpace(t.SelfAddress) == "" {
		return nil, fmt.Errorf("cannot schedule a digest: mail.self_address is not configured")
	}

	var params struct {
		Cron       string `json:"cron"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(params.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", params.Cron, err)
	}
	firstRun := sched.Next(time.Now())

	payload, err := json.Marshal(digestPayload{To: t.SelfAddress, MaxResults: params.MaxResults})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	action := &schedule.Action{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           schedule.KindDigest,
		Payload:        payload,
		RunAt:          firstRun.UTC(),
		CronExpr:       params.Cron,
	}
	if err := t.Store.Enqueue(ctx, action); err != nil {
		return nil, fmt.Errorf("enqueue digest: %w", err)
	}

	return jsonObservation(map[string]any{
		"action_id": action.ID,
		"cron":      params.Cron,
		"first_run": firstRun.Format(time.RFC3339),
	})
}

func jsonObservation(v any) (*agent.Observation, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode observation: %w", err)
	}
	return &agent.Observation{Content: string(payload)}, nil
}
