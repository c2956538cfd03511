// Package compose implements the outbound email tools and the approval gate
// around them: drafting stages content, and only send_reviewed_email with the staged
// draft's identifier releases it to the provider.
package compose

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/courier/internal/agent"
	"github.com/fieldline/courier/internal/draft"
	"github.com/fieldline/courier/internal/files"
	"github.com/fieldline/courier/internal/mail"
	"github.com/fieldline/courier/internal/observability"
	"github.com/fieldline/courier/internal/schedule"
)

// Error kinds surfaced on approval-gate failures. The engine reads these to
// explain the state to the user instead of retrying blindly.
const (
	KindNoPendingDraft = "no_pending_draft"
	KindDraftMismatch  = "draft_mismatch"
	KindDraftExpired   = "draft_expired"
)

// DraftEmail stages an outbound email for user review. Nothing is sent.
type DraftEmail struct {
	Cache draft.Cache
}

func (t *DraftEmail) Name() string { return "draft_email" }

func (t *DraftEmail) Description() string {
	return "Stage an email draft for the user to review. Does NOT send anything. " +
		"Returns a draft_id; the email only goes out when the user approves and send_reviewed_email is called with that draft_id. " +
		"Staging a new draft replaces any previous unsent draft in this conversation."
}

func (t *DraftEmail) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"to": {"type": "array", "items": {"type": "string", "minLength": 3}, "minItems": 1, "description": "Recipient addresses"},
			"cc": {"type": "array", "items": {"type": "string"}, "description": "CC addresses"},
			"bcc": {"type": "array", "items": {"type": "string"}, "description": "BCC addresses"},
			"subject": {"type": "string", "description": "Subject line"},
			"body": {"type": "string", "minLength": 1, "description": "Plain-text body"},
			"thread_id": {"type": "string", "description": "Thread to reply on, if this is a reply"},
			"attachment_keys": {"type": "array", "items": {"type": "string"}, "description": "File-store keys to attach"}
		},
		"required": ["to", "body"],
		"additionalProperties": false
	}`)
}

func (t *DraftEmail) Class() agent.SideEffectClass { return agent.ClassStaging }

func (t *DraftEmail) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	conversationID := agent.ConversationIDFromContext(ctx)
	if conversationID == "" {
		return nil, fmt.Errorf("no conversation in dispatch context")
	}

	var params struct {
		To             []string `json:"to"`
		Cc             []string `json:"cc"`
		Bcc            []string `json:"bcc"`
		Subject        string   `json:"subject"`
		Body           string   `json:"body"`
		ThreadID       string   `json:"thread_id"`
		AttachmentKeys []string `json:"attachment_keys"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	d := draft.Draft{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		To:             params.To,
		Cc:             params.Cc,
		Bcc:            params.Bcc,
		Subject:        params.Subject,
		Body:           params.Body,
		ThreadID:       params.ThreadID,
		AttachmentKeys: params.AttachmentKeys,
	}
	replaced, err := t.Cache.Stage(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("stage draft: %w", err)
	}

	return jsonObservation(map[string]any{
		"draft_id":       d.ID,
		"to":             d.To,
		"subject":        d.Subject,
		"body":           d.Body,
		"replaced_draft": replaced,
		"status":         "staged, awaiting user approval",
	})
}

// DiscardDraft drops the conversation's pending draft.
type DiscardDraft struct {
	Cache draft.Cache
}

func (t *DiscardDraft) Name() string { return "discard_draft" }

func (t *DiscardDraft) Description() string {
	return "Discard the pending email draft in this conversation without sending it."
}

func (t *DiscardDraft) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {},
		"additionalProperties": false
	}`)
}

func (t *DiscardDraft) Class() agent.SideEffectClass { return agent.ClassStaging }

func (t *DiscardDraft) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	conversationID := agent.ConversationIDFromContext(ctx)
	if conversationID == "" {
		return nil, fmt.Errorf("no conversation in dispatch context")
	}

	// Unconditional: discarding with nothing staged is a no-op, not a
	// failure the engine needs to recover from.
	discarded, err := t.Cache.Discard(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("discard draft: %w", err)
	}
	return jsonObservation(map[string]any{"discarded": discarded})
}

// SendEmail releases a confirmed draft to the mail provider. This is the only
// irreversible mailbox tool; it fails closed unless the draft cache confirms
// the exact staged draft.
type SendEmail struct {
	Cache    draft.Cache
	Provider mail.Provider

	// Files resolves attachment keys. Nil disables attachments.
	Files files.Store

	Metrics *observability.Metrics
}

func (t *SendEmail) Name() string { return "send_reviewed_email" }

func (t *SendEmail) Description() string {
	return "Send the previously staged draft after the user has approved it. " +
		"Requires the draft_id returned by draft_email. Fails if no draft is staged, " +
		"if the draft_id does not match the staged draft, or if the draft has expired."
}

func (t *SendEmail) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"draft_id": {"type": "string", "minLength": 1, "description": "Identifier of the approved draft"}
		},
		"required": ["draft_id"],
		"additionalProperties": false
	}`)
}

func (t *SendEmail) Class() agent.SideEffectClass { return agent.ClassIrreversible }

// IdempotencyKey derives a stable key from the draft identifier: a draft can
// only be released once, so one draft maps to one delivery.
func (t *SendEmail) IdempotencyKey(args json.RawMessage) string {
	var params struct {
		DraftID string `json:"draft_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil || params.DraftID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("send:" + params.DraftID))
	return hex.EncodeToString(sum[:16])
}

func (t *SendEmail) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	conversationID := agent.ConversationIDFromContext(ctx)
	if conversationID == "" {
		return nil, fmt.Errorf("no conversation in dispatch context")
	}

	var params struct {
		DraftID string `json:"draft_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	d, err := t.Cache.Confirm(ctx, conversationID, params.DraftID)
	t.Metrics.ObserveDraftConfirm(confirmResult(err))
	if obs := gateObservation(err); obs != nil {
		return obs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("confirm draft: %w", err)
	}

	outbound, err := BuildOutbound(ctx, t.Files, d, t.IdempotencyKey(mustArgs(d.ID)))
	if err != nil {
		// The draft was consumed but nothing was sent; restage so the user
		// can fix and re-approve instead of retyping.
		if _, stageErr := t.Cache.Stage(ctx, *d); stageErr != nil {
			return nil, fmt.Errorf("%v (and restage failed: %w)", err, stageErr)
		}
		return nil, err
	}

	result, err := t.Provider.Send(ctx, *outbound)
	if err != nil {
		if _, stageErr := t.Cache.Stage(ctx, *d); stageErr != nil {
			return nil, fmt.Errorf("%v (and restage failed: %w)", err, stageErr)
		}
		return nil, err
	}

	return jsonObservation(map[string]any{
		"sent":       true,
		"message_id": result.MessageID,
		"thread_id":  result.ThreadID,
		"duplicate":  result.Duplicate,
	})
}

// BuildOutbound turns a confirmed draft into the provider payload, resolving
// attachment keys through the file store. Shared with the scheduled-send
// executor so a deferred delivery carries the same content an immediate one
// would.
func BuildOutbound(ctx context.Context, store files.Store, d *draft.Draft, idempotencyKey string) (*mail.Outbound, error) {
	outbound := &mail.Outbound{
		To:             d.To,
		Cc:             d.Cc,
		Bcc:            d.Bcc,
		Subject:        d.Subject,
		Body:           d.Body,
		ThreadID:       d.ThreadID,
		IdempotencyKey: idempotencyKey,
	}
	for _, key := range d.AttachmentKeys {
		if store == nil {
			return nil, fmt.Errorf("draft references attachment %q but no file store is configured", key)
		}
		r, info, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load attachment %q: %w", key, err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("read attachment %q: %w", key, err)
		}
		outbound.Attachments = append(outbound.Attachments, mail.Attachment{
			Filename:    key,
			ContentType: info.ContentType,
			Data:        data,
		})
	}
	return outbound, nil
}

// ScheduleSend confirms a draft and queues it for delivery at a future time
// instead of sending immediately.
type ScheduleSend struct {
	Cache draft.Cache
	Store schedule.Store
	Send  *SendEmail

	Metrics *observability.Metrics
}

func (t *ScheduleSend) Name() string { return "schedule_send" }

func (t *ScheduleSend) Description() string {
	return "Schedule the approved draft to be sent at a future time instead of immediately. " +
		"Requires the draft_id returned by draft_email and an RFC 3339 send time. " +
		"The scheduled send can be cancelled with cancel_scheduled until it starts delivering."
}

func (t *ScheduleSend) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"draft_id": {"type": "string", "minLength": 1, "description": "Identifier of the approved draft"},
			"run_at": {"type": "string", "minLength": 1, "description": "When to send, RFC 3339 (e.g. 2026-09-01T09:00:00Z)"}
		},
		"required": ["draft_id", "run_at"],
		"additionalProperties": false
	}`)
}

func (t *ScheduleSend) Class() agent.SideEffectClass { return agent.ClassStaging }

func (t *ScheduleSend) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	conversationID := agent.ConversationIDFromContext(ctx)
	if conversationID == "" {
		return nil, fmt.Errorf("no conversation in dispatch context")
	}

	var params struct {
		DraftID string `json:"draft_id"`
		RunAt   string `json:"run_at"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	runAt, err := time.Parse(time.RFC3339, params.RunAt)
	if err != nil {
		return nil, fmt.Errorf("invalid run_at: %w", err)
	}
	if !runAt.After(time.Now()) {
		return nil, fmt.Errorf("run_at %s is not in the future", params.RunAt)
	}

	d, err := t.Cache.Confirm(ctx, conversationID, params.DraftID)
	t.Metrics.ObserveDraftConfirm(confirmResult(err))
	if obs := gateObservation(err); obs != nil {
		return obs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("confirm draft: %w", err)
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode draft payload: %w", err)
	}

	action := &schedule.Action{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           schedule.KindSendEmail,
		Payload:        payload,
		IdempotencyKey: t.Send.IdempotencyKey(mustArgs(d.ID)),
		RunAt:          runAt.UTC(),
	}
	if err := t.Store.Enqueue(ctx, action); err != nil {
		if _, stageErr := t.Cache.Stage(ctx, *d); stageErr != nil {
			return nil, fmt.Errorf("enqueue failed: %v (and restage failed: %w)", err, stageErr)
		}
		return nil, fmt.Errorf("enqueue scheduled send: %w", err)
	}

	return jsonObservation(map[string]any{
		"action_id": action.ID,
		"run_at":    action.RunAt.Format(time.RFC3339),
		"status":    string(schedule.StatusQueued),
	})
}

// confirmResult labels a Confirm outcome for the draft-confirm counter.
func confirmResult(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, draft.ErrDraftMismatch):
		return "mismatch"
	case errors.Is(err, draft.ErrDraftExpired):
		return "expired"
	case errors.Is(err, draft.ErrNoPendingDraft):
		return "missing"
	default:
		return "error"
	}
}

// gateObservation maps draft cache failures onto typed error observations.
func gateObservation(err error) *agent.Observation {
	switch {
	case errors.Is(err, draft.ErrNoPendingDraft):
		return &agent.Observation{
			Content: "no draft is staged in this conversation; use draft_email first",
			IsError: true,
			Kind:    KindNoPendingDraft,
		}
	case errors.Is(err, draft.ErrDraftMismatch):
		return &agent.Observation{
			Content: "draft_id does not match the currently staged draft; the draft may have been replaced",
			IsError: true,
			Kind:    KindDraftMismatch,
		}
	case errors.Is(err, draft.ErrDraftExpired):
		return &agent.Observation{
			Content: "the staged draft expired before it was approved; stage it again with draft_email",
			IsError: true,
			Kind:    KindDraftExpired,
		}
	}
	return nil
}

func mustArgs(draftID string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"draft_id": draftID})
	return payload
}

func jsonObservation(v any) (*agent.Observation, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode observation: %w", err)
	}
	return &agent.Observation{Content: string(payload)}, nil
}
