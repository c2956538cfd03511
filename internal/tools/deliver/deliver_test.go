package deliver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fieldline/courier/internal/agent"
	"github.com/fieldline/courier/internal/draft"
	"github.com/fieldline/courier/internal/files"
	"github.com/fieldline/courier/internal/mail"
	"github.com/fieldline/courier/internal/schedule"
)

func testCtx() context.Context {
	return agent.ContextWithConversationID(context.Background(), "conv-1")
}

func enqueueSend(t *testing.T, store schedule.Store, id string) {
	t.Helper()
	d := draft.Draft{
		ID:      "d-" + id,
		To:      []string{"bob@example.com"},
		Subject: "Scheduled hello",
		Body:    "This went out later.",
	}
	payload, _ := json.Marshal(d)
	err := store.Enqueue(context.Background(), &schedule.Action{
		ID:             id,
		ConversationID: "conv-1",
		Kind:           schedule.KindSendEmail,
		Payload:        payload,
		IdempotencyKey: "key-" + id,
		RunAt:          time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestListScheduledPendingOnly(t *testing.T) {
	store := schedule.NewMemoryStore()
	enqueueSend(t, store, "a1")
	enqueueSend(t, store, "a2")
	if err := store.Cancel(context.Background(), "a2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	tool := &ListScheduled{Store: store}
	obs, err := tool.Execute(testCtx(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("list_scheduled: %v", err)
	}
	var result struct {
		Count   int `json:"count"`
		Actions []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"actions"`
	}
	if err := json.Unmarshal([]byte(obs.Content), &result); err != nil {
		t.Fatalf("decode observation: %v", err)
	}
	if result.Count != 1 || result.Actions[0].ID != "a1" {
		t.Fatalf("result = %+v, want only the pending action", result)
	}

	// all: true includes the cancelled one.
	obs, err = tool.Execute(testCtx(), json.RawMessage(`{"all": true}`))
	if err != nil {
		t.Fatalf("list_scheduled all: %v", err)
	}
	if err := json.Unmarshal([]byte(obs.Content), &result); err != nil {
		t.Fatalf("decode observation: %v", err)
	}
	if result.Count != 2 {
		t.Fatalf("count = %d, want 2 with all=true", result.Count)
	}
}

func TestCancelScheduled(t *testing.T) {
	store := schedule.NewMemoryStore()
	enqueueSend(t, store, "a1")
	tool := &CancelScheduled{Store: store}

	obs, err := tool.Execute(testCtx(), json.RawMessage(`{"action_id": "a1"}`))
	if err != nil || obs.IsError {
		t.Fatalf("cancel = (%+v, %v)", obs, err)
	}
	a, _ := store.Get(context.Background(), "a1")
	if a.Status != schedule.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", a.Status)
	}

	// Already cancelled: a typed error observation, not a Go error.
	obs, err = tool.Execute(testCtx(), json.RawMessage(`{"action_id": "a1"}`))
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if !obs.IsError || obs.Kind != agent.KindPermanent {
		t.Fatalf("obs = %+v, want permanent error observation", obs)
	}

	obs, err = tool.Execute(testCtx(), json.RawMessage(`{"action_id": "missing"}`))
	if err != nil {
		t.Fatalf("missing cancel: %v", err)
	}
	if !obs.IsError || obs.Kind != agent.KindPermanent {
		t.Fatalf("obs = %+v, want permanent error observation", obs)
	}
}

func TestSendExecutorDeliversDraftPayload(t *testing.T) {
	provider := mail.NewFake()
	exec := &SendExecutor{Provider: provider}

	d := draft.Draft{To: []string{"bob@example.com"}, Subject: "Later", Body: "Sent on schedule."}
	payload, _ := json.Marshal(d)
	action := &schedule.Action{
		ID:             "a1",
		Kind:           schedule.KindSendEmail,
		Payload:        payload,
		IdempotencyKey: "stable-key",
	}

	if err := exec.Deliver(context.Background(), action); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	sent := provider.Sent()
	if len(sent) != 1 || sent[0].Subject != "Later" {
		t.Fatalf("sent = %+v", sent)
	}
	if sent[0].IdempotencyKey != "stable-key" {
		t.Fatalf("idempotency key = %q, want the action's key", sent[0].IdempotencyKey)
	}

	// Redelivery after a lease lapse must not send twice.
	if err := exec.Deliver(context.Background(), action); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if len(provider.Sent()) != 1 {
		t.Fatalf("sent %d messages after redelivery, want 1", len(provider.Sent()))
	}
}

func TestSendExecutorResolvesAttachments(t *testing.T) {
	store, err := files.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if _, err := store.Put(context.Background(), "reports/q3.pdf", "application/pdf",
		strings.NewReader("%PDF-1.4 quarterly")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	provider := mail.NewFake()
	exec := &SendExecutor{Provider: provider, Files: store}

	d := draft.Draft{
		To:             []string{"bob@example.com"},
		Subject:        "Q3 report",
		Body:           "Attached.",
		AttachmentKeys: []string{"reports/q3.pdf"},
	}
	payload, _ := json.Marshal(d)
	action := &schedule.Action{
		ID:             "a1",
		Kind:           schedule.KindSendEmail,
		Payload:        payload,
		IdempotencyKey: "key-a1",
	}

	if err := exec.Deliver(context.Background(), action); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	sent := provider.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %+v, want one message", sent)
	}
	got := sent[0].Attachments
	if len(got) != 1 || got[0].Filename != "reports/q3.pdf" {
		t.Fatalf("attachments = %+v, want the draft's attachment", got)
	}
	if string(got[0].Data) != "%PDF-1.4 quarterly" {
		t.Fatalf("attachment data = %q", got[0].Data)
	}
}

func TestSendExecutorFailsOnMissingAttachment(t *testing.T) {
	store, err := files.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	provider := mail.NewFake()
	exec := &SendExecutor{Provider: provider, Files: store}

	d := draft.Draft{
		To:             []string{"bob@example.com"},
		Body:           "Attached.",
		AttachmentKeys: []string{"gone.pdf"},
	}
	payload, _ := json.Marshal(d)
	err = exec.Deliver(context.Background(), &schedule.Action{
		ID:      "a1",
		Kind:    schedule.KindSendEmail,
		Payload: payload,
	})
	if err == nil {
		t.Fatal("expected failure when an attachment cannot be loaded")
	}
	if len(provider.Sent()) != 0 {
		t.Fatal("nothing may be sent when the attachment is missing")
	}
}

func TestSendExecutorBadPayload(t *testing.T) {
	exec := &SendExecutor{Provider: mail.NewFake()}
	err := exec.Deliver(context.Background(), &schedule.Action{
		ID:      "a1",
		Payload: json.RawMessage(`{broken`),
	})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDigestExecutor(t *testing.T) {
	provider := mail.NewFake()
	provider.Seed("alice@example.com", "Quarterly numbers", "numbers", time.Now(), true)
	provider.Seed("bob@example.com", "Lunch?", "noon", time.Now(), true)

	exec := &DigestExecutor{
		Provider: provider,
		Compose: func(ctx context.Context, summaries []mail.Summary) (string, error) {
			if len(summaries) != 2 {
				t.Fatalf("composer got %d summaries, want 2", len(summaries))
			}
			return "Two unread emails today.", nil
		},
	}

	payload, _ := json.Marshal(map[string]any{"to": "me@example.com", "max_results": 10})
	err := exec.Deliver(context.Background(), &schedule.Action{
		ID:      "digest-1",
		Kind:    schedule.KindDigest,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	sent := provider.Sent()
	if len(sent) != 1 || sent[0].To[0] != "me@example.com" {
		t.Fatalf("sent = %+v", sent)
	}
	if sent[0].Body != "Two unread emails today." {
		t.Fatalf("body = %q", sent[0].Body)
	}
}

func TestDigestExecutorRequiresRecipient(t *testing.T) {
	exec := &DigestExecutor{
		Provider: mail.NewFake(),
		Compose: func(ctx context.Context, summaries []mail.Summary) (string, error) {
			return "", nil
		},
	}
	err := exec.Deliver(context.Background(), &schedule.Action{
		ID:      "digest-1",
		Payload: json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("expected error for missing recipient")
	}
}
