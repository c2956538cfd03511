package draft

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testDraft(conversationID string) Draft {
	return Draft{
		ID:             "d-" + conversationID,
		ConversationID: conversationID,
		To:             []string{"bob@example.com"},
		Subject:        "Re: plans",
		Body:           "Sounds good, see you then.",
	}
}

func TestStageAndGet(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	replaced, err := c.Stage(ctx, testDraft("conv-1"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if replaced {
		t.Fatal("first stage must not report a replacement")
	}

	got, err := c.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "d-conv-1" || got.Subject != "Re: plans" {
		t.Fatalf("got %+v", got)
	}
	if got.ExpiresAt.IsZero() {
		t.Fatal("Stage must set the expiry")
	}
}

func TestStageReplacesPending(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if _, err := c.Stage(ctx, testDraft("conv-1")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	second := testDraft("conv-1")
	second.ID = "d-new"
	second.Body = "Actually, let's do Tuesday."

	replaced, err := c.Stage(ctx, second)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if !replaced {
		t.Fatal("second stage must report a replacement")
	}

	// The old identifier no longer confirms.
	if _, err := c.Confirm(ctx, "conv-1", "d-conv-1"); !errors.Is(err, ErrDraftMismatch) {
		t.Fatalf("err = %v, want ErrDraftMismatch", err)
	}
	// The replaced draft is untouched by the failed confirm.
	got, err := c.Get(ctx, "conv-1")
	if err != nil || got.ID != "d-new" {
		t.Fatalf("got (%+v, %v), want d-new intact", got, err)
	}
}

func TestConfirmIsSingleUse(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if _, err := c.Stage(ctx, testDraft("conv-1")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	got, err := c.Confirm(ctx, "conv-1", "d-conv-1")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.Body != "Sounds good, see you then." {
		t.Fatalf("confirmed draft = %+v", got)
	}

	if _, err := c.Confirm(ctx, "conv-1", "d-conv-1"); !errors.Is(err, ErrNoPendingDraft) {
		t.Fatalf("second confirm err = %v, want ErrNoPendingDraft", err)
	}
}

func TestConfirmNoPending(t *testing.T) {
	c := NewMemoryCache()
	if _, err := c.Confirm(context.Background(), "conv-1", "whatever"); !errors.Is(err, ErrNoPendingDraft) {
		t.Fatalf("err = %v, want ErrNoPendingDraft", err)
	}
}

func TestConfirmExpired(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	c := NewMemoryCache(
		WithTTL(30*time.Minute),
		WithNow(func() time.Time { return *clock }),
	)
	ctx := context.Background()

	if _, err := c.Stage(ctx, testDraft("conv-1")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	later := now.Add(31 * time.Minute)
	clock = &later
	if _, err := c.Confirm(ctx, "conv-1", "d-conv-1"); !errors.Is(err, ErrDraftExpired) {
		t.Fatalf("err = %v, want ErrDraftExpired", err)
	}
	// The expired draft was dropped, not retained.
	if _, err := c.Get(ctx, "conv-1"); !errors.Is(err, ErrNoPendingDraft) {
		t.Fatalf("get after expiry err = %v, want ErrNoPendingDraft", err)
	}
}

func TestDiscard(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	// Discarding with nothing staged is a successful no-op.
	if discarded, err := c.Discard(ctx, "conv-1"); err != nil || discarded {
		t.Fatalf("discard empty = (%v, %v), want (false, nil)", discarded, err)
	}

	if _, err := c.Stage(ctx, testDraft("conv-1")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if discarded, err := c.Discard(ctx, "conv-1"); err != nil || !discarded {
		t.Fatalf("discard staged = (%v, %v), want (true, nil)", discarded, err)
	}
	if _, err := c.Get(ctx, "conv-1"); !errors.Is(err, ErrNoPendingDraft) {
		t.Fatalf("get after discard err = %v, want ErrNoPendingDraft", err)
	}

	// A second discard of the same conversation stays a no-op.
	if discarded, err := c.Discard(ctx, "conv-1"); err != nil || discarded {
		t.Fatalf("repeat discard = (%v, %v), want (false, nil)", discarded, err)
	}
}

func TestConversationsAreIsolated(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if _, err := c.Stage(ctx, testDraft("conv-1")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := c.Stage(ctx, testDraft("conv-2")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if _, err := c.Confirm(ctx, "conv-1", "d-conv-1"); err != nil {
		t.Fatalf("Confirm conv-1: %v", err)
	}
	// conv-2's draft is unaffected.
	if got, err := c.Get(ctx, "conv-2"); err != nil || got.ID != "d-conv-2" {
		t.Fatalf("conv-2 draft = (%+v, %v)", got, err)
	}
}
