package draft

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newSQLiteCache(t *testing.T, opts ...SQLiteCacheOption) *SQLiteCache {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	c, err := NewSQLiteCache(db, opts...)
	if err != nil {
		t.Fatalf("NewSQLiteCache: %v", err)
	}
	return c
}

func TestSQLiteStageConfirmRoundTrip(t *testing.T) {
	c := newSQLiteCache(t)
	ctx := context.Background()

	replaced, err := c.Stage(ctx, testDraft("conv-1"))
	if err != nil || replaced {
		t.Fatalf("Stage = (%v, %v)", replaced, err)
	}

	got, err := c.Confirm(ctx, "conv-1", "d-conv-1")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.Subject != "Re: plans" || len(got.To) != 1 {
		t.Fatalf("confirmed draft = %+v", got)
	}

	if _, err := c.Confirm(ctx, "conv-1", "d-conv-1"); !errors.Is(err, ErrNoPendingDraft) {
		t.Fatalf("second confirm err = %v, want ErrNoPendingDraft", err)
	}
}

func TestSQLiteConfirmMismatchRetainsDraft(t *testing.T) {
	c := newSQLiteCache(t)
	ctx := context.Background()

	if _, err := c.Stage(ctx, testDraft("conv-1")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := c.Confirm(ctx, "conv-1", "stale-id"); !errors.Is(err, ErrDraftMismatch) {
		t.Fatalf("err = %v, want ErrDraftMismatch", err)
	}
	if got, err := c.Get(ctx, "conv-1"); err != nil || got.ID != "d-conv-1" {
		t.Fatalf("draft after mismatch = (%+v, %v), want retained", got, err)
	}
}

func TestSQLiteDiscardIsIdempotent(t *testing.T) {
	c := newSQLiteCache(t)
	ctx := context.Background()

	if discarded, err := c.Discard(ctx, "conv-1"); err != nil || discarded {
		t.Fatalf("discard empty = (%v, %v), want (false, nil)", discarded, err)
	}

	if _, err := c.Stage(ctx, testDraft("conv-1")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if discarded, err := c.Discard(ctx, "conv-1"); err != nil || !discarded {
		t.Fatalf("discard staged = (%v, %v), want (true, nil)", discarded, err)
	}
	if discarded, err := c.Discard(ctx, "conv-1"); err != nil || discarded {
		t.Fatalf("repeat discard = (%v, %v), want (false, nil)", discarded, err)
	}
}

func TestSQLiteExpiryDropsDraft(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := newSQLiteCache(t,
		WithSQLiteTTL(10*time.Minute),
		WithSQLiteNow(func() time.Time { return now }),
	)
	ctx := context.Background()

	if _, err := c.Stage(ctx, testDraft("conv-1")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	now = now.Add(11 * time.Minute)
	if _, err := c.Confirm(ctx, "conv-1", "d-conv-1"); !errors.Is(err, ErrDraftExpired) {
		t.Fatalf("err = %v, want ErrDraftExpired", err)
	}
	if _, err := c.Get(ctx, "conv-1"); !errors.Is(err, ErrNoPendingDraft) {
		t.Fatalf("get after expiry err = %v, want ErrNoPendingDraft", err)
	}
}
