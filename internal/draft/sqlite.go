package draft

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCache persists pending drafts so a staged draft survives process
// restart. One row per conversation enforces the single-pending-draft rule at
// the schema level.
type SQLiteCache struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

const draftSchema = `
CREATE TABLE IF NOT EXISTS pending_drafts (
	conversation_id TEXT PRIMARY KEY,
	draft_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
`

// SQLiteCacheOption configures a SQLiteCache.
type SQLiteCacheOption func(*SQLiteCache)

// WithSQLiteTTL overrides the draft TTL.
func WithSQLiteTTL(ttl time.Duration) SQLiteCacheOption {
	return func(c *SQLiteCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSQLiteNow overrides the clock, for tests.
func WithSQLiteNow(now func() time.Time) SQLiteCacheOption {
	return func(c *SQLiteCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewSQLiteCache wraps a database handle, migrating the schema.
func NewSQLiteCache(db *sql.DB, opts ...SQLiteCacheOption) (*SQLiteCache, error) {
	if _, err := db.Exec(draftSchema); err != nil {
		return nil, fmt.Errorf("migrate draft schema: %w", err)
	}
	c := &SQLiteCache{db: db, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *SQLiteCache) Stage(ctx context.Context, d Draft) (bool, error) {
	now := c.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.ExpiresAt.IsZero() {
		d.ExpiresAt = d.CreatedAt.Add(c.ttl)
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("marshal draft: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var expiresAt time.Time
	replaced := false
	err = tx.QueryRowContext(ctx,
		"SELECT expires_at FROM pending_drafts WHERE conversation_id = ?",
		d.ConversationID).Scan(&expiresAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, fmt.Errorf("query pending draft: %w", err)
	default:
		replaced = now.Before(expiresAt)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pending_drafts (conversation_id, draft_id, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			draft_id = excluded.draft_id,
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		d.ConversationID, d.ID, string(payload), d.CreatedAt, d.ExpiresAt,
	); err != nil {
		return false, fmt.Errorf("stage draft: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return replaced, nil
}

func (c *SQLiteCache) Confirm(ctx context.Context, conversationID, draftID string) (*Draft, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	d, err := c.load(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}
	if d.Expired(c.now()) {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pending_drafts WHERE conversation_id = ?", conversationID); err != nil {
			return nil, fmt.Errorf("drop expired draft: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, ErrDraftExpired
	}
	if d.ID != draftID {
		return nil, ErrDraftMismatch
	}

	// Guard on draft_id too: between load and delete nothing else can run in
	// this tx, but the predicate keeps the consume compare-and-swap even if
	// the isolation level is ever weakened.
	res, err := tx.ExecContext(ctx,
		"DELETE FROM pending_drafts WHERE conversation_id = ? AND draft_id = ?",
		conversationID, draftID)
	if err != nil {
		return nil, fmt.Errorf("consume draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNoPendingDraft
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *SQLiteCache) Discard(ctx context.Context, conversationID string) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		"DELETE FROM pending_drafts WHERE conversation_id = ? AND expires_at > ?",
		conversationID, c.now().UTC())
	if err != nil {
		return false, fmt.Errorf("discard draft: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Sweep any lapsed row so it does not linger.
		if _, err := c.db.ExecContext(ctx,
			"DELETE FROM pending_drafts WHERE conversation_id = ?", conversationID); err != nil {
			return false, fmt.Errorf("drop expired draft: %w", err)
		}
	}
	return n > 0, nil
}

func (c *SQLiteCache) Get(ctx context.Context, conversationID string) (*Draft, error) {
	d, err := c.load(ctx, c.db, conversationID)
	if err != nil {
		return nil, err
	}
	if d.Expired(c.now()) {
		if _, err := c.db.ExecContext(ctx,
			"DELETE FROM pending_drafts WHERE conversation_id = ?", conversationID); err != nil {
			return nil, fmt.Errorf("drop expired draft: %w", err)
		}
		return nil, ErrDraftExpired
	}
	return d, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *SQLiteCache) load(ctx context.Context, q querier, conversationID string) (*Draft, error) {
	var payload string
	err := q.QueryRowContext(ctx,
		"SELECT payload FROM pending_drafts WHERE conversation_id = ?",
		conversationID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNoPendingDraft
	}
	if err != nil {
		return nil, fmt.Errorf("query pending draft: %w", err)
	}
	var d Draft
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, fmt.Errorf("unmarshal draft: %w", err)
	}
	return &d, nil
}
