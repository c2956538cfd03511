// Package draft implements the approval gate for outbound email.
//
// Nothing is ever sent directly: composing stages a draft into the cache, the
// user reviews it, and only an explicit confirmation carrying the staged
// draft's identifier releases the payload for delivery. Confirmation is
// single-use and compare-and-swap on the draft identifier, so a stale or
// concurrent confirm can never release the wrong content.
package draft

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a staged draft stays confirmable.
const DefaultTTL = 30 * time.Minute

// Approval-gate errors. Each maps to a distinct observation the reasoning
// engine can act on.
var (
	// ErrNoPendingDraft indicates no draft is staged for the conversation.
	ErrNoPendingDraft = errors.New("no pending draft")

	// ErrDraftMismatch indicates the confirmed identifier does not match the
	// currently staged draft. The staged draft is left untouched.
	ErrDraftMismatch = errors.New("draft id mismatch")

	// ErrDraftExpired indicates the staged draft outlived its TTL.
	ErrDraftExpired = errors.New("draft expired")
)

// Draft is a staged outbound email awaiting confirmation.
type Draft struct {
	// ID is the unique draft identifier; confirmation must echo it.
	ID string `json:"id"`

	// ConversationID scopes the draft. A conversation holds at most one
	// pending draft.
	ConversationID string `json:"conversation_id"`

	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`

	// ThreadID, when set, makes the send a reply on an existing thread.
	ThreadID string `json:"thread_id,omitempty"`

	// AttachmentKeys are file-store keys to attach at send time.
	AttachmentKeys []string `json:"attachment_keys,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the draft's TTL has lapsed at the given instant.
func (d *Draft) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// Cache holds at most one pending draft per conversation.
//
// Implementations must be safe for concurrent use.
type Cache interface {
	// Stage stores the draft for its conversation, replacing any previously
	// staged draft. Returns whether a pending draft was replaced.
	Stage(ctx context.Context, d Draft) (replaced bool, err error)

	// Confirm atomically consumes the pending draft if draftID matches.
	// On success the draft is removed from the cache and returned; a second
	// confirm with the same identifier fails with ErrNoPendingDraft.
	// Fails with ErrDraftMismatch on identifier mismatch (draft retained)
	// and ErrDraftExpired past the TTL (draft dropped).
	Confirm(ctx context.Context, conversationID, draftID string) (*Draft, error)

	// Discard drops the pending draft. Discarding when nothing is staged
	// is a no-op; the returned bool reports whether a draft was dropped.
	Discard(ctx context.Context, conversationID string) (bool, error)

	// Get returns the pending draft without consuming it, or
	// ErrNoPendingDraft / ErrDraftExpired.
	Get(ctx context.Context, conversationID string) (*Draft, error)
}
