// Package mail abstracts the mailbox backend. The agent's tools talk to a
// Provider; the Gmail adapter implements it against the Gmail REST API and the
// Fake implements it in memory for tests and offline development.
package mail

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMessageNotFound indicates the referenced message or thread does not exist.
var ErrMessageNotFound = errors.New("message not found")

// Summary is a mailbox listing entry.
type Summary struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"thread_id"`
	From     string    `json:"from"`
	To       []string  `json:"to,omitempty"`
	Subject  string    `json:"subject"`
	Snippet  string    `json:"snippet,omitempty"`
	Date     time.Time `json:"date"`
	Unread   bool      `json:"unread"`
	Labels   []string  `json:"labels,omitempty"`
}

// Thread is a full conversation thread.
type Thread struct {
	ID       string          `json:"id"`
	Messages []ThreadMessage `json:"messages"`
}

// ThreadMessage is one message within a thread, body included.
type ThreadMessage struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      []string  `json:"to,omitempty"`
	Cc      []string  `json:"cc,omitempty"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Date    time.Time `json:"date"`
}

// Attachment is an outbound file attachment.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Outbound is a fully resolved message ready to send.
type Outbound struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`

	// ThreadID, when set, sends the message as a reply on that thread.
	ThreadID string `json:"thread_id,omitempty"`

	// IdempotencyKey lets the provider detect a redelivered send. A send
	// with a key it has already honored reports Duplicate instead of
	// sending twice.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendResult reports the outcome of a send.
type SendResult struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id,omitempty"`

	// Duplicate is set when the idempotency key matched an earlier send and
	// no new message went out.
	Duplicate bool `json:"duplicate,omitempty"`
}

// ListQuery narrows a mailbox listing.
type ListQuery struct {
	// MaxResults bounds the listing (default 10).
	MaxResults int `json:"max_results,omitempty"`

	// UnreadOnly restricts to unread messages.
	UnreadOnly bool `json:"unread_only,omitempty"`

	// Label restricts to one mailbox label (e.g. "INBOX", "STARRED").
	Label string `json:"label,omitempty"`
}

// Provider is the mailbox backend.
//
// Implementations must be safe for concurrent use; the tool registry and the
// scheduler daemon call into the same Provider.
type Provider interface {
	// List returns mailbox summaries, newest first.
	List(ctx context.Context, q ListQuery) ([]Summary, error)

	// GetThread returns a full thread with message bodies.
	GetThread(ctx context.Context, threadID string) (*Thread, error)

	// Search runs a mailbox query (provider-native syntax) and returns
	// matching summaries.
	Search(ctx context.Context, query string, maxResults int) ([]Summary, error)

	// Send delivers an outbound message.
	Send(ctx context.Context, msg Outbound) (*SendResult, error)

	// ModifyLabels adds and removes labels on a message. Marking read is
	// removing "UNREAD"; archiving is removing "INBOX".
	ModifyLabels(ctx context.Context, messageID string, add, remove []string) error
}

// ProviderError is a structured backend failure carrying enough to classify
// retry eligibility.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("mail %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mail %s: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Transient reports whether retrying may succeed: rate limits, server-side
// failures, and transport errors without a status.
func (e *ProviderError) Transient() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Permanent reports whether the request can never succeed as issued.
func (e *ProviderError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429
}
