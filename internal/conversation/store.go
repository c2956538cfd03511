// Package conversation persists conversation transcripts.
//
// Transcripts are append-only. The orchestration loop appends messages at turn
// boundaries and reads a bounded window of history when building engine
// requests; nothing ever rewrites a persisted message.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/fieldline/courier/pkg/models"
)

// ErrNotFound indicates the conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is transcript metadata. Conversations are created implicitly on
// first append.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// MessageCount is the number of persisted messages.
	MessageCount int `json:"message_count"`
}

// Store persists transcripts.
//
// Implementations must be safe for concurrent use. The loop serializes turns
// per conversation, but different conversations append concurrently and the
// gateway reads history at any time.
type Store interface {
	// Append records a message at the end of its conversation's transcript,
	// creating the conversation if needed.
	Append(ctx context.Context, msg models.Message) error

	// History returns the most recent messages in chronological order.
	// limit <= 0 means no limit.
	History(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// Get returns conversation metadata.
	Get(ctx context.Context, conversationID string) (*Conversation, error)

	// List returns all conversations ordered by most recent activity.
	List(ctx context.Context) ([]Conversation, error)

	// Delete removes a conversation and its transcript.
	Delete(ctx context.Context, conversationID string) error
}
