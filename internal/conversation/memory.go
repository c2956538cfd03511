package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldline/courier/pkg/models"
)

// MemoryStore is an in-memory Store for tests and single-process development.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]models.Message
	meta     map[string]*Conversation
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		messages: make(map[string][]models.Message),
		meta:     make(map[string]*Conversation),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Append(ctx context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	meta, ok := s.meta[msg.ConversationID]
	if !ok {
		meta = &Conversation{ID: msg.ConversationID, CreatedAt: now}
		s.meta[msg.ConversationID] = meta
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	meta.UpdatedAt = now
	meta.MessageCount++
	return nil
}

func (s *MemoryStore) History(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.meta[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *meta
	return &clone, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.meta))
	for _, meta := range s.meta {
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.meta[conversationID]; !ok {
		return ErrNotFound
	}
	delete(s.meta, conversationID)
	delete(s.messages, conversationID)
	return nil
}
