package draft

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-memory Cache keyed by conversation.
//
// Expiry is lazy: a draft past its TTL is dropped when next observed, not by a
// background sweeper.
type MemoryCache struct {
	mu      sync.Mutex
	pending map[string]Draft
	ttl     time.Duration
	now     func() time.Time
}

// MemoryCacheOption configures a MemoryCache.
type MemoryCacheOption func(*MemoryCache)

// WithTTL overrides the draft TTL.
func WithTTL(ttl time.Duration) MemoryCacheOption {
	return func(c *MemoryCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) MemoryCacheOption {
	return func(c *MemoryCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache(opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{
		pending: make(map[string]Draft),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Stage(ctx context.Context, d Draft) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.ExpiresAt.IsZero() {
		d.ExpiresAt = d.CreatedAt.Add(c.ttl)
	}

	prev, had := c.pending[d.ConversationID]
	c.pending[d.ConversationID] = d

	// A draft that already lapsed does not count as replaced; it was
	// never confirmable.
	replaced := had && !prev.Expired(now)
	return replaced, nil
}

func (c *MemoryCache) Confirm(ctx context.Context, conversationID, draftID string) (*Draft, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.pending[conversationID]
	if !ok {
		return nil, ErrNoPendingDraft
	}
	if d.Expired(c.now()) {
		delete(c.pending, conversationID)
		return nil, ErrDraftExpired
	}
	if d.ID != draftID {
		return nil, ErrDraftMismatch
	}
	delete(c.pending, conversationID)
	clone := d
	return &clone, nil
}

func (c *MemoryCache) Discard(ctx context.Context, conversationID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.pending[conversationID]
	if !ok {
		return false, nil
	}
	delete(c.pending, conversationID)
	// An already-lapsed draft was never confirmable, so dropping it does
	// not count as discarding anything.
	return !d.Expired(c.now()), nil
}

func (c *MemoryCache) Get(ctx context.Context, conversationID string) (*Draft, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.pending[conversationID]
	if !ok {
		return nil, ErrNoPendingDraft
	}
	if d.Expired(c.now()) {
		delete(c.pending, conversationID)
		return nil, ErrDraftExpired
	}
	clone := d
	return &clone, nil
}
