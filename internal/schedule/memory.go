package schedule

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process development.
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]*Action
	now     func() time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		actions: make(map[string]*Action),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Enqueue(ctx context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	clone := *a
	clone.Status = StatusQueued
	clone.Attempts = 0
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.actions[clone.ID] = &clone
	a.Status = clone.Status
	a.CreatedAt = clone.CreatedAt
	a.UpdatedAt = clone.UpdatedAt
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != StatusQueued {
		return ErrNotCancellable
	}
	a.Status = StatusCancelled
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, workerID string, now time.Time, lease time.Duration, maxAttempts, limit int) ([]*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	due := make([]*Action, 0)
	for _, a := range s.actions {
		if !s.claimable(a, now) {
			continue
		}
		// A lapsed-lease action whose attempt budget is spent cannot be
		// claimed again; the crashed attempt was its last.
		if a.Attempts >= budget(a, maxAttempts) {
			a.Status = StatusFailed
			a.LockedBy = ""
			a.LockedUntil = time.Time{}
			if a.LastError == "" {
				a.LastError = "attempt budget exhausted"
			}
			a.UpdatedAt = now.UTC()
			continue
		}
		due = append(due, a)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Action, 0, len(due))
	for _, a := range due {
		a.Status = StatusInFlight
		a.Attempts++
		a.LockedBy = workerID
		a.LockedUntil = now.Add(lease)
		a.UpdatedAt = now.UTC()
		clone := *a
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

// claimable: queued and due, or in-flight with a lapsed lease (worker died
// mid-attempt).
func (s *MemoryStore) claimable(a *Action, now time.Time) bool {
	switch a.Status {
	case StatusQueued:
		return !a.RunAt.After(now)
	case StatusInFlight:
		return a.LockedUntil.Before(now)
	default:
		return false
	}
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.held(id, workerID)
	if err != nil {
		return err
	}
	a.Status = StatusDelivered
	a.LockedBy = ""
	a.LockedUntil = time.Time{}
	a.LastError = ""
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id, workerID, reason string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.held(id, workerID)
	if err != nil {
		return err
	}
	a.LastError = reason
	a.LockedBy = ""
	a.LockedUntil = time.Time{}
	a.UpdatedAt = s.now().UTC()
	if retryAt.IsZero() {
		a.Status = StatusFailed
	} else {
		a.Status = StatusQueued
		a.RunAt = retryAt
	}
	return nil
}

func (s *MemoryStore) Reschedule(ctx context.Context, id string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = StatusQueued
	a.Attempts = 0
	a.RunAt = runAt
	a.LockedBy = ""
	a.LockedUntil = time.Time{}
	a.LastError = ""
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) CountDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range s.actions {
		if a.Status == StatusQueued && !a.RunAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Action, 0)
	for _, a := range s.actions {
		if f.ConversationID != "" && a.ConversationID != f.ConversationID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		clone := *a
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) held(id, workerID string) (*Action, error) {
	a, ok := s.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != StatusInFlight || a.LockedBy != workerID || a.LockedUntil.Before(s.now()) {
		return nil, ErrLeaseLost
	}
	return a, nil
}

// budget is the action's effective attempt ceiling.
func budget(a *Action, maxAttempts int) int {
	if a.MaxAttempts > 0 {
		return a.MaxAttempts
	}
	return maxAttempts
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
