package schedule

import (
	"context"
	"time"
)

// Filter narrows List results.
type Filter struct {
	// ConversationID restricts to actions scheduled by one conversation.
	ConversationID string

	// Statuses restricts to the given states. Empty means all.
	Statuses []Status

	// Limit bounds the result size. Zero means no limit.
	Limit int
}

// Store persists scheduled actions.
//
// ClaimDue, MarkDelivered, and MarkFailed implement the lease protocol and
// must be atomic per action: two workers can never both claim the same entry,
// and a worker whose lease lapsed cannot record an outcome.
type Store interface {
	// Enqueue adds a new action in StatusQueued.
	Enqueue(ctx context.Context, a *Action) error

	// Get returns an action by ID.
	Get(ctx context.Context, id string) (*Action, error)

	// Cancel transitions a queued action to cancelled. Any other state
	// fails with ErrNotCancellable.
	Cancel(ctx context.Context, id string) error

	// ClaimDue atomically claims up to limit due actions for workerID: each
	// claimed action moves to in_flight with its attempt counter bumped and
	// a lease held until now+lease. Queued actions and in-flight actions
	// with a lapsed lease are claimable, but only while the attempt counter
	// is under the action's budget (its MaxAttempts, or maxAttempts when the
	// action carries none). A lapsed-lease action already at its budget is
	// moved to terminally failed instead of being handed out again.
	ClaimDue(ctx context.Context, workerID string, now time.Time, lease time.Duration, maxAttempts, limit int) ([]*Action, error)

	// MarkDelivered records a successful attempt. Fails with ErrLeaseLost
	// when workerID no longer holds the lease.
	MarkDelivered(ctx context.Context, id, workerID string) error

	// MarkFailed records a failed attempt. When retryAt is non-zero the
	// action returns to queued with RunAt=retryAt; otherwise it is
	// terminally failed. Fails with ErrLeaseLost when workerID no longer
	// holds the lease.
	MarkFailed(ctx context.Context, id, workerID, reason string, retryAt time.Time) error

	// Reschedule requeues a delivered recurring action for its next
	// occurrence, resetting the attempt counter.
	Reschedule(ctx context.Context, id string, runAt time.Time) error

	// CountDue returns the number of unclaimed actions due at now.
	CountDue(ctx context.Context, now time.Time) (int, error)

	// List returns actions matching the filter, most recently created first.
	List(ctx context.Context, f Filter) ([]*Action, error)
}
