// Package schedule implements deferred and recurring action delivery: a
// persistent queue of scheduled actions and a daemon that claims due entries
// under a lease and delivers them with bounded retries.
package schedule

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a scheduled action.
//
// Transitions are monotone:
//
//	queued -> in_flight -> delivered
//	queued -> in_flight -> queued (retry) -> ... -> failed
//	queued -> cancelled
//
// Cancellation is only honored from queued; an in-flight attempt is never
// interrupted.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// Action kinds the daemon knows how to deliver.
const (
	// KindSendEmail delivers a confirmed email payload at the scheduled time.
	KindSendEmail = "send_email"

	// KindDigest composes and delivers an inbox digest.
	KindDigest = "digest"
)

// Action is one scheduled unit of work.
type Action struct {
	// ID is the unique action identifier.
	ID string `json:"id"`

	// ConversationID links the action back to the conversation that
	// scheduled it, for failure reporting.
	ConversationID string `json:"conversation_id,omitempty"`

	// Kind selects the executor.
	Kind string `json:"kind"`

	// Payload is the kind-specific delivery payload.
	Payload json.RawMessage `json:"payload"`

	// IdempotencyKey lets the downstream provider detect a redelivered
	// attempt. Empty for kinds without irreversible effects.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// RunAt is when the action becomes due.
	RunAt time.Time `json:"run_at"`

	// CronExpr, when set, makes the action recurring: after a successful
	// delivery it is requeued at the next cron occurrence.
	CronExpr string `json:"cron_expr,omitempty"`

	Status Status `json:"status"`

	// Attempts counts delivery attempts started so far.
	Attempts int `json:"attempts"`

	// MaxAttempts bounds retries. Zero means the daemon default.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// LockedBy and LockedUntil form the claim lease. A queued action whose
	// lease has lapsed is claimable again even if a worker died mid-attempt.
	LockedBy    string    `json:"locked_by,omitempty"`
	LockedUntil time.Time `json:"locked_until,omitempty"`

	// LastError records the most recent attempt failure.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store errors.
var (
	// ErrNotFound indicates the action does not exist.
	ErrNotFound = errors.New("scheduled action not found")

	// ErrNotCancellable indicates the action has left the queued state.
	ErrNotCancellable = errors.New("action is not cancellable")

	// ErrLeaseLost indicates the worker no longer holds the action's lease.
	// The attempt's outcome is discarded; whoever holds the lease now owns
	// the action.
	ErrLeaseLost = errors.New("lease lost")
)
