package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists scheduled actions in SQLite.
//
// The lease protocol rides on guarded UPDATEs: every state-recording statement
// carries the expected status, worker, and lease predicate, so a lapsed lease
// or a competing worker shows up as zero rows affected rather than a lost
// update.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const scheduleSchema = `
CREATE TABLE IF NOT EXISTS scheduled_actions (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	run_at TIMESTAMP NOT NULL,
	cron_expr TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	locked_by TEXT NOT NULL DEFAULT '',
	locked_until TIMESTAMP,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_status_run_at ON scheduled_actions(status, run_at);
`

// OpenSQLite opens (and migrates) a SQLite schedule store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing database handle, migrating the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(scheduleSchema); err != nil {
		return nil, fmt.Errorf("migrate schedule schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Enqueue(ctx context.Context, a *Action) error {
	now := s.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.Status = StatusQueued
	a.Attempts = 0
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_actions
			(id, conversation_id, kind, payload, idempotency_key, run_at, cron_expr,
			 status, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ConversationID, a.Kind, string(a.Payload), a.IdempotencyKey,
		a.RunAt.UTC(), a.CronExpr, string(a.Status), a.Attempts, a.MaxAttempts,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+" FROM scheduled_actions WHERE id = ?", id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query action: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_actions SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCancelled), s.now().UTC(), id, string(StatusQueued))
	if err != nil {
		return fmt.Errorf("cancel action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotCancellable
	}
	return nil
}

func (s *SQLiteStore) ClaimDue(ctx context.Context, workerID string, now time.Time, lease time.Duration, maxAttempts, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// A lapsed-lease action with its attempt budget spent is done: the
	// crashed attempt was its last, so it fails instead of recirculating.
	if _, err := tx.ExecContext(ctx, `
		UPDATE scheduled_actions
		SET status = ?, locked_by = '', locked_until = NULL, updated_at = ?,
		    last_error = CASE WHEN last_error = '' THEN 'attempt budget exhausted' ELSE last_error END
		WHERE status = ? AND locked_until < ?
		  AND attempts >= CASE WHEN max_attempts > 0 THEN max_attempts ELSE ? END`,
		string(StatusFailed), now.UTC(),
		string(StatusInFlight), now.UTC(), maxAttempts,
	); err != nil {
		return nil, fmt.Errorf("fail exhausted actions: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM scheduled_actions
		WHERE ((status = ? AND run_at <= ?)
		   OR (status = ? AND locked_until < ?))
		  AND attempts < CASE WHEN max_attempts > 0 THEN max_attempts ELSE ? END
		ORDER BY run_at LIMIT ?`,
		string(StatusQueued), now.UTC(), string(StatusInFlight), now.UTC(), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query due actions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	claimed := make([]*Action, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE scheduled_actions
			SET status = ?, attempts = attempts + 1, locked_by = ?, locked_until = ?, updated_at = ?
			WHERE id = ? AND ((status = ? AND run_at <= ?) OR (status = ? AND locked_until < ?))
			  AND attempts < CASE WHEN max_attempts > 0 THEN max_attempts ELSE ? END`,
			string(StatusInFlight), workerID, now.Add(lease).UTC(), now.UTC(),
			id, string(StatusQueued), now.UTC(), string(StatusInFlight), now.UTC(), maxAttempts)
		if err != nil {
			return nil, fmt.Errorf("claim action %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		row := tx.QueryRowContext(ctx, selectColumns+" FROM scheduled_actions WHERE id = ?", id)
		a, err := scanAction(row)
		if err != nil {
			return nil, fmt.Errorf("reload claimed action %s: %w", id, err)
		}
		claimed = append(claimed, a)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id, workerID string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_actions
		SET status = ?, locked_by = '', locked_until = NULL, last_error = '', updated_at = ?
		WHERE id = ? AND status = ? AND locked_by = ? AND locked_until >= ?`,
		string(StatusDelivered), now, id, string(StatusInFlight), workerID, now)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return s.leaseOutcome(ctx, res, id)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, workerID, reason string, retryAt time.Time) error {
	now := s.now().UTC()
	var res sql.Result
	var err error
	if retryAt.IsZero() {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_actions
			SET status = ?, locked_by = '', locked_until = NULL, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ? AND locked_by = ? AND locked_until >= ?`,
			string(StatusFailed), reason, now, id, string(StatusInFlight), workerID, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_actions
			SET status = ?, run_at = ?, locked_by = '', locked_until = NULL, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ? AND locked_by = ? AND locked_until >= ?`,
			string(StatusQueued), retryAt.UTC(), reason, now, id, string(StatusInFlight), workerID, now)
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return s.leaseOutcome(ctx, res, id)
}

func (s *SQLiteStore) Reschedule(ctx context.Context, id string, runAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_actions
		SET status = ?, attempts = 0, run_at = ?, locked_by = '', locked_until = NULL,
		    last_error = '', updated_at = ?
		WHERE id = ?`,
		string(StatusQueued), runAt.UTC(), s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("reschedule action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CountDue(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scheduled_actions WHERE status = ? AND run_at <= ?`,
		string(StatusQueued), now.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Action, error) {
	query := selectColumns + " FROM scheduled_actions"
	var conds []string
	var args []any
	if f.ConversationID != "" {
		conds = append(conds, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) leaseOutcome(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrLeaseLost
	}
	return nil
}

const selectColumns = `
	SELECT id, conversation_id, kind, payload, idempotency_key, run_at, cron_expr,
	       status, attempts, max_attempts, locked_by, locked_until, last_error,
	       created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var a Action
	var payload, status string
	var lockedUntil sql.NullTime
	err := row.Scan(
		&a.ID, &a.ConversationID, &a.Kind, &payload, &a.IdempotencyKey,
		&a.RunAt, &a.CronExpr, &status, &a.Attempts, &a.MaxAttempts,
		&a.LockedBy, &lockedUntil, &a.LastError, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Payload = []byte(payload)
	a.Status = Status(status)
	if lockedUntil.Valid {
		a.LockedUntil = lockedUntil.Time
	}
	return &a, nil
}
