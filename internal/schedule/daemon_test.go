package schedule

import (
	"context"
	"sync"
	"testing"
	"time"
)

// classifiedErr carries an explicit retryability signal, the way provider
// errors do.
type classifiedErr struct {
	msg       string
	transient bool
}

func (e classifiedErr) Error() string   { return e.msg }
func (e classifiedErr) Transient() bool { return e.transient }

func newTestDaemon(t *testing.T, store Store, opts ...DaemonOption) *Daemon {
	t.Helper()
	return NewDaemon(store, DaemonConfig{
		WorkerID:       "test-worker",
		AttemptTimeout: 5 * time.Second,
	}, opts...)
}

func dueAction(id, kind string) *Action {
	a := queuedAction(id, time.Now().Add(-time.Minute))
	a.Kind = kind
	return a
}

func TestSweepDeliversDueAction(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Enqueue(ctx, dueAction("a1", KindSendEmail)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var mu sync.Mutex
	var delivered []string
	d := newTestDaemon(t, store)
	d.RegisterExecutor(KindSendEmail, ExecutorFunc(func(ctx context.Context, a *Action) error {
		mu.Lock()
		delivered = append(delivered, a.ID)
		mu.Unlock()
		return nil
	}))

	d.Sweep(ctx)

	if len(delivered) != 1 || delivered[0] != "a1" {
		t.Fatalf("delivered = %v, want [a1]", delivered)
	}
	a, err := store.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", a.Status)
	}
}

func TestSweepRequeuesTransientFailure(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Enqueue(ctx, dueAction("a1", KindSendEmail)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d := newTestDaemon(t, store)
	d.RegisterExecutor(KindSendEmail, ExecutorFunc(func(ctx context.Context, a *Action) error {
		return classifiedErr{msg: "rate limited", transient: true}
	}))

	before := time.Now()
	d.Sweep(ctx)

	a, _ := store.Get(ctx, "a1")
	if a.Status != StatusQueued {
		t.Fatalf("status = %s, want requeued", a.Status)
	}
	if a.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", a.Attempts)
	}
	if !a.RunAt.After(before) {
		t.Fatalf("RunAt = %v, want backed off into the future", a.RunAt)
	}
	if a.LastError == "" {
		t.Fatal("failed attempt must record the error")
	}
}

func TestSweepPermanentFailureReportsExhaustion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Enqueue(ctx, dueAction("a1", KindSendEmail)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var reported *Action
	var reportedErr error
	d := newTestDaemon(t, store, WithFailureReporter(func(ctx context.Context, a *Action, lastErr error) {
		reported = a
		reportedErr = lastErr
	}))
	d.RegisterExecutor(KindSendEmail, ExecutorFunc(func(ctx context.Context, a *Action) error {
		return classifiedErr{msg: "recipient address rejected", transient: false}
	}))

	d.Sweep(ctx)

	a, _ := store.Get(ctx, "a1")
	if a.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", a.Status)
	}
	if reported == nil || reported.ID != "a1" {
		t.Fatalf("reporter got %+v, want a1", reported)
	}
	if reportedErr == nil {
		t.Fatal("reporter must receive the delivery error")
	}
}

func TestSweepExhaustsAttemptBudget(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a := dueAction("a1", KindSendEmail)
	a.MaxAttempts = 1
	if err := store.Enqueue(ctx, a); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	reporterCalls := 0
	d := newTestDaemon(t, store, WithFailureReporter(func(ctx context.Context, a *Action, lastErr error) {
		reporterCalls++
	}))
	d.RegisterExecutor(KindSendEmail, ExecutorFunc(func(ctx context.Context, a *Action) error {
		return classifiedErr{msg: "upstream flapping", transient: true}
	}))

	// Transient error, but the single allowed attempt is already spent.
	d.Sweep(ctx)

	got, _ := store.Get(ctx, "a1")
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed after budget exhaustion", got.Status)
	}
	if reporterCalls != 1 {
		t.Fatalf("reporter calls = %d, want 1", reporterCalls)
	}
}

func TestSweepUnknownKindFailsPermanently(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Enqueue(ctx, dueAction("a1", "mystery")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	reported := false
	d := newTestDaemon(t, store, WithFailureReporter(func(ctx context.Context, a *Action, lastErr error) {
		reported = true
	}))

	d.Sweep(ctx)

	a, _ := store.Get(ctx, "a1")
	if a.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", a.Status)
	}
	if !reported {
		t.Fatal("unknown kind must be reported as exhausted")
	}
}

func TestSweepReschedulesRecurringAction(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a := dueAction("digest", KindDigest)
	a.CronExpr = "0 8 * * *"
	if err := store.Enqueue(ctx, a); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d := newTestDaemon(t, store)
	d.RegisterExecutor(KindDigest, ExecutorFunc(func(ctx context.Context, a *Action) error {
		return nil
	}))

	d.Sweep(ctx)

	got, _ := store.Get(ctx, "digest")
	if got.Status != StatusQueued {
		t.Fatalf("status = %s, want requeued for next occurrence", got.Status)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want reset to 0", got.Attempts)
	}
	if !got.RunAt.After(time.Now()) {
		t.Fatalf("RunAt = %v, want next cron occurrence in the future", got.RunAt)
	}
}

func TestSweepAttemptTimeout(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Enqueue(ctx, dueAction("a1", KindSendEmail)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d := NewDaemon(store, DaemonConfig{
		WorkerID:       "test-worker",
		AttemptTimeout: 20 * time.Millisecond,
	})
	d.RegisterExecutor(KindSendEmail, ExecutorFunc(func(ctx context.Context, a *Action) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	d.Sweep(ctx)

	a, _ := store.Get(ctx, "a1")
	// A timed-out attempt is retryable while budget remains.
	if a.Status != StatusQueued {
		t.Fatalf("status = %s, want requeued after timeout", a.Status)
	}
	if a.LastError == "" {
		t.Fatal("timeout must record the error")
	}
}
