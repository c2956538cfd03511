package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fieldline/courier/internal/observability"
)

// Daemon defaults.
const (
	DefaultPollInterval   = 30 * time.Second
	DefaultLeaseDuration  = 2 * time.Minute
	DefaultMaxAttempts    = 3
	DefaultMaxConcurrency = 4
	DefaultAttemptTimeout = 90 * time.Second

	// retryBaseDelay is the first retry backoff; doubled per attempt with
	// jitter.
	retryBaseDelay = 30 * time.Second
)

// Executor delivers one kind of scheduled action. A returned error marks the
// attempt failed; retry eligibility is classified from the error the same way
// tool dispatch errors are.
type Executor interface {
	Deliver(ctx context.Context, a *Action) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, a *Action) error

func (f ExecutorFunc) Deliver(ctx context.Context, a *Action) error { return f(ctx, a) }

// FailureReporter is notified when an action exhausts its attempts. Used to
// surface delivery failures back into the scheduling conversation.
type FailureReporter func(ctx context.Context, a *Action, lastErr error)

// transienter mirrors the dispatch-side classification so provider errors can
// signal retryability without a package dependency.
type transienter interface {
	Transient() bool
}

// DaemonConfig configures the delivery daemon.
type DaemonConfig struct {
	// WorkerID identifies this daemon instance in leases. Defaults to
	// hostname plus a random suffix.
	WorkerID string

	// PollInterval is the gap between claim sweeps.
	PollInterval time.Duration

	// LeaseDuration is how long a claim is held. Must exceed AttemptTimeout
	// or a slow attempt could be double-delivered.
	LeaseDuration time.Duration

	// AttemptTimeout bounds a single delivery attempt.
	AttemptTimeout time.Duration

	// MaxAttempts bounds delivery attempts for actions that don't set their
	// own.
	MaxAttempts int

	// MaxConcurrency bounds in-flight deliveries per sweep.
	MaxConcurrency int
}

func (c *DaemonConfig) applyDefaults() {
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
}

// Daemon polls the store for due actions, claims them under a lease, and
// routes each to its kind's executor. Multiple daemons may run against the
// same store; the claim protocol keeps deliveries exclusive.
type Daemon struct {
	store     Store
	cfg       DaemonConfig
	executors map[string]Executor
	reporter  FailureReporter

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	cronParser cron.Parser
}

// DaemonOption configures a Daemon.
type DaemonOption func(*Daemon)

// WithDaemonLogger configures the daemon logger.
func WithDaemonLogger(logger *slog.Logger) DaemonOption {
	return func(d *Daemon) {
		if logger != nil {
			d.logger = logger.With("component", "scheduler")
		}
	}
}

// WithDaemonMetrics configures delivery metrics.
func WithDaemonMetrics(m *observability.Metrics) DaemonOption {
	return func(d *Daemon) { d.metrics = m }
}

// WithFailureReporter configures the exhaustion callback.
func WithFailureReporter(r FailureReporter) DaemonOption {
	return func(d *Daemon) { d.reporter = r }
}

// WithDaemonNow overrides the clock, for tests.
func WithDaemonNow(now func() time.Time) DaemonOption {
	return func(d *Daemon) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDaemon creates a delivery daemon.
func NewDaemon(store Store, cfg DaemonConfig, opts ...DaemonOption) *Daemon {
	cfg.applyDefaults()
	d := &Daemon{
		store:     store,
		cfg:       cfg,
		executors: make(map[string]Executor),
		logger:    slog.Default().With("component", "scheduler"),
		now:       time.Now,
		cronParser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterExecutor wires an executor for an action kind. Later registrations
// replace earlier ones.
func (d *Daemon) RegisterExecutor(kind string, e Executor) {
	d.executors[kind] = e
}

// WorkerID returns the identity this daemon claims leases under.
func (d *Daemon) WorkerID() string { return d.cfg.WorkerID }

// Run polls until ctx is cancelled. A sweep runs immediately on start so a
// restarted daemon drains overdue work without waiting out a poll interval.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("scheduler daemon starting",
		"worker_id", d.cfg.WorkerID,
		"poll_interval", d.cfg.PollInterval,
		"lease", d.cfg.LeaseDuration,
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.Sweep(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("scheduler daemon stopping", "worker_id", d.cfg.WorkerID)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep claims and delivers one batch of due actions. Exported so tests and
// the CLI can drive the daemon without the poll loop.
func (d *Daemon) Sweep(ctx context.Context) {
	now := d.now()

	if n, err := d.store.CountDue(ctx, now); err == nil {
		d.metrics.SetQueueDepth(n)
	}

	claimed, err := d.store.ClaimDue(ctx, d.cfg.WorkerID, now, d.cfg.LeaseDuration, d.cfg.MaxAttempts, d.cfg.MaxConcurrency)
	if err != nil {
		d.metrics.ObserveClaim("error")
		d.logger.Error("claim sweep failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		d.metrics.ObserveClaim("empty")
		return
	}
	d.metrics.ObserveClaim("claimed")

	var wg sync.WaitGroup
	for _, a := range claimed {
		wg.Add(1)
		go func(a *Action) {
			defer wg.Done()
			d.deliver(ctx, a)
		}(a)
	}
	wg.Wait()
}

func (d *Daemon) deliver(ctx context.Context, a *Action) {
	ctx, span := observability.StartDeliverySpan(ctx, a.ID, a.Attempts)
	defer span.End()

	logger := d.logger.With("action_id", a.ID, "kind", a.Kind, "attempt", a.Attempts)
	start := d.now()

	exec, ok := d.executors[a.Kind]
	if !ok {
		// No executor for this kind is a permanent misconfiguration, not a
		// retryable fault.
		err := fmt.Errorf("no executor registered for kind %q", a.Kind)
		span.RecordError(err)
		d.fail(ctx, a, err, false)
		d.metrics.ObserveDelivery("exhausted", d.now().Sub(start))
		logger.Error("delivery dropped", "error", err)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	err := exec.Deliver(attemptCtx, a)
	cancel()

	if err == nil {
		if markErr := d.store.MarkDelivered(ctx, a.ID, d.cfg.WorkerID); markErr != nil {
			logger.Warn("delivered but could not record outcome", "error", markErr)
			d.metrics.ObserveDelivery("lease_lost", d.now().Sub(start))
			return
		}
		d.metrics.ObserveDelivery("delivered", d.now().Sub(start))
		logger.Info("action delivered")
		d.recur(ctx, a, logger)
		return
	}

	span.RecordError(err)
	retryable := d.retryable(a, err)
	d.fail(ctx, a, err, retryable)
	if retryable {
		d.metrics.ObserveDelivery("retry", d.now().Sub(start))
		logger.Warn("delivery failed, will retry", "error", err)
	} else {
		d.metrics.ObserveDelivery("exhausted", d.now().Sub(start))
		logger.Error("delivery failed permanently", "error", err)
	}
}

// retryable: transient errors retry until the attempt budget runs out;
// permanent errors never retry.
func (d *Daemon) retryable(a *Action, err error) bool {
	max := a.MaxAttempts
	if max <= 0 {
		max = d.cfg.MaxAttempts
	}
	if a.Attempts >= max {
		return false
	}
	var t transienter
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	// Unclassified errors get the benefit of the doubt while budget remains.
	return true
}

func (d *Daemon) fail(ctx context.Context, a *Action, deliverErr error, retryable bool) {
	var retryAt time.Time
	if retryable {
		retryAt = d.now().Add(d.backoff(a.Attempts))
	}
	if err := d.store.MarkFailed(ctx, a.ID, d.cfg.WorkerID, deliverErr.Error(), retryAt); err != nil {
		d.logger.Warn("could not record failure", "action_id", a.ID, "error", err)
		return
	}
	if !retryable && d.reporter != nil {
		d.reporter(ctx, a, deliverErr)
	}
}

// recur requeues a recurring action at its next cron occurrence.
func (d *Daemon) recur(ctx context.Context, a *Action, logger *slog.Logger) {
	if a.CronExpr == "" {
		return
	}
	sched, err := d.cronParser.Parse(a.CronExpr)
	if err != nil {
		logger.Error("invalid cron expression on delivered action", "cron", a.CronExpr, "error", err)
		return
	}
	next := sched.Next(d.now())
	if err := d.store.Reschedule(ctx, a.ID, next); err != nil {
		logger.Error("could not reschedule recurring action", "error", err)
		return
	}
	logger.Info("recurring action rescheduled", "next_run", next)
}

// backoff is exponential on the attempt number with up to 25% jitter.
func (d *Daemon) backoff(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if delay > 10*time.Minute {
		delay = 10 * time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

