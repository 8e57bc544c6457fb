package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/dedup"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/ext"
	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
	"github.com/sshnaidm/directord/wire"
)

// Store is the slice of persistence the dispatcher needs.
type Store interface {
	job.Store
	task.Store
}

// Completer applies task outcomes that the dispatcher detects itself:
// cache hits and deadline expiries. The result aggregator implements
// it, keeping dependent unblocking and job status recomputation in one
// place.
type Completer interface {
	// CompleteFromCache moves a queued task straight to succeeded using
	// a live deduplication entry, without contacting a worker.
	CompleteFromCache(ctx context.Context, t *task.Task, e *dedup.Entry) error

	// FailOverdue fails a dispatched or running task whose deadline has
	// passed, routing it through the ordinary retry logic.
	FailOverdue(ctx context.Context, t *task.Task) error
}

// Dispatcher runs the dispatch loop.
type Dispatcher struct {
	store     Store
	cache     dedup.Cache
	fleet     *fleet.Registry
	driver    driver.Driver
	completer Completer

	limiter    *Limiter
	extensions *ext.Registry
	logger     *slog.Logger

	pollInterval time.Duration
	batchSize    int
	now          func() time.Time

	wakeCh  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter sets the dispatch admission limiter. The same limiter
// must be handed to the aggregator so completed tasks release their
// slots.
func WithLimiter(l *Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithExtensions sets the lifecycle extension registry.
func WithExtensions(r *ext.Registry) Option {
	return func(d *Dispatcher) { d.extensions = r }
}

// WithPollInterval sets how often the loop scans for ready tasks.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithBatchSize caps how many ready tasks one cycle considers.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithClock injects the time source. All deadline math in the control
// plane goes through one clock so skew cannot trigger timeout storms.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Dispatcher.
func New(
	store Store,
	cache dedup.Cache,
	reg *fleet.Registry,
	drv driver.Driver,
	completer Completer,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:        store,
		cache:        cache,
		fleet:        reg,
		driver:       drv,
		completer:    completer,
		logger:       logger,
		pollInterval: 500 * time.Millisecond,
		batchSize:    128,
		now:          func() time.Time { return time.Now().UTC() },
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.limiter == nil {
		d.limiter = NewLimiter(LimiterConfig{})
	}
	return d
}

// Limiter returns the dispatcher's admission limiter.
func (d *Dispatcher) Limiter() *Limiter { return d.limiter }

// Start launches the dispatch loop. It returns immediately.
func (d *Dispatcher) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	d.running = true

	d.logger.Info("dispatcher starting",
		slog.Duration("poll_interval", d.pollInterval),
		slog.Int("batch_size", d.batchSize),
	)

	d.wg.Add(1)
	go d.run()
	return nil
}

// Stop signals the loop to stop and waits for the current cycle to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake nudges the loop to run a cycle now instead of waiting for the
// next tick. Safe to call from any goroutine; extra wakes coalesce.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		case <-d.wakeCh:
		}
		d.Cycle(context.Background())
	}
}

// Cycle runs one dispatch pass: expire overdue tasks, then dispatch
// ready ones. Exported so tests and single-shot callers can drive the
// loop deterministically.
func (d *Dispatcher) Cycle(ctx context.Context) {
	d.expireOverdue(ctx)
	d.dispatchReady(ctx)
}

func (d *Dispatcher) expireOverdue(ctx context.Context) {
	overdue, err := d.store.ListOverdueTasks(ctx, d.now())
	if err != nil {
		d.logger.Error("overdue scan failed", slog.String("error", err.Error()))
		return
	}

	for _, t := range overdue {
		if err := d.completer.FailOverdue(ctx, t); err != nil {
			// A conflict means the result arrived between the scan and
			// the transition; the aggregator won the race.
			if errors.Is(err, directord.ErrStateConflict) {
				continue
			}
			d.logger.Error("overdue task expiry failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (d *Dispatcher) dispatchReady(ctx context.Context) {
	ready, err := d.store.ListReadyTasks(ctx, d.now(), d.batchSize)
	if err != nil {
		d.logger.Error("ready scan failed", slog.String("error", err.Error()))
		return
	}

	// Jobs are read once per cycle; a cancellation request is therefore
	// always observed before the next dispatch of that job's tasks.
	jobs := make(map[id.JobID]*job.Job, 4)

	for _, t := range ready {
		j, ok := jobs[t.JobID]
		if !ok {
			j, err = d.store.GetJob(ctx, t.JobID)
			if err != nil {
				d.logger.Error("job lookup failed",
					slog.String("job_id", t.JobID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			jobs[t.JobID] = j
		}

		if j.CancelRequested {
			d.cancelTask(ctx, t)
			continue
		}

		if d.tryDedup(ctx, t) {
			continue
		}

		d.dispatch(ctx, t)
	}
}

// tryDedup reports whether the task was satisfied from the cache.
func (d *Dispatcher) tryDedup(ctx context.Context, t *task.Task) bool {
	if !t.DedupEnabled || d.cache == nil {
		return false
	}

	entry, err := d.cache.LookupEntry(ctx, t.Fingerprint, d.now())
	if err != nil {
		d.logger.Warn("dedup lookup failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	if entry == nil {
		return false
	}

	if err := d.completer.CompleteFromCache(ctx, t, entry); err != nil {
		if !errors.Is(err, directord.ErrStateConflict) {
			d.logger.Error("dedup completion failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	d.logger.Debug("task satisfied from dedup cache",
		slog.String("task_id", t.ID.String()),
		slog.String("fingerprint", t.Fingerprint),
	)
	return true
}

func (d *Dispatcher) dispatch(ctx context.Context, t *task.Task) {
	sess := d.fleet.Lookup(t.Target)
	if sess == nil || !sess.Idle() {
		// No eligible worker is a deferral, not an error.
		return
	}

	if !d.limiter.Acquire(t.Target) {
		return
	}

	now := d.now()
	dispatched := t.Clone()
	dispatched.State = task.StateDispatched
	dispatched.Attempt++
	dispatched.WorkerID = sess.WorkerID
	dispatched.DispatchedAt = &now
	if dispatched.Timeout > 0 {
		dispatched.Deadline = now.Add(dispatched.Timeout)
	} else {
		dispatched.Deadline = time.Time{}
	}
	dispatched.Touch()

	if err := d.store.TransitionTask(ctx, dispatched, task.StateQueued); err != nil {
		d.limiter.Release(t.Target)
		if !errors.Is(err, directord.ErrStateConflict) {
			d.logger.Error("dispatch transition failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := d.fleet.SetInFlight(sess.WorkerID, dispatched.ID); err != nil {
		// The session vanished after the lookup; revert and let the
		// next cycle find a fresh one.
		d.revert(ctx, dispatched)
		return
	}

	if err := d.send(ctx, dispatched); err != nil {
		d.fleet.ClearInFlight(sess.WorkerID)
		d.revert(ctx, dispatched)
		if !errors.Is(err, directord.ErrNotConnected) {
			d.logger.Warn("task send failed",
				slog.String("task_id", dispatched.ID.String()),
				slog.String("target", dispatched.Target),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if d.extensions != nil {
		d.extensions.EmitTaskDispatched(ctx, dispatched)
	}

	d.logger.Debug("task dispatched",
		slog.String("task_id", dispatched.ID.String()),
		slog.String("target", dispatched.Target),
		slog.Int("attempt", dispatched.Attempt),
	)
}

func (d *Dispatcher) send(ctx context.Context, t *task.Task) error {
	frame, err := wire.NewEventFrame(wire.MethodTask, wire.TaskMessage{
		TaskID:     t.ID.String(),
		JobID:      t.JobID.String(),
		StepName:   t.StepName,
		Kind:       t.Payload.Kind,
		Parameters: t.Payload.Parameters,
		Attempt:    t.Attempt,
		Deadline:   t.Deadline,
	})
	if err != nil {
		return err
	}
	frame.Target = t.Target
	return d.driver.Send(ctx, t.Target, frame)
}

// revert returns a freshly dispatched task to the queue without
// consuming an attempt. Used when the send never reached the agent.
func (d *Dispatcher) revert(ctx context.Context, t *task.Task) {
	d.limiter.Release(t.Target)

	reverted := t.Clone()
	reverted.State = task.StateQueued
	reverted.Attempt--
	reverted.WorkerID = id.Nil
	reverted.DispatchedAt = nil
	reverted.Deadline = time.Time{}
	reverted.Touch()

	if err := d.store.TransitionTask(ctx, reverted, task.StateDispatched); err != nil {
		d.logger.Error("dispatch revert failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) cancelTask(ctx context.Context, t *task.Task) {
	now := d.now()
	cancelled := t.Clone()
	cancelled.State = task.StateCancelled
	cancelled.CompletedAt = &now
	cancelled.Touch()

	if err := d.store.TransitionTask(ctx, cancelled, t.State); err != nil {
		if !errors.Is(err, directord.ErrStateConflict) {
			d.logger.Error("task cancel failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
