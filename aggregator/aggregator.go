package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/backoff"
	"github.com/sshnaidm/directord/dedup"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/ext"
	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
	"github.com/sshnaidm/directord/wire"
)

// Store is the slice of persistence the aggregator needs.
type Store interface {
	job.Store
	task.Store
}

// Releaser frees the dispatch admission slot a task held while in
// flight. The dispatcher's Limiter implements it.
type Releaser interface {
	Release(target string)
}

// Aggregator consumes transport traffic and owns every terminal task
// transition.
type Aggregator struct {
	store  Store
	cache  dedup.Cache
	fleet  *fleet.Registry
	driver driver.Driver

	limiter    Releaser
	extensions *ext.Registry
	logger     *slog.Logger

	defaultDedupTTL time.Duration
	staleAfter      time.Duration
	sweepInterval   time.Duration
	now             func() time.Time

	// wake nudges the dispatcher after tasks become queued.
	wake func()

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLimiter sets the admission limiter shared with the dispatcher.
func WithLimiter(l Releaser) Option {
	return func(a *Aggregator) { a.limiter = l }
}

// WithExtensions sets the lifecycle extension registry.
func WithExtensions(r *ext.Registry) Option {
	return func(a *Aggregator) { a.extensions = r }
}

// WithDedupTTL sets the entry lifetime used when a step enables dedup
// without naming its own TTL.
func WithDedupTTL(ttl time.Duration) Option {
	return func(a *Aggregator) {
		if ttl > 0 {
			a.defaultDedupTTL = ttl
		}
	}
}

// WithStaleAfter sets how long a silent worker session survives before
// the sweep declares it lost.
func WithStaleAfter(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.staleAfter = d
		}
	}
}

// WithSweepInterval sets how often stale sessions are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.sweepInterval = d
		}
	}
}

// WithWake sets the callback invoked after tasks become queued, so the
// dispatcher picks them up without waiting for its next tick.
func WithWake(wake func()) Option {
	return func(a *Aggregator) { a.wake = wake }
}

// WithClock injects the time source shared with the dispatcher.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an Aggregator.
func New(
	store Store,
	cache dedup.Cache,
	reg *fleet.Registry,
	drv driver.Driver,
	logger *slog.Logger,
	opts ...Option,
) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		store:           store,
		cache:           cache,
		fleet:           reg,
		driver:          drv,
		logger:          logger,
		defaultDedupTTL: time.Hour,
		staleAfter:      30 * time.Second,
		sweepInterval:   10 * time.Second,
		now:             func() time.Time { return time.Now().UTC() },
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the aggregation loop. It returns immediately.
func (a *Aggregator) Start(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}
	a.running = true

	a.logger.Info("aggregator starting")

	a.wg.Add(1)
	go a.run()
	return nil
}

// Stop signals the loop to stop and waits for it to drain.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	close(a.stopCh)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("aggregator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()

	inbound := a.driver.Inbound()
	events := a.driver.Events()

	for {
		select {
		case <-a.stopCh:
			return
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			a.HandleMessage(context.Background(), msg)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.HandleEvent(context.Background(), ev)
		case <-ticker.C:
			a.sweepStale(context.Background())
		}
	}
}

// HandleMessage processes one inbound frame. Exported so tests and
// single-binary embeddings can drive the aggregator directly.
func (a *Aggregator) HandleMessage(ctx context.Context, msg driver.Message) {
	if msg.Frame == nil {
		return
	}

	switch msg.Frame.Method {
	case wire.MethodAck:
		a.handleAck(ctx, msg)
	case wire.MethodResult:
		a.handleResult(ctx, msg)
	case wire.MethodHeartbeat:
		a.handleHeartbeat(ctx, msg)
	default:
		a.logger.Debug("unhandled inbound method",
			slog.String("method", msg.Frame.Method),
			slog.String("target", msg.Target),
		)
	}
}

// HandleEvent processes one session lifecycle event.
func (a *Aggregator) HandleEvent(ctx context.Context, ev driver.Event) {
	switch ev.Type {
	case driver.EventConnected:
		a.handleConnected(ctx, ev)
	case driver.EventDisconnected:
		a.handleDisconnected(ctx, ev)
	}
}

// ── Session lifecycle ───────────────────────────────

func (a *Aggregator) handleConnected(ctx context.Context, ev driver.Event) {
	now := ev.At
	if now.IsZero() {
		now = a.now()
	}
	sess := &fleet.Session{
		WorkerID:      ev.WorkerID,
		Target:        ev.Target,
		Labels:        ev.Labels,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}

	if replaced := a.fleet.Register(sess); replaced != nil {
		a.logger.Info("worker session replaced",
			slog.String("target", ev.Target),
			slog.String("old_worker_id", replaced.WorkerID.String()),
			slog.String("worker_id", ev.WorkerID.String()),
		)
	} else {
		a.logger.Info("worker connected",
			slog.String("target", ev.Target),
			slog.String("worker_id", ev.WorkerID.String()),
		)
	}

	if a.extensions != nil {
		a.extensions.EmitWorkerConnected(ctx, sess)
	}

	// A fresh session may unblock queued work for this target.
	a.nudge()
}

func (a *Aggregator) handleDisconnected(ctx context.Context, ev driver.Event) {
	sess := a.fleet.Deregister(ev.WorkerID)
	if sess == nil {
		return
	}

	a.logger.Info("worker disconnected",
		slog.String("target", sess.Target),
		slog.String("worker_id", sess.WorkerID.String()),
	)

	// The in-flight task, if any, is left alone: the agent may still be
	// executing and can deliver a buffered result after reconnecting.
	// The dispatcher's deadline watchdog covers the other outcome.

	if a.extensions != nil {
		a.extensions.EmitWorkerLost(ctx, sess)
	}
}

func (a *Aggregator) sweepStale(ctx context.Context) {
	lost := a.fleet.Sweep(a.now(), a.staleAfter)
	for _, sess := range lost {
		a.logger.Warn("worker heartbeat stale, session dropped",
			slog.String("target", sess.Target),
			slog.String("worker_id", sess.WorkerID.String()),
		)
		if a.extensions != nil {
			a.extensions.EmitWorkerLost(ctx, sess)
		}
	}
}

// ── Heartbeats ──────────────────────────────────────

func (a *Aggregator) handleHeartbeat(ctx context.Context, msg driver.Message) {
	var hb wire.HeartbeatMessage
	if err := json.Unmarshal(msg.Frame.Data, &hb); err != nil {
		a.logger.Warn("malformed heartbeat", slog.String("target", msg.Target))
		return
	}

	if err := a.fleet.Heartbeat(msg.WorkerID, a.now()); err != nil {
		// Unknown session: swept or replaced. No ack; the agent will
		// enter drain mode and reconnect.
		a.logger.Debug("heartbeat from unknown worker",
			slog.String("worker_id", msg.WorkerID.String()),
		)
		return
	}

	ack, err := wire.NewEventFrame(wire.MethodHeartbeatAck, wire.HeartbeatMessage{
		Target: msg.Target,
		At:     a.now(),
	})
	if err != nil {
		return
	}
	if err := a.driver.Send(ctx, msg.Target, ack); err != nil &&
		!errors.Is(err, directord.ErrNotConnected) {
		a.logger.Debug("heartbeat ack send failed",
			slog.String("target", msg.Target),
			slog.String("error", err.Error()),
		)
	}
}

// ── Acks ────────────────────────────────────────────

func (a *Aggregator) handleAck(ctx context.Context, msg driver.Message) {
	var ack wire.AckMessage
	if err := json.Unmarshal(msg.Frame.Data, &ack); err != nil {
		a.logger.Warn("malformed ack", slog.String("target", msg.Target))
		return
	}

	taskID, err := id.ParseTaskID(ack.TaskID)
	if err != nil {
		return
	}

	t, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if t.State != task.StateDispatched || ack.Attempt != t.Attempt {
		// Duplicate or stale ack.
		return
	}

	running := t.Clone()
	running.State = task.StateRunning
	running.Touch()
	if err := a.store.TransitionTask(ctx, running, task.StateDispatched); err != nil &&
		!errors.Is(err, directord.ErrStateConflict) {
		a.logger.Error("ack transition failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ── Results ─────────────────────────────────────────

func (a *Aggregator) handleResult(ctx context.Context, msg driver.Message) {
	var rm wire.ResultMessage
	if err := json.Unmarshal(msg.Frame.Data, &rm); err != nil {
		a.logger.Warn("malformed result", slog.String("target", msg.Target))
		return
	}

	taskID, err := id.ParseTaskID(rm.TaskID)
	if err != nil {
		return
	}

	t, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, directord.ErrTaskNotFound) {
			// Result for pruned work; nothing to update.
			return
		}
		a.logger.Error("result task lookup failed",
			slog.String("task_id", rm.TaskID),
			slog.String("error", err.Error()),
		)
		return
	}

	// Idempotence: a replayed result for a terminal task is a no-op.
	if t.State.Terminal() {
		a.logger.Debug("duplicate result for terminal task dropped",
			slog.String("task_id", t.ID.String()),
			slog.String("state", string(t.State)),
		)
		return
	}

	// A result from a previous attempt is stale; the live attempt will
	// produce its own.
	if rm.Attempt != t.Attempt {
		a.logger.Debug("stale-attempt result dropped",
			slog.String("task_id", t.ID.String()),
			slog.Int("result_attempt", rm.Attempt),
			slog.Int("task_attempt", t.Attempt),
		)
		return
	}

	// Only a dispatched or running task holds fleet and limiter slots
	// for this attempt. Anything else here means the deadline watchdog
	// already failed the attempt and requeued the task; its slots were
	// released then, and the watchdog's outcome stands.
	if t.State != task.StateDispatched && t.State != task.StateRunning {
		a.logger.Debug("late result for requeued task dropped",
			slog.String("task_id", t.ID.String()),
			slog.String("state", string(t.State)),
		)
		return
	}

	res := &task.Result{
		ID:         id.NewResultID(),
		TaskID:     t.ID,
		JobID:      t.JobID,
		WorkerID:   msg.WorkerID,
		Attempt:    rm.Attempt,
		Status:     task.ExitStatus(rm.Status),
		Output:     rm.Output,
		Error:      rm.Error,
		Duration:   rm.Duration,
		RecordedAt: a.now(),
	}

	a.releaseFlight(t)

	j, err := a.store.GetJob(ctx, t.JobID)
	if err != nil {
		a.logger.Error("result job lookup failed",
			slog.String("job_id", t.JobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if j.CancelRequested {
		// Accepted but ignored: the result is recorded for the audit
		// trail, the task ends cancelled, and nothing downstream moves.
		if err := a.store.AppendResult(ctx, res); err != nil {
			a.logger.Error("result append failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		a.cancelInFlight(ctx, t)
		return
	}

	if err := a.store.AppendResult(ctx, res); err != nil {
		a.logger.Error("result append failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if res.OK() {
		a.succeed(ctx, t, res)
	} else {
		a.fail(ctx, t, res.Error)
	}
}

// releaseFlight frees the fleet and limiter slots a task held.
func (a *Aggregator) releaseFlight(t *task.Task) {
	if !t.WorkerID.IsNil() {
		if sess := a.fleet.Get(t.WorkerID); sess != nil && sess.InFlight == t.ID {
			a.fleet.ClearInFlight(t.WorkerID)
		}
	}
	if a.limiter != nil {
		a.limiter.Release(t.Target)
	}
}

func (a *Aggregator) cancelInFlight(ctx context.Context, t *task.Task) {
	now := a.now()
	cancelled := t.Clone()
	cancelled.State = task.StateCancelled
	cancelled.CompletedAt = &now
	cancelled.Touch()
	if err := a.store.TransitionTask(ctx, cancelled, t.State); err != nil &&
		!errors.Is(err, directord.ErrStateConflict) {
		a.logger.Error("cancel transition failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// succeed finishes a task successfully: terminal transition, dedup
// write, dependent unblocking, job recomputation.
func (a *Aggregator) succeed(ctx context.Context, t *task.Task, res *task.Result) {
	// Results may overtake acks on reconnect; promote through running
	// first so the state history stays legal.
	if t.State == task.StateDispatched {
		running := t.Clone()
		running.State = task.StateRunning
		running.Touch()
		if err := a.store.TransitionTask(ctx, running, task.StateDispatched); err != nil {
			if !errors.Is(err, directord.ErrStateConflict) {
				a.logger.Error("promote transition failed",
					slog.String("task_id", t.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		t = running
	}

	now := a.now()
	done := t.Clone()
	done.State = task.StateSucceeded
	done.CompletedAt = &now
	done.LastError = ""
	done.Touch()

	if err := a.store.TransitionTask(ctx, done, t.State); err != nil {
		if !errors.Is(err, directord.ErrStateConflict) {
			a.logger.Error("success transition failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	a.logger.Info("task succeeded",
		slog.String("task_id", done.ID.String()),
		slog.String("target", done.Target),
		slog.Int("attempt", done.Attempt),
		slog.Duration("duration", res.Duration),
	)

	a.writeDedup(ctx, done, res)

	if a.extensions != nil {
		a.extensions.EmitTaskSucceeded(ctx, done, res)
	}

	a.unblockDependents(ctx, done)
	a.recomputeJob(ctx, done.JobID)
}

// fail records a failed attempt and either re-queues the task with a
// backoff delay or finishes it terminally with a skip cascade.
func (a *Aggregator) fail(ctx context.Context, t *task.Task, reason string) {
	now := a.now()
	failed := t.Clone()
	failed.State = task.StateFailed
	failed.LastError = reason
	failed.CompletedAt = &now
	failed.Touch()

	if err := a.store.TransitionTask(ctx, failed, t.State); err != nil {
		if !errors.Is(err, directord.ErrStateConflict) {
			a.logger.Error("failure transition failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if !failed.Exhausted() {
		a.requeue(ctx, failed)
		return
	}

	a.logger.Warn("task failed terminally",
		slog.String("task_id", failed.ID.String()),
		slog.String("target", failed.Target),
		slog.Int("attempt", failed.Attempt),
		slog.String("error", reason),
	)

	if a.extensions != nil {
		res, err := a.store.LastResult(ctx, failed.ID)
		if err != nil {
			res = nil
		}
		a.extensions.EmitTaskFailed(ctx, failed, res)
	}

	a.skipDependents(ctx, failed)
	a.recomputeJob(ctx, failed.JobID)
}

// requeue puts a failed task back in the queue after its backoff delay.
func (a *Aggregator) requeue(ctx context.Context, t *task.Task) {
	now := a.now()
	delay := backoff.FromConfig(t.Backoff).Delay(t.Attempt)
	nextAt := now.Add(delay)

	queued := t.Clone()
	queued.State = task.StateQueued
	queued.WorkerID = id.Nil
	queued.NotBefore = nextAt
	queued.QueuedAt = &now
	queued.DispatchedAt = nil
	queued.CompletedAt = nil
	queued.Deadline = time.Time{}
	queued.Touch()

	if err := a.store.TransitionTask(ctx, queued, task.StateFailed); err != nil {
		if !errors.Is(err, directord.ErrStateConflict) {
			a.logger.Error("requeue transition failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	a.logger.Info("task retrying",
		slog.String("task_id", queued.ID.String()),
		slog.String("target", queued.Target),
		slog.Int("attempt", queued.Attempt),
		slog.Duration("delay", delay),
	)

	if a.extensions != nil {
		a.extensions.EmitTaskRetrying(ctx, queued, queued.Attempt, nextAt)
	}
}

// writeDedup records the successful outcome in the deduplication cache.
func (a *Aggregator) writeDedup(ctx context.Context, t *task.Task, res *task.Result) {
	if !t.DedupEnabled || a.cache == nil {
		return
	}

	ttl := t.DedupTTL
	if ttl <= 0 {
		ttl = a.defaultDedupTTL
	}

	entry := &dedup.Entry{
		Fingerprint: t.Fingerprint,
		Target:      t.Target,
		TaskID:      t.ID,
		ResultID:    res.ID,
		Output:      res.Output,
		CompletedAt: res.RecordedAt,
		ExpiresAt:   a.now().Add(ttl),
	}
	if err := a.cache.PutEntry(ctx, entry); err != nil {
		a.logger.Warn("dedup write failed",
			slog.String("fingerprint", t.Fingerprint),
			slog.String("error", err.Error()),
		)
	}
}

// ── Dispatcher-facing completions ───────────────────

// CompleteFromCache satisfies a queued task from a live deduplication
// entry without any dispatch. Called by the dispatcher.
func (a *Aggregator) CompleteFromCache(ctx context.Context, t *task.Task, e *dedup.Entry) error {
	now := a.now()
	done := t.Clone()
	done.State = task.StateSucceeded
	done.CompletedAt = &now
	done.Touch()

	if err := a.store.TransitionTask(ctx, done, task.StateQueued); err != nil {
		return err
	}

	res := &task.Result{
		ID:         id.NewResultID(),
		TaskID:     done.ID,
		JobID:      done.JobID,
		Attempt:    done.Attempt,
		Status:     task.ExitSuccess,
		Output:     e.Output,
		Cached:     true,
		RecordedAt: now,
	}
	if err := a.store.AppendResult(ctx, res); err != nil {
		a.logger.Error("cached result append failed",
			slog.String("task_id", done.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if a.extensions != nil {
		a.extensions.EmitDedupHit(ctx, done, res)
		a.extensions.EmitTaskSucceeded(ctx, done, res)
	}

	a.unblockDependents(ctx, done)
	a.recomputeJob(ctx, done.JobID)
	return nil
}

// FailOverdue expires a dispatched or running task whose deadline has
// passed. A partitioned worker cannot report its own timeout, so the
// control plane records a synthetic failure result and routes the task
// through the ordinary retry path. Called by the dispatcher.
func (a *Aggregator) FailOverdue(ctx context.Context, t *task.Task) error {
	fresh, err := a.store.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if fresh.State != task.StateDispatched && fresh.State != task.StateRunning {
		return directord.ErrStateConflict
	}

	res := &task.Result{
		ID:         id.NewResultID(),
		TaskID:     fresh.ID,
		JobID:      fresh.JobID,
		WorkerID:   fresh.WorkerID,
		Attempt:    fresh.Attempt,
		Status:     task.ExitFailure,
		Error:      "deadline exceeded",
		RecordedAt: a.now(),
	}
	if err := a.store.AppendResult(ctx, res); err != nil {
		a.logger.Error("timeout result append failed",
			slog.String("task_id", fresh.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	a.releaseFlight(fresh)
	a.fail(ctx, fresh, "deadline exceeded")
	return nil
}

// ── Dependents and job status ───────────────────────

// unblockDependents promotes pending tasks whose dependencies have all
// succeeded.
func (a *Aggregator) unblockDependents(ctx context.Context, done *task.Task) {
	siblings, err := a.store.ListTasksByJob(ctx, done.JobID)
	if err != nil {
		a.logger.Error("dependent listing failed",
			slog.String("job_id", done.JobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	states := make(map[id.TaskID]task.State, len(siblings))
	for _, s := range siblings {
		states[s.ID] = s.State
	}

	woke := false
	now := a.now()
	for _, s := range siblings {
		if s.State != task.StatePending || !dependsOn(s, done.ID) {
			continue
		}
		if !allSucceeded(s.DependsOn, states) {
			continue
		}

		queued := s.Clone()
		queued.State = task.StateQueued
		queued.QueuedAt = &now
		queued.Touch()
		if err := a.store.TransitionTask(ctx, queued, task.StatePending); err != nil {
			if !errors.Is(err, directord.ErrStateConflict) {
				a.logger.Error("unblock transition failed",
					slog.String("task_id", s.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if a.extensions != nil {
			a.extensions.EmitTaskQueued(ctx, queued)
		}
		woke = true
	}

	if woke {
		a.nudge()
	}
}

// skipDependents cascades a terminal failure: every pending task that
// can no longer have all its dependencies succeed moves to skipped,
// transitively.
func (a *Aggregator) skipDependents(ctx context.Context, failed *task.Task) {
	siblings, err := a.store.ListTasksByJob(ctx, failed.JobID)
	if err != nil {
		a.logger.Error("dependent listing failed",
			slog.String("job_id", failed.JobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	byID := make(map[id.TaskID]*task.Task, len(siblings))
	for _, s := range siblings {
		byID[s.ID] = s
	}

	now := a.now()
	for changed := true; changed; {
		changed = false
		for _, s := range siblings {
			if s.State != task.StatePending || !anyDoomed(s.DependsOn, byID) {
				continue
			}

			skipped := s.Clone()
			skipped.State = task.StateSkipped
			skipped.CompletedAt = &now
			skipped.Touch()
			if err := a.store.TransitionTask(ctx, skipped, task.StatePending); err != nil {
				if !errors.Is(err, directord.ErrStateConflict) {
					a.logger.Error("skip transition failed",
						slog.String("task_id", s.ID.String()),
						slog.String("error", err.Error()),
					)
				}
				continue
			}

			s.State = task.StateSkipped
			changed = true

			a.logger.Info("task skipped",
				slog.String("task_id", s.ID.String()),
				slog.String("target", s.Target),
				slog.String("step", s.StepName),
			)
			if a.extensions != nil {
				a.extensions.EmitTaskSkipped(ctx, skipped)
			}
		}
	}
}

// recomputeJob rederives the job status from its tasks and persists the
// snapshot when it moved.
func (a *Aggregator) recomputeJob(ctx context.Context, jobID id.JobID) {
	j, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		a.logger.Error("job lookup failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if j.Status.Terminal() {
		return
	}

	tasks, err := a.store.ListTasksByJob(ctx, jobID)
	if err != nil {
		a.logger.Error("job task listing failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	status := job.ComputeStatus(j, tasks)
	if status == j.Status {
		return
	}

	j.Status = status
	if status.Terminal() && j.FinishedAt == nil {
		now := a.now()
		j.FinishedAt = &now
	}
	j.Touch()

	if err := a.store.UpdateJob(ctx, j); err != nil {
		a.logger.Error("job status update failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if status.Terminal() {
		a.logger.Info("job finished",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("status", string(status)),
		)
		if a.extensions != nil {
			a.extensions.EmitJobFinished(ctx, j, j.FinishedAt.Sub(j.CreatedAt))
		}
	}
}

func (a *Aggregator) nudge() {
	if a.wake != nil {
		a.wake()
	}
}

func dependsOn(t *task.Task, dep id.TaskID) bool {
	for _, d := range t.DependsOn {
		if d == dep {
			return true
		}
	}
	return false
}

func allSucceeded(deps []id.TaskID, states map[id.TaskID]task.State) bool {
	for _, d := range deps {
		if states[d] != task.StateSucceeded {
			return false
		}
	}
	return true
}

// anyDoomed reports whether any dependency can never succeed. A failed
// dependency only dooms its dependents once its attempt budget is
// spent; a failed task awaiting requeue is still live.
func anyDoomed(deps []id.TaskID, byID map[id.TaskID]*task.Task) bool {
	for _, d := range deps {
		dep, ok := byID[d]
		if !ok {
			continue
		}
		switch dep.State {
		case task.StateFailed:
			if dep.Exhausted() {
				return true
			}
		case task.StateSkipped, task.StateCancelled:
			return true
		}
	}
	return false
}
