package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/aggregator"
	"github.com/sshnaidm/directord/dispatcher"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/ext"
	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/observability"
	"github.com/sshnaidm/directord/redrive"
	"github.com/sshnaidm/directord/schedule"
	"github.com/sshnaidm/directord/store"
	"github.com/sshnaidm/directord/stream"
	"github.com/sshnaidm/directord/task"
	"github.com/sshnaidm/directord/wire"
)

// Engine is the assembled control plane. Build one with Build(); run
// its lifecycle through the Director (Start/Stop).
type Engine struct {
	d      *directord.Director
	store  store.Store
	driver driver.Driver

	extensions *ext.Registry
	fleet      *fleet.Registry
	broker     *stream.Broker
	limiter    *dispatcher.Limiter

	dispatcher *dispatcher.Dispatcher
	aggregator *aggregator.Aggregator
	scheduler  *schedule.Scheduler
	redrive    *redrive.Service

	// OpenTelemetry meter provider (optional; nil means use global).
	meterProvider metric.MeterProvider

	schedOpts       []schedule.SchedulerOption
	janitorInterval time.Duration
	janitorCancel   context.CancelFunc
	janitor         *errgroup.Group

	now func() time.Time

	logger *slog.Logger
}

// JobStatus is a point-in-time view of one job: the record itself,
// every decomposed task, and the per-state tally. Reads are not
// transactional with ongoing dispatch; the snapshot may straddle a
// transition.
type JobStatus struct {
	Job    *job.Job           `json:"job"`
	Tasks  []*task.Task       `json:"tasks"`
	Counts map[task.State]int `json:"counts"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers a lifecycle extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the observability extension uses this provider instead of
// the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// WithClock injects the time source shared by the dispatcher,
// aggregator, and janitor.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) {
		if now != nil {
			eng.now = now
		}
	}
}

// WithSchedulerOptions forwards options to the schedule scheduler.
func WithSchedulerOptions(opts ...schedule.SchedulerOption) Option {
	return func(eng *Engine) {
		eng.schedOpts = append(eng.schedOpts, opts...)
	}
}

// WithJanitorInterval sets how often the retention janitor runs.
func WithJanitorInterval(d time.Duration) Option {
	return func(eng *Engine) {
		if d > 0 {
			eng.janitorInterval = d
		}
	}
}

// Build creates an Engine around an existing Director and a transport
// driver. The Director's store must implement the composite
// store.Store interface.
func Build(d *directord.Director, drv driver.Driver, opts ...Option) (*Engine, error) {
	log := d.Logger()

	if d.Store() == nil {
		return nil, directord.ErrNoStore
	}
	if drv == nil {
		return nil, directord.ErrNoDriver
	}
	st, ok := d.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("directord: store does not implement store.Store")
	}

	eng := &Engine{
		d:               d,
		store:           st,
		driver:          drv,
		extensions:      ext.NewRegistry(log),
		fleet:           fleet.NewRegistry(),
		janitorInterval: time.Minute,
		now:             func() time.Time { return time.Now().UTC() },
		logger:          log,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Register the observability metrics extension (custom provider or
	// global).
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/sshnaidm/directord/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// The stream broker republishes every lifecycle event to watch
	// subscribers; it participates as an ordinary extension.
	eng.broker = stream.NewBroker(log)
	eng.extensions.Register(eng.broker)

	cfg := d.Config()

	// One limiter shared by dispatcher (acquire) and aggregator
	// (release).
	eng.limiter = dispatcher.NewLimiter(dispatcher.LimiterConfig{
		MaxInFlight: cfg.MaxInFlight,
		PerTarget:   cfg.PerTargetInFlight,
	})

	eng.aggregator = aggregator.New(st, st, eng.fleet, drv, log,
		aggregator.WithLimiter(eng.limiter),
		aggregator.WithExtensions(eng.extensions),
		aggregator.WithDedupTTL(cfg.DedupTTL),
		aggregator.WithStaleAfter(cfg.WorkerStaleAfter),
		// Deferred through a closure: the dispatcher does not exist yet.
		aggregator.WithWake(func() { eng.dispatcher.Wake() }),
		aggregator.WithClock(eng.now),
	)

	eng.dispatcher = dispatcher.New(st, st, eng.fleet, drv, eng.aggregator, log,
		dispatcher.WithLimiter(eng.limiter),
		dispatcher.WithExtensions(eng.extensions),
		dispatcher.WithPollInterval(cfg.PollInterval),
		dispatcher.WithClock(eng.now),
	)

	eng.scheduler = schedule.NewScheduler(st, eng.Submit, eng.extensions, log, eng.schedOpts...)
	eng.redrive = redrive.NewService(st, st, log)

	// Wire back into the Director.
	d.SetCore(eng)
	d.SetExtensions(eng.extensions)

	return eng, nil
}

// ── Job intake ──────────────────────────────────────

// Submit resolves the definition's selector against the fleet,
// decomposes the job into tasks, and persists both atomically. Step
// zero tasks are queued immediately; the call returns without waiting
// for any dispatch.
func (eng *Engine) Submit(ctx context.Context, def *job.Definition) (*job.Job, error) {
	if def == nil || strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("directord: job name is required")
	}

	cfg := eng.d.Config()
	j := &job.Job{
		Entity:   directord.NewEntity(),
		ID:       id.NewJobID(),
		Name:     def.Name,
		Selector: def.Selector,
		Targets:  eng.fleet.ResolveSelector(def.Selector),
		Steps:    def.Steps,
		Status:   job.StatusPending,
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}

	tasks := job.Materialize(j, job.Defaults{
		MaxRetries: cfg.DefaultMaxRetries,
		Timeout:    cfg.DefaultTaskTimeout,
		DedupTTL:   cfg.DedupTTL,
	})
	if err := eng.store.SubmitJob(ctx, j, tasks); err != nil {
		return nil, fmt.Errorf("submit job %q: %w", def.Name, err)
	}

	eng.extensions.EmitJobSubmitted(ctx, j)
	for _, t := range tasks {
		if t.State == task.StateQueued {
			eng.extensions.EmitTaskQueued(ctx, t)
		}
	}
	eng.dispatcher.Wake()
	return j, nil
}

// SubmitOrchestration parses a YAML orchestration document and submits
// every job it declares, in document order. On a failed submission it
// returns the jobs already created along with the error.
func (eng *Engine) SubmitOrchestration(ctx context.Context, doc []byte) ([]*job.Job, error) {
	defs, err := job.ParseOrchestration(doc)
	if err != nil {
		return nil, err
	}
	jobs := make([]*job.Job, 0, len(defs))
	for _, def := range defs {
		j, err := eng.Submit(ctx, def)
		if err != nil {
			return jobs, fmt.Errorf("orchestration job %q: %w", def.Name, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ── Inspection ──────────────────────────────────────

// Status returns a snapshot of a job and all its tasks.
func (eng *Engine) Status(ctx context.Context, jobID id.JobID) (*JobStatus, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := eng.store.ListTasksByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counts, err := eng.store.CountTasksByState(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: j, Tasks: tasks, Counts: counts}, nil
}

// ListJobs returns jobs matching opts, newest first.
func (eng *Engine) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return eng.store.ListJobs(ctx, opts)
}

// CountJobs returns the number of jobs matching opts.
func (eng *Engine) CountJobs(ctx context.Context, opts job.ListOpts) (int64, error) {
	return eng.store.CountJobs(ctx, opts)
}

// Results returns every recorded attempt outcome for a task.
func (eng *Engine) Results(ctx context.Context, taskID id.TaskID) ([]*task.Result, error) {
	return eng.store.ListResults(ctx, taskID)
}

// ── Cancellation ────────────────────────────────────

// Cancel sets the job's cancellation flag. Tasks not yet dispatched
// stop at the next dispatch cycle; agents already executing an attempt
// get a best-effort cancel notice and their results are recorded
// without resurrecting the job.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := eng.store.MarkJobCancelled(ctx, jobID)
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitJobCancelled(ctx, j)

	// The aggregator never recomputes a cancelled job (late results are
	// recorded without moving anything), so the record is finalized
	// here.
	j.Status = job.StatusCancelled
	if j.FinishedAt == nil {
		now := eng.now()
		j.FinishedAt = &now
	}
	j.Touch()
	if err := eng.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	eng.extensions.EmitJobFinished(ctx, j, j.FinishedAt.Sub(j.CreatedAt))

	tasks, err := eng.store.ListTasksByJob(ctx, jobID)
	if err == nil {
		for _, t := range tasks {
			switch t.State {
			case task.StatePending, task.StateQueued:
				// Undispatched work is cancelled here; the dispatcher
				// would never reach a pending task whose dependency
				// chain the cancellation just severed.
				cancelled := t.Clone()
				cancelled.State = task.StateCancelled
				cancelled.CompletedAt = j.FinishedAt
				cancelled.Touch()
				if terr := eng.store.TransitionTask(ctx, cancelled, t.State); terr != nil &&
					!errors.Is(terr, directord.ErrStateConflict) {
					eng.logger.Error("task cancel failed",
						"task_id", t.ID.String(), "error", terr)
				}
			case task.StateDispatched, task.StateRunning:
				f, ferr := wire.NewEventFrame(wire.MethodCancel, wire.CancelMessage{TaskID: t.ID.String()})
				if ferr != nil {
					continue
				}
				if serr := eng.driver.Send(ctx, t.Target, f); serr != nil {
					eng.logger.Debug("cancel notice not delivered",
						"target", t.Target, "task_id", t.ID.String(), "error", serr)
				}
			}
		}
	}

	eng.dispatcher.Wake()
	return j, nil
}

// ── Watch streaming ─────────────────────────────────

// Watch subscribes to the live event stream of one job. The returned
// channel closes when cancel is called. Slow consumers drop events
// rather than stall the control plane.
func (eng *Engine) Watch(jobID id.JobID) (<-chan *stream.Event, func()) {
	subID := uuid.NewString()
	sub := eng.broker.Subscribe(subID, stream.JobTopic(jobID.String()))
	cancel := func() { eng.broker.RemoveSubscriber(subID) }
	return sub.C(), cancel
}

// ── Redrive ─────────────────────────────────────────

// RedriveTask re-queues one exhausted or skipped task.
func (eng *Engine) RedriveTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	t, err := eng.redrive.RedriveTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	eng.dispatcher.Wake()
	return t, nil
}

// RedriveJob re-queues every eligible task of a job and reports how
// many went back to the queue.
func (eng *Engine) RedriveJob(ctx context.Context, jobID id.JobID) (int, error) {
	n, err := eng.redrive.RedriveJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		eng.dispatcher.Wake()
	}
	return n, nil
}

// ListFailed returns a job's redrive-eligible tasks.
func (eng *Engine) ListFailed(ctx context.Context, jobID id.JobID) ([]*task.Task, error) {
	return eng.redrive.ListFailed(ctx, jobID)
}

// ── Schedules ───────────────────────────────────────

// RegisterSchedule validates the cron expression, computes the first
// run time, and persists the entry.
func (eng *Engine) RegisterSchedule(ctx context.Context, name, expr string, template job.Definition) (*schedule.Entry, error) {
	entry, err := schedule.NewEntry(name, expr, template)
	if err != nil {
		return nil, err
	}
	if err := eng.store.RegisterEntry(ctx, entry); err != nil {
		return nil, err
	}
	eng.logger.Info("schedule registered",
		"name", name, "schedule", expr)
	return entry, nil
}

// Schedules returns all registered schedule entries.
func (eng *Engine) Schedules(ctx context.Context) ([]*schedule.Entry, error) {
	return eng.store.ListEntries(ctx)
}

// SetScheduleEnabled pauses or resumes a schedule entry.
func (eng *Engine) SetScheduleEnabled(ctx context.Context, entryID id.ScheduleID, enabled bool) (*schedule.Entry, error) {
	entry, err := eng.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Enabled == enabled {
		return entry, nil
	}
	entry.Enabled = enabled
	entry.Touch()
	if err := eng.store.UpdateEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteSchedule removes a schedule entry.
func (eng *Engine) DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error {
	return eng.store.DeleteEntry(ctx, entryID)
}

// ── Fleet ───────────────────────────────────────────

// Fleet returns the currently connected worker sessions.
func (eng *Engine) Fleet() []*fleet.Session {
	return eng.fleet.List()
}

// InvalidateTarget drops every dedup cache entry recorded for a
// target, for when the node changed out from under the cache.
func (eng *Engine) InvalidateTarget(ctx context.Context, target string) (int, error) {
	return eng.store.InvalidateTarget(ctx, target)
}

// ── Lifecycle ───────────────────────────────────────

// Start launches the aggregator, dispatcher, scheduler, and (when job
// retention is configured) the janitor. Call through Director.Start.
func (eng *Engine) Start(ctx context.Context) error {
	// Aggregator first so no inbound frame is ever unconsumed.
	if err := eng.aggregator.Start(ctx); err != nil {
		return fmt.Errorf("start aggregator: %w", err)
	}
	if err := eng.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if eng.d.Config().JobRetention > 0 {
		jctx, cancel := context.WithCancel(context.Background())
		eng.janitorCancel = cancel
		g, gctx := errgroup.WithContext(jctx)
		g.Go(func() error {
			eng.janitorLoop(gctx)
			return nil
		})
		eng.janitor = g
	}
	return nil
}

// Stop drains the control loops in reverse start order, then closes
// the transport. Call through Director.Stop.
func (eng *Engine) Stop(ctx context.Context) error {
	var errs []error
	if err := eng.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if err := eng.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
	}
	if err := eng.aggregator.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop aggregator: %w", err))
	}
	if eng.janitorCancel != nil {
		eng.janitorCancel()
		_ = eng.janitor.Wait()
		eng.janitorCancel = nil
	}
	if err := eng.driver.Close(); err != nil && !errors.Is(err, directord.ErrDriverClosed) {
		errs = append(errs, fmt.Errorf("close driver: %w", err))
	}
	return errors.Join(errs...)
}

// janitorLoop prunes terminal jobs past their retention window and
// expired dedup entries.
func (eng *Engine) janitorLoop(ctx context.Context) {
	retention := eng.d.Config().JobRetention
	ticker := time.NewTicker(eng.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := eng.now()
			if n, err := eng.store.PruneJobs(ctx, now.Add(-retention)); err != nil {
				eng.logger.Warn("job prune failed", "error", err)
			} else if n > 0 {
				eng.logger.Info("pruned finished jobs", "count", n)
			}
			if n, err := eng.store.PurgeExpired(ctx, now); err != nil {
				eng.logger.Warn("dedup purge failed", "error", err)
			} else if n > 0 {
				eng.logger.Debug("purged expired dedup entries", "count", n)
			}
		}
	}
}

// ── Accessors ───────────────────────────────────────

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Broker returns the stream broker.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// FleetRegistry returns the fleet session registry.
func (eng *Engine) FleetRegistry() *fleet.Registry { return eng.fleet }

// Dispatcher returns the dispatcher.
func (eng *Engine) Dispatcher() *dispatcher.Dispatcher { return eng.dispatcher }

// Aggregator returns the aggregator.
func (eng *Engine) Aggregator() *aggregator.Aggregator { return eng.aggregator }

// Scheduler returns the schedule scheduler.
func (eng *Engine) Scheduler() *schedule.Scheduler { return eng.scheduler }

// Director returns the underlying Director.
func (eng *Engine) Director() *directord.Director { return eng.d }
