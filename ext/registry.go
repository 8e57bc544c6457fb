package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobSubmittedEntry struct {
	name string
	hook JobSubmitted
}

type jobFinishedEntry struct {
	name string
	hook JobFinished
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type taskQueuedEntry struct {
	name string
	hook TaskQueued
}

type taskDispatchedEntry struct {
	name string
	hook TaskDispatched
}

type taskSucceededEntry struct {
	name string
	hook TaskSucceeded
}

type taskFailedEntry struct {
	name string
	hook TaskFailed
}

type taskRetryingEntry struct {
	name string
	hook TaskRetrying
}

type taskSkippedEntry struct {
	name string
	hook TaskSkipped
}

type dedupHitEntry struct {
	name string
	hook DedupHit
}

type workerConnectedEntry struct {
	name string
	hook WorkerConnected
}

type workerLostEntry struct {
	name string
	hook WorkerLost
}

type scheduleFiredEntry struct {
	name string
	hook ScheduleFired
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobSubmitted    []jobSubmittedEntry
	jobFinished     []jobFinishedEntry
	jobCancelled    []jobCancelledEntry
	taskQueued      []taskQueuedEntry
	taskDispatched  []taskDispatchedEntry
	taskSucceeded   []taskSucceededEntry
	taskFailed      []taskFailedEntry
	taskRetrying    []taskRetryingEntry
	taskSkipped     []taskSkippedEntry
	dedupHit        []dedupHitEntry
	workerConnected []workerConnectedEntry
	workerLost      []workerLostEntry
	scheduleFired   []scheduleFiredEntry
	shutdown        []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobSubmitted); ok {
		r.jobSubmitted = append(r.jobSubmitted, jobSubmittedEntry{name, h})
	}
	if h, ok := e.(JobFinished); ok {
		r.jobFinished = append(r.jobFinished, jobFinishedEntry{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := e.(TaskQueued); ok {
		r.taskQueued = append(r.taskQueued, taskQueuedEntry{name, h})
	}
	if h, ok := e.(TaskDispatched); ok {
		r.taskDispatched = append(r.taskDispatched, taskDispatchedEntry{name, h})
	}
	if h, ok := e.(TaskSucceeded); ok {
		r.taskSucceeded = append(r.taskSucceeded, taskSucceededEntry{name, h})
	}
	if h, ok := e.(TaskFailed); ok {
		r.taskFailed = append(r.taskFailed, taskFailedEntry{name, h})
	}
	if h, ok := e.(TaskRetrying); ok {
		r.taskRetrying = append(r.taskRetrying, taskRetryingEntry{name, h})
	}
	if h, ok := e.(TaskSkipped); ok {
		r.taskSkipped = append(r.taskSkipped, taskSkippedEntry{name, h})
	}
	if h, ok := e.(DedupHit); ok {
		r.dedupHit = append(r.dedupHit, dedupHitEntry{name, h})
	}
	if h, ok := e.(WorkerConnected); ok {
		r.workerConnected = append(r.workerConnected, workerConnectedEntry{name, h})
	}
	if h, ok := e.(WorkerLost); ok {
		r.workerLost = append(r.workerLost, workerLostEntry{name, h})
	}
	if h, ok := e.(ScheduleFired); ok {
		r.scheduleFired = append(r.scheduleFired, scheduleFiredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobSubmitted notifies all extensions that implement JobSubmitted.
func (r *Registry) EmitJobSubmitted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobSubmitted {
		if err := e.hook.OnJobSubmitted(ctx, j); err != nil {
			r.logHookError("OnJobSubmitted", e.name, err)
		}
	}
}

// EmitJobFinished notifies all extensions that implement JobFinished.
func (r *Registry) EmitJobFinished(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobFinished {
		if err := e.hook.OnJobFinished(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobFinished", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Task event emitters
// ──────────────────────────────────────────────────

// EmitTaskQueued notifies all extensions that implement TaskQueued.
func (r *Registry) EmitTaskQueued(ctx context.Context, t *task.Task) {
	for _, e := range r.taskQueued {
		if err := e.hook.OnTaskQueued(ctx, t); err != nil {
			r.logHookError("OnTaskQueued", e.name, err)
		}
	}
}

// EmitTaskDispatched notifies all extensions that implement TaskDispatched.
func (r *Registry) EmitTaskDispatched(ctx context.Context, t *task.Task) {
	for _, e := range r.taskDispatched {
		if err := e.hook.OnTaskDispatched(ctx, t); err != nil {
			r.logHookError("OnTaskDispatched", e.name, err)
		}
	}
}

// EmitTaskSucceeded notifies all extensions that implement TaskSucceeded.
func (r *Registry) EmitTaskSucceeded(ctx context.Context, t *task.Task, res *task.Result) {
	for _, e := range r.taskSucceeded {
		if err := e.hook.OnTaskSucceeded(ctx, t, res); err != nil {
			r.logHookError("OnTaskSucceeded", e.name, err)
		}
	}
}

// EmitTaskFailed notifies all extensions that implement TaskFailed.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *task.Task, res *task.Result) {
	for _, e := range r.taskFailed {
		if err := e.hook.OnTaskFailed(ctx, t, res); err != nil {
			r.logHookError("OnTaskFailed", e.name, err)
		}
	}
}

// EmitTaskRetrying notifies all extensions that implement TaskRetrying.
func (r *Registry) EmitTaskRetrying(ctx context.Context, t *task.Task, attempt int, nextAt time.Time) {
	for _, e := range r.taskRetrying {
		if err := e.hook.OnTaskRetrying(ctx, t, attempt, nextAt); err != nil {
			r.logHookError("OnTaskRetrying", e.name, err)
		}
	}
}

// EmitTaskSkipped notifies all extensions that implement TaskSkipped.
func (r *Registry) EmitTaskSkipped(ctx context.Context, t *task.Task) {
	for _, e := range r.taskSkipped {
		if err := e.hook.OnTaskSkipped(ctx, t); err != nil {
			r.logHookError("OnTaskSkipped", e.name, err)
		}
	}
}

// EmitDedupHit notifies all extensions that implement DedupHit.
func (r *Registry) EmitDedupHit(ctx context.Context, t *task.Task, res *task.Result) {
	for _, e := range r.dedupHit {
		if err := e.hook.OnDedupHit(ctx, t, res); err != nil {
			r.logHookError("OnDedupHit", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Fleet event emitters
// ──────────────────────────────────────────────────

// EmitWorkerConnected notifies all extensions that implement WorkerConnected.
func (r *Registry) EmitWorkerConnected(ctx context.Context, s *fleet.Session) {
	for _, e := range r.workerConnected {
		if err := e.hook.OnWorkerConnected(ctx, s); err != nil {
			r.logHookError("OnWorkerConnected", e.name, err)
		}
	}
}

// EmitWorkerLost notifies all extensions that implement WorkerLost.
func (r *Registry) EmitWorkerLost(ctx context.Context, s *fleet.Session) {
	for _, e := range r.workerLost {
		if err := e.hook.OnWorkerLost(ctx, s); err != nil {
			r.logHookError("OnWorkerLost", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitScheduleFired notifies all extensions that implement ScheduleFired.
func (r *Registry) EmitScheduleFired(ctx context.Context, entryName string, jobID id.JobID) {
	for _, e := range r.scheduleFired {
		if err := e.hook.OnScheduleFired(ctx, entryName, jobID); err != nil {
			r.logHookError("OnScheduleFired", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
