package ext

import (
	"context"
	"time"

	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobSubmitted is called after a job is accepted and its tasks are
// materialized.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobFinished is called when every task of a job has reached a terminal
// state. The job's Status field carries the final verdict.
type JobFinished interface {
	OnJobFinished(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobCancelled is called when cancellation is requested for a job.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskQueued is called when a task becomes eligible for dispatch.
type TaskQueued interface {
	OnTaskQueued(ctx context.Context, t *task.Task) error
}

// TaskDispatched is called after a task is handed to a worker agent.
type TaskDispatched interface {
	OnTaskDispatched(ctx context.Context, t *task.Task) error
}

// TaskSucceeded is called when an attempt reports success.
type TaskSucceeded interface {
	OnTaskSucceeded(ctx context.Context, t *task.Task, res *task.Result) error
}

// TaskFailed is called when a task fails with no retries remaining.
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *task.Task, res *task.Result) error
}

// TaskRetrying is called when an attempt fails but the task will be
// re-queued.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, nextAt time.Time) error
}

// TaskSkipped is called when a task is skipped because a dependency
// failed terminally.
type TaskSkipped interface {
	OnTaskSkipped(ctx context.Context, t *task.Task) error
}

// DedupHit is called when a task is satisfied from the deduplication
// cache instead of being executed.
type DedupHit interface {
	OnDedupHit(ctx context.Context, t *task.Task, res *task.Result) error
}

// ──────────────────────────────────────────────────
// Fleet hooks
// ──────────────────────────────────────────────────

// WorkerConnected is called when an agent session is established.
type WorkerConnected interface {
	OnWorkerConnected(ctx context.Context, s *fleet.Session) error
}

// WorkerLost is called when an agent disconnects or its heartbeats go
// stale.
type WorkerLost interface {
	OnWorkerLost(ctx context.Context, s *fleet.Session) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// ScheduleFired is called when a schedule entry triggers and submits a
// job.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, entryName string, jobID id.JobID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
