package task

import (
	"context"
	"time"

	"github.com/sshnaidm/directord/id"
)

// ListOpts controls pagination for task list queries.
type ListOpts struct {
	// Limit is the maximum number of tasks to return. Zero means no limit.
	Limit int
	// Offset is the number of tasks to skip.
	Offset int
}

// Store defines the persistence contract for tasks and their results.
//
// The dispatcher mutates state via TransitionTask (queued → dispatched),
// the aggregator via the same call (terminal transitions and retries);
// no other component writes task state.
type Store interface {
	// InsertTasks persists the decomposed tasks of a newly submitted job.
	InsertTasks(ctx context.Context, tasks []*Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// ListTasksByJob returns all tasks of a job ordered by step index,
	// then target.
	ListTasksByJob(ctx context.Context, jobID id.JobID) ([]*Task, error)

	// ListTasksByState returns tasks in the given state ordered by
	// creation time.
	ListTasksByState(ctx context.Context, state State, opts ListOpts) ([]*Task, error)

	// ListReadyTasks returns queued tasks whose NotBefore has passed,
	// ordered by QueuedAt ascending (FIFO), up to limit.
	ListReadyTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// ListOverdueTasks returns dispatched or running tasks whose
	// deadline has passed. The dispatcher is authoritative for timeout
	// detection.
	ListOverdueTasks(ctx context.Context, now time.Time) ([]*Task, error)

	// TransitionTask persists t in full, provided the stored record is
	// still in state from. It returns ErrStateConflict when another
	// actor moved the task first, and ErrInvalidTransition when the
	// state machine forbids from → t.State.
	TransitionTask(ctx context.Context, t *Task, from State) error

	// CountTasksByState tallies a job's tasks per state.
	CountTasksByState(ctx context.Context, jobID id.JobID) (map[State]int, error)

	// AppendResult records an execution attempt outcome. Results are
	// append-only.
	AppendResult(ctx context.Context, r *Result) error

	// ListResults returns all recorded results for a task ordered by
	// attempt.
	ListResults(ctx context.Context, taskID id.TaskID) ([]*Result, error)

	// LastResult returns the most recent result for a task, or
	// ErrResultNotFound when none exists.
	LastResult(ctx context.Context, taskID id.TaskID) (*Result, error)
}
