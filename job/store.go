package job

import (
	"context"
	"time"

	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/task"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for jobs.
type Store interface {
	// SubmitJob persists a job together with its decomposed tasks in one
	// atomic operation, so a crash cannot leave a job without tasks.
	SubmitJob(ctx context.Context, j *Job, tasks []*task.Task) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// ListJobs returns jobs matching the given options, newest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// MarkJobCancelled sets the cancellation flag and returns the
	// updated job. Returns ErrJobFinished when the job is already
	// terminal; the flag is not set in that case.
	MarkJobCancelled(ctx context.Context, jobID id.JobID) (*Job, error)

	// PruneJobs removes terminal jobs finished before cutoff, along with
	// their tasks and results. Returns the number of jobs removed.
	PruneJobs(ctx context.Context, cutoff time.Time) (int, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts ListOpts) (int64, error)
}
