package redrive

import (
	"context"
	"log/slog"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
)

// Service replays terminally failed tasks through the job and task
// stores.
type Service struct {
	jobs   job.Store
	tasks  task.Store
	logger *slog.Logger
}

// NewService creates a redrive service.
func NewService(jobs job.Store, tasks task.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, tasks: tasks, logger: logger}
}

// redrivable reports whether the task can be replayed: failed with the
// attempt budget spent, or skipped because a dependency failed.
func redrivable(t *task.Task) bool {
	switch t.State {
	case task.StateFailed:
		return t.Exhausted()
	case task.StateSkipped:
		return true
	default:
		return false
	}
}

// ListFailed returns the job's tasks eligible for redrive.
func (s *Service) ListFailed(ctx context.Context, jobID id.JobID) ([]*task.Task, error) {
	tasks, err := s.tasks.ListTasksByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if redrivable(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// RedriveTask resets a single failed or skipped task. A failed task
// returns to the queue with a fresh attempt budget; a skipped task
// returns to pending and waits for its dependencies. The owning job is
// reopened.
func (s *Service) RedriveTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !redrivable(t) {
		return nil, directord.ErrNotRedrivable
	}
	if err := s.reset(ctx, t); err != nil {
		return nil, err
	}
	if err := s.reopenJob(ctx, t.JobID); err != nil {
		return nil, err
	}
	s.logger.Info("task redriven",
		slog.String("task_id", t.ID.String()),
		slog.String("job_id", t.JobID.String()),
		slog.String("state", string(t.State)),
	)
	return t, nil
}

// RedriveJob resets every redrivable task of a job and reopens it.
// Returns the number of tasks redriven.
func (s *Service) RedriveJob(ctx context.Context, jobID id.JobID) (int, error) {
	if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
		return 0, err
	}
	tasks, err := s.tasks.ListTasksByJob(ctx, jobID)
	if err != nil {
		return 0, err
	}

	var n int
	for _, t := range tasks {
		if !redrivable(t) {
			continue
		}
		if err := s.reset(ctx, t); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.reopenJob(ctx, jobID); err != nil {
		return n, err
	}
	s.logger.Info("job redriven",
		slog.String("job_id", jobID.String()),
		slog.Int("tasks", n),
	)
	return n, nil
}

// reset clears the execution fields and persists the resurrection
// transition: failed → queued, skipped → pending.
func (s *Service) reset(ctx context.Context, t *task.Task) error {
	from := t.State
	now := time.Now().UTC()

	t.Attempt = 0
	t.WorkerID = id.Nil
	t.LastError = ""
	t.NotBefore = time.Time{}
	t.Deadline = time.Time{}
	t.DispatchedAt = nil
	t.CompletedAt = nil

	switch from {
	case task.StateFailed:
		t.State = task.StateQueued
		t.QueuedAt = &now
	case task.StateSkipped:
		t.State = task.StatePending
		t.QueuedAt = nil
	default:
		return directord.ErrNotRedrivable
	}
	t.Touch()

	return s.tasks.TransitionTask(ctx, t, from)
}

// reopenJob clears the finished marker and recomputes status so the
// job reads as running again while the redriven tasks execute.
func (s *Service) reopenJob(ctx context.Context, jobID id.JobID) error {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	tasks, err := s.tasks.ListTasksByJob(ctx, jobID)
	if err != nil {
		return err
	}
	j.FinishedAt = nil
	j.Status = job.ComputeStatus(j, tasks)
	j.Touch()
	return s.jobs.UpdateJob(ctx, j)
}
