package job_test

import (
	"testing"

	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
)

func mkTasks(states ...task.State) []*task.Task {
	tasks := make([]*task.Task, len(states))
	for i, s := range states {
		tasks[i] = &task.Task{State: s}
	}
	return tasks
}

func TestComputeStatus(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*task.Task
		want  job.Status
	}{
		{
			name:  "all queued is pending",
			tasks: mkTasks(task.StateQueued, task.StatePending),
			want:  job.StatusPending,
		},
		{
			name:  "any dispatched is running",
			tasks: mkTasks(task.StateDispatched, task.StatePending),
			want:  job.StatusRunning,
		},
		{
			name:  "terminal mixed with live is running",
			tasks: mkTasks(task.StateSucceeded, task.StateQueued),
			want:  job.StatusRunning,
		},
		{
			name:  "all succeeded",
			tasks: mkTasks(task.StateSucceeded, task.StateSucceeded, task.StateSucceeded),
			want:  job.StatusSucceeded,
		},
		{
			name:  "one failure among successes is partial",
			tasks: mkTasks(task.StateSucceeded, task.StateFailed),
			want:  job.StatusPartiallyFailed,
		},
		{
			name:  "skip counts as damage",
			tasks: mkTasks(task.StateSucceeded, task.StateSkipped),
			want:  job.StatusPartiallyFailed,
		},
		{
			name:  "no successes at all is failed",
			tasks: mkTasks(task.StateFailed, task.StateSkipped),
			want:  job.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &job.Job{}
			if got := job.ComputeStatus(j, tt.tasks); got != tt.want {
				t.Errorf("ComputeStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComputeStatusOptionalTolerated(t *testing.T) {
	tasks := []*task.Task{
		{State: task.StateSucceeded},
		{State: task.StateFailed, Optional: true},
		{State: task.StateSkipped, Optional: true},
	}

	if got := job.ComputeStatus(&job.Job{}, tasks); got != job.StatusSucceeded {
		t.Errorf("optional damage should be tolerated, got %q", got)
	}
}

func TestComputeStatusCancelDominates(t *testing.T) {
	j := &job.Job{CancelRequested: true}
	tasks := mkTasks(task.StateSucceeded, task.StateCancelled)

	if got := job.ComputeStatus(j, tasks); got != job.StatusCancelled {
		t.Errorf("ComputeStatus() = %q, want %q", got, job.StatusCancelled)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []job.Status{
		job.StatusSucceeded, job.StatusPartiallyFailed, job.StatusFailed, job.StatusCancelled,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	if job.StatusPending.Terminal() || job.StatusRunning.Terminal() {
		t.Error("pending and running should not be terminal")
	}
}
