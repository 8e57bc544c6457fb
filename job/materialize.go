package job

import (
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/task"
)

// Defaults supplies engine-level fallbacks for step policies that are
// left unset on the job itself.
type Defaults struct {
	MaxRetries int
	Timeout    time.Duration
	DedupTTL   time.Duration
}

// Materialize decomposes a job into tasks, one per step per target.
//
// Dependencies encode execution order: each task depends on the task of
// the same target at the previous step, except tasks of a barrier step,
// which depend on every task of the previous step fleet-wide. Step zero
// tasks have no dependencies and start queued; all others start pending
// and are promoted by the aggregator as their dependencies succeed.
func Materialize(j *Job, d Defaults) []*task.Task {
	now := time.Now().UTC()
	tasks := make([]*task.Task, 0, len(j.Steps)*len(j.Targets))

	prevByTarget := make(map[string]id.TaskID, len(j.Targets))
	var prevStep []id.TaskID

	for si, step := range j.Steps {
		retries := step.MaxRetries
		if retries < 0 {
			retries = d.MaxRetries
		}
		timeout := step.Timeout
		if timeout == 0 {
			timeout = d.Timeout
		} else if timeout < 0 {
			timeout = 0
		}
		dedupTTL := step.Dedup.TTL
		if step.Dedup.Enabled && dedupTTL == 0 {
			dedupTTL = d.DedupTTL
		}

		currByTarget := make(map[string]id.TaskID, len(j.Targets))
		currStep := make([]id.TaskID, 0, len(j.Targets))

		for _, target := range j.Targets {
			t := &task.Task{
				Entity:       directord.NewEntity(),
				ID:           id.NewTaskID(),
				JobID:        j.ID,
				Target:       target,
				StepIndex:    si,
				StepName:     step.Name,
				Payload:      step.Payload,
				Fingerprint:  task.Fingerprint(step.Payload, target),
				State:        task.StatePending,
				MaxAttempts:  retries + 1,
				Backoff:      step.Backoff,
				Timeout:      timeout,
				Optional:     step.Optional,
				Barrier:      step.Barrier,
				DedupEnabled: step.Dedup.Enabled,
				DedupTTL:     dedupTTL,
			}

			switch {
			case si == 0:
				queuedAt := now
				t.State = task.StateQueued
				t.QueuedAt = &queuedAt
			case step.Barrier:
				t.DependsOn = append([]id.TaskID(nil), prevStep...)
			default:
				t.DependsOn = []id.TaskID{prevByTarget[target]}
			}

			currByTarget[target] = t.ID
			currStep = append(currStep, t.ID)
			tasks = append(tasks, t)
		}

		prevByTarget = currByTarget
		prevStep = currStep
	}

	return tasks
}
