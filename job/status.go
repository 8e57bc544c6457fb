package job

import "github.com/sshnaidm/directord/task"

// ComputeStatus derives the job status from its tasks. It is a pure
// function: task states are the single source of truth and the stored
// job status is only ever a snapshot of this computation.
//
// A failed or skipped task counts against the job unless its step was
// optional. With every task terminal, zero damage means succeeded,
// damage with at least one success means partially-failed, and damage
// with no successes at all means failed.
func ComputeStatus(j *Job, tasks []*task.Task) Status {
	if j.CancelRequested {
		return StatusCancelled
	}
	if len(tasks) == 0 {
		return StatusPending
	}

	var live, advanced, succeeded, harmed int
	for _, t := range tasks {
		switch t.State {
		case task.StatePending, task.StateQueued:
			live++
		case task.StateDispatched, task.StateRunning:
			live++
			advanced++
		case task.StateSucceeded:
			succeeded++
		case task.StateFailed, task.StateSkipped:
			if !t.Optional {
				harmed++
			}
		case task.StateCancelled:
			// Unreachable without CancelRequested; counted as damage so a
			// half-cancelled job can never read as succeeded.
			harmed++
		}
	}

	if live > 0 {
		if advanced > 0 || succeeded > 0 || harmed > 0 {
			return StatusRunning
		}
		return StatusPending
	}

	switch {
	case harmed == 0:
		return StatusSucceeded
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartiallyFailed
	}
}
