// Package redrive replays failed work without resubmitting the job.
//
// A task that exhausted its attempt budget stays in the failed state,
// and its dependents are skipped. Redriving resets the attempt counter
// and returns the task to the queue; skipped dependents go back to
// pending so they run once the redriven task succeeds. The owning job
// is reopened so its status reflects the new execution.
//
// Redrive operates purely through the job and task stores; the
// dispatcher picks up requeued tasks on its next cycle.
package redrive
