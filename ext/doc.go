// Package ext defines the extension system for directord.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, emitting webhooks, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnTaskSucceeded(ctx context.Context, t *task.Task, res *task.Result) error {
//	    log.Printf("task %s on %s done in %s", t.ID, t.Target, res.Duration)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobSubmitted] — job was accepted and its tasks materialized
//   - [JobFinished] — every task reached a terminal state
//   - [JobCancelled] — cancellation was requested for the job
//
// # Task Lifecycle Hooks
//
//   - [TaskQueued] — task became eligible for dispatch
//   - [TaskDispatched] — task was handed to a worker agent
//   - [TaskSucceeded] — an attempt reported success
//   - [TaskFailed] — task failed with no retries remaining
//   - [TaskRetrying] — attempt failed but the task will be re-queued
//   - [TaskSkipped] — task was skipped because a dependency failed
//   - [DedupHit] — task was satisfied from the deduplication cache
//
// # Fleet Hooks
//
//   - [WorkerConnected] — an agent session was established
//   - [WorkerLost] — an agent disconnected or went stale
//
// # Other Hooks
//
//   - [ScheduleFired] — a schedule entry triggered and a job was submitted
//   - [Shutdown] — the director is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
