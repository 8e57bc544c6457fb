// Package task defines the task entity, its state machine, execution
// results, and the store interface shared by the dispatcher and the
// result aggregator.
//
// # Task Entity
//
// A [Task] is one Step of a Job applied to one target: the unit of
// dispatch and state tracking. It embeds [directord.Entity] for
// timestamps and progresses through a state machine:
//
//	pending → queued → dispatched → running → succeeded
//	pending → queued → dispatched → running → failed → queued (retry)
//	pending → skipped                  (dependency failed terminally)
//	any non-terminal → cancelled       (job cancelled)
//
// A task becomes queued only once every task it depends on has
// succeeded. Tasks whose fingerprint has a live deduplication entry
// jump queued → succeeded without ever reaching a worker.
//
// Fields of note:
//   - DependsOn: tasks that must succeed before this one is runnable
//   - Attempt / MaxAttempts: retry budget, incremented at dispatch
//   - NotBefore: earliest re-dispatch time after a retry backoff
//   - Deadline: stamped at dispatch; the dispatcher is authoritative
//     for timeout detection, not the worker
//
// # Results
//
// A [Result] records the outcome of one execution attempt. Results are
// immutable once recorded; a task may accumulate one per attempt but
// only the last is authoritative.
//
// # Store
//
// [Store] is the persistence contract. All state changes go through
// [Store.TransitionTask], a compare-and-set on the current state, so
// the dispatcher and aggregator never race on the same task.
package task
