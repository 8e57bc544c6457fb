package redis

// Redis key naming conventions for directord data.
// All keys are prefixed with "directord:" to avoid collisions.

const keyPrefix = "directord:"

// ── Job keys ──

// jobKey returns the key for a job entity: directord:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// ── Task keys ──

// taskKey returns the key for a task entity: directord:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// jobTasksKey returns the Set of task IDs belonging to a job.
func jobTasksKey(jobID string) string { return keyPrefix + "job_tasks:" + jobID }

// taskStateKey returns the Set of task IDs in a given state.
func taskStateKey(state string) string { return keyPrefix + "task_state:" + state }

// readyKey is the Sorted Set of queued task IDs scored by QueuedAt.
const readyKey = keyPrefix + "ready"

// deadlineKey is the Sorted Set of in-flight task IDs scored by Deadline.
const deadlineKey = keyPrefix + "deadlines"

// resultsKey returns the List of results for a task.
func resultsKey(taskID string) string { return keyPrefix + "results:" + taskID }

// ── Dedup keys ──

// dedupKey returns the key for a cache entry: directord:dedup:{fingerprint}
func dedupKey(fp string) string { return keyPrefix + "dedup:" + fp }

// dedupFPsKey is the Set tracking cached fingerprints for enumeration.
const dedupFPsKey = keyPrefix + "dedup_fps"

// ── Schedule keys ──

// scheduleKey returns the key for a schedule entry: directord:schedule:{id}
func scheduleKey(id string) string { return keyPrefix + "schedule:" + id }

// scheduleIDsKey is the Set tracking all schedule entry IDs.
const scheduleIDsKey = keyPrefix + "schedule_ids"

// scheduleNamesKey maps schedule names to IDs for duplicate detection.
const scheduleNamesKey = keyPrefix + "schedule_names"
