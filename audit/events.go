package audit

// Audit event actions. Each constant corresponds to one lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobSubmitted    = "job.submitted"
	ActionJobFinished     = "job.finished"
	ActionJobCancelled    = "job.cancelled"
	ActionTaskDispatched  = "task.dispatched"
	ActionTaskSucceeded   = "task.succeeded"
	ActionTaskFailed      = "task.failed"
	ActionTaskRetrying    = "task.retrying"
	ActionTaskSkipped     = "task.skipped"
	ActionDedupHit        = "task.dedup_hit"
	ActionWorkerConnected = "worker.connected"
	ActionWorkerLost      = "worker.lost"
	ActionScheduleFired   = "schedule.fired"
)

// Audit event categories group related actions.
const (
	CategoryJob      = "directord.job"
	CategoryTask     = "directord.task"
	CategoryFleet    = "directord.fleet"
	CategorySchedule = "directord.schedule"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob      = "job"
	ResourceTask     = "task"
	ResourceWorker   = "worker"
	ResourceSchedule = "schedule_entry"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobSubmitted,
		ActionJobFinished,
		ActionJobCancelled,
		ActionTaskDispatched,
		ActionTaskSucceeded,
		ActionTaskFailed,
		ActionTaskRetrying,
		ActionTaskSkipped,
		ActionDedupHit,
		ActionWorkerConnected,
		ActionWorkerLost,
		ActionScheduleFired,
	}
}
