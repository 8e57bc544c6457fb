package webhook

// Lifecycle event types. Each constant maps to one lifecycle hook and
// is used as the Event.Type when delivering.
const (
	EventJobSubmitted    = "directord.job.submitted"
	EventJobFinished     = "directord.job.finished"
	EventJobCancelled    = "directord.job.cancelled"
	EventTaskDispatched  = "directord.task.dispatched"
	EventTaskSucceeded   = "directord.task.succeeded"
	EventTaskFailed      = "directord.task.failed"
	EventTaskRetrying    = "directord.task.retrying"
	EventTaskSkipped     = "directord.task.skipped"
	EventDedupHit        = "directord.task.dedup_hit"
	EventWorkerConnected = "directord.worker.connected"
	EventWorkerLost      = "directord.worker.lost"
	EventScheduleFired   = "directord.schedule.fired"
)

// AllEvents returns every event type this extension can emit.
func AllEvents() []string {
	return []string{
		EventJobSubmitted,
		EventJobFinished,
		EventJobCancelled,
		EventTaskDispatched,
		EventTaskSucceeded,
		EventTaskFailed,
		EventTaskRetrying,
		EventTaskSkipped,
		EventDedupHit,
		EventWorkerConnected,
		EventWorkerLost,
		EventScheduleFired,
	}
}
