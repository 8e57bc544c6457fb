// Package stream provides a real-time event broker for directord
// lifecycle events. It bridges the ext.Extension system to connected
// watchers via topic-based pub/sub with credit-based flow control.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Job events.
	EventJobSubmitted EventType = "job.submitted"
	EventJobFinished  EventType = "job.finished"
	EventJobCancelled EventType = "job.cancelled"

	// Task events.
	EventTaskQueued     EventType = "task.queued"
	EventTaskDispatched EventType = "task.dispatched"
	EventTaskSucceeded  EventType = "task.succeeded"
	EventTaskFailed     EventType = "task.failed"
	EventTaskRetrying   EventType = "task.retrying"
	EventTaskSkipped    EventType = "task.skipped"
	EventTaskDedupHit   EventType = "task.dedup_hit"

	// Fleet events.
	EventWorkerConnected EventType = "worker.connected"
	EventWorkerLost      EventType = "worker.lost"

	// Schedule events.
	EventScheduleFired EventType = "schedule.fired"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// JobEventData is the payload for job lifecycle events.
type JobEventData struct {
	JobID     string `json:"job_id"`
	JobName   string `json:"job_name"`
	Status    string `json:"status,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
}

// TaskEventData is the payload for task lifecycle events.
type TaskEventData struct {
	TaskID     string `json:"task_id"`
	JobID      string `json:"job_id"`
	Target     string `json:"target"`
	StepName   string `json:"step_name,omitempty"`
	State      string `json:"state,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Error      string `json:"error,omitempty"`
	NextAt     string `json:"next_at,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
}

// WorkerEventData is the payload for fleet events.
type WorkerEventData struct {
	WorkerID string            `json:"worker_id"`
	Target   string            `json:"target"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// ScheduleEventData is the payload for schedule events.
type ScheduleEventData struct {
	EntryName string `json:"entry_name"`
	JobID     string `json:"job_id"`
}
