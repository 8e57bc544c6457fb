package task

import (
	"encoding/json"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/backoff"
	"github.com/sshnaidm/directord/id"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending means the task is waiting for its dependency.
	StatePending State = "pending"
	// StateQueued means the task is runnable and waiting for dispatch.
	StateQueued State = "queued"
	// StateDispatched means the task was sent to a worker but not yet
	// acknowledged.
	StateDispatched State = "dispatched"
	// StateRunning means the assigned worker acknowledged receipt and is
	// executing the task.
	StateRunning State = "running"
	// StateSucceeded means the last attempt completed successfully.
	StateSucceeded State = "succeeded"
	// StateFailed means the last attempt failed. The aggregator re-queues
	// the task while attempts remain; otherwise failed is terminal.
	StateFailed State = "failed"
	// StateSkipped means a dependency failed terminally and the task will
	// never run.
	StateSkipped State = "skipped"
	// StateCancelled means the owning job was cancelled while the task was
	// non-terminal.
	StateCancelled State = "cancelled"
)

// transitions is the legal state graph. Absence means the transition is
// rejected with ErrInvalidTransition. Dispatched → queued is the
// dispatch-revert path: the send failed before the worker saw the task,
// so it returns to the queue without consuming an attempt.
var transitions = map[State][]State{
	StatePending:    {StateQueued, StateSkipped, StateCancelled},
	StateQueued:     {StateDispatched, StateSucceeded, StateCancelled},
	StateDispatched: {StateRunning, StateFailed, StateQueued, StateCancelled},
	StateRunning:    {StateSucceeded, StateFailed, StateCancelled},
	StateFailed:     {StateQueued},
	StateSucceeded:  nil,
	// Skipped tasks return to pending on redrive so they wait for
	// their redriven dependencies again.
	StateSkipped:   {StatePending},
	StateCancelled: nil,
}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further execution.
// Failed counts as terminal; the retry path resurrects a failed task
// explicitly via failed → queued while its attempt budget lasts.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	default:
		return false
	}
}

// Payload is the opaque work descriptor carried by a task. The control
// plane never interprets it; workers map Kind onto a registered runner
// and pass Parameters through.
type Payload struct {
	Kind       string          `json:"kind"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Task is the materialization of one job step for one target.
type Task struct {
	directord.Entity

	ID          id.TaskID   `json:"id"`
	JobID       id.JobID    `json:"job_id"`
	Target      string      `json:"target"`
	StepIndex   int         `json:"step_index"`
	StepName    string      `json:"step_name"`
	Payload     Payload     `json:"payload"`
	DependsOn   []id.TaskID `json:"depends_on,omitempty"`
	Fingerprint string      `json:"fingerprint"`
	State       State       `json:"state"`

	// Attempt counts dispatches; it is incremented when the task moves
	// queued → dispatched and never exceeds MaxAttempts.
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	// Backoff is the retry delay curve inherited from the step.
	Backoff backoff.Config `json:"backoff,omitempty"`

	Timeout  time.Duration `json:"timeout,omitempty"`
	Optional bool          `json:"optional,omitempty"`
	Barrier  bool          `json:"barrier,omitempty"`

	DedupEnabled bool          `json:"dedup_enabled,omitempty"`
	DedupTTL     time.Duration `json:"dedup_ttl,omitempty"`

	// NotBefore gates re-dispatch after a retry backoff. Zero means
	// immediately eligible.
	NotBefore time.Time `json:"not_before"`

	// Deadline is stamped by the dispatcher at dispatch time from the
	// step timeout. Zero means no deadline.
	Deadline time.Time `json:"deadline"`

	WorkerID  id.WorkerID `json:"worker_id,omitempty"`
	LastError string      `json:"last_error,omitempty"`

	QueuedAt     *time.Time `json:"queued_at,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy. Stores return clones so callers never
// share mutable state with the store's own records.
func (t *Task) Clone() *Task {
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = make([]id.TaskID, len(t.DependsOn))
		copy(cp.DependsOn, t.DependsOn)
	}
	if t.Payload.Parameters != nil {
		cp.Payload.Parameters = make(json.RawMessage, len(t.Payload.Parameters))
		copy(cp.Payload.Parameters, t.Payload.Parameters)
	}
	if t.QueuedAt != nil {
		q := *t.QueuedAt
		cp.QueuedAt = &q
	}
	if t.DispatchedAt != nil {
		d := *t.DispatchedAt
		cp.DispatchedAt = &d
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		cp.CompletedAt = &c
	}
	return &cp
}

// Exhausted reports whether the attempt budget is spent.
func (t *Task) Exhausted() bool {
	return t.Attempt >= t.MaxAttempts
}
