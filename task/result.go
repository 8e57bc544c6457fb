package task

import (
	"time"

	"github.com/sshnaidm/directord/id"
)

// ExitStatus is the outcome of one execution attempt as reported by the
// worker. A failure exit is ordinary data, not a protocol error.
type ExitStatus string

const (
	// ExitSuccess means the work descriptor completed successfully.
	ExitSuccess ExitStatus = "success"
	// ExitFailure means the work descriptor completed with a failure.
	ExitFailure ExitStatus = "failure"
)

// Result records the outcome of one task execution attempt. Results are
// immutable once recorded; a task keeps one per attempt and only the
// last is authoritative.
type Result struct {
	ID       id.ResultID `json:"id"`
	TaskID   id.TaskID   `json:"task_id"`
	JobID    id.JobID    `json:"job_id"`
	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	Attempt  int           `json:"attempt"`
	Status   ExitStatus    `json:"status"`
	Output   []byte        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`

	// Cached marks results served from the deduplication cache rather
	// than a fresh execution.
	Cached bool `json:"cached,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// OK reports whether the attempt succeeded.
func (r *Result) OK() bool {
	return r.Status == ExitSuccess
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	cp := *r
	if r.Output != nil {
		cp.Output = make([]byte, len(r.Output))
		copy(cp.Output, r.Output)
	}
	return &cp
}
