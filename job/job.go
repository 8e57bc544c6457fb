package job

import (
	"fmt"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/backoff"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/task"
)

// Status represents the aggregate state of a job. It is recomputed from
// task states and never stored independently of them.
type Status string

const (
	// StatusPending means no task has been dispatched yet.
	StatusPending Status = "pending"
	// StatusRunning means at least one task is still live.
	StatusRunning Status = "running"
	// StatusSucceeded means every task succeeded, counting tolerated
	// optional failures and skips.
	StatusSucceeded Status = "succeeded"
	// StatusPartiallyFailed means some tasks failed or were skipped while
	// others succeeded.
	StatusPartiallyFailed Status = "partially-failed"
	// StatusFailed means no non-optional task succeeded.
	StatusFailed Status = "failed"
	// StatusCancelled means cancellation was requested before the job
	// reached a terminal status.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further change.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusPartiallyFailed, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Selector chooses the targets a job applies to: an explicit list of
// node names, a label query resolved against the connected fleet at
// submission time, or both combined.
type Selector struct {
	Targets []string          `json:"targets,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// Empty reports whether the selector names no targets and no labels.
func (s Selector) Empty() bool {
	return len(s.Targets) == 0 && len(s.Labels) == 0
}

// DedupPolicy controls content-based deduplication for one step.
type DedupPolicy struct {
	// Enabled opts the step's tasks into fingerprint deduplication.
	Enabled bool `json:"enabled,omitempty"`
	// TTL bounds how long a successful outcome satisfies identical
	// work. Zero means the engine default.
	TTL time.Duration `json:"ttl,omitempty"`
}

// Step is a named unit of work applied once per target.
type Step struct {
	Name    string       `json:"name"`
	Payload task.Payload `json:"payload"`

	// MaxRetries is the retry budget after the first attempt. Negative
	// means the engine default.
	MaxRetries int `json:"max_retries"`

	// Backoff selects the retry delay curve. The zero value means the
	// engine default (exponential with jitter).
	Backoff backoff.Config `json:"backoff,omitempty"`

	// Timeout bounds one execution attempt. Zero means the engine
	// default; negative means no deadline.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Barrier makes this step wait for every task of the previous step
	// fleet-wide, not just on its own target.
	Barrier bool `json:"barrier,omitempty"`

	// Optional excludes this step's failures and skips from job status.
	Optional bool `json:"optional,omitempty"`

	Dedup DedupPolicy `json:"dedup,omitempty"`
}

// Job is a submitted unit of orchestration.
type Job struct {
	directord.Entity

	ID       id.JobID `json:"id"`
	Name     string   `json:"name"`
	Selector Selector `json:"selector"`

	// Targets is the selector resolution captured at submission time.
	// Decomposition and status are computed over this fixed set even as
	// the fleet changes afterwards.
	Targets []string `json:"targets"`

	Steps []Step `json:"steps"`

	Status Status `json:"status"`

	// CancelRequested is set by the cancellation interface. Dispatch of
	// not-yet-dispatched tasks stops once the flag is observed.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Targets != nil {
		cp.Targets = make([]string, len(j.Targets))
		copy(cp.Targets, j.Targets)
	}
	if j.Selector.Targets != nil {
		cp.Selector.Targets = make([]string, len(j.Selector.Targets))
		copy(cp.Selector.Targets, j.Selector.Targets)
	}
	if j.Selector.Labels != nil {
		cp.Selector.Labels = make(map[string]string, len(j.Selector.Labels))
		for k, v := range j.Selector.Labels {
			cp.Selector.Labels[k] = v
		}
	}
	if j.Steps != nil {
		cp.Steps = make([]Step, len(j.Steps))
		copy(cp.Steps, j.Steps)
	}
	if j.FinishedAt != nil {
		f := *j.FinishedAt
		cp.FinishedAt = &f
	}
	return &cp
}

// Validate checks that the job is submittable: it must carry at least
// one step, at least one resolved target, and a payload kind per step.
func (j *Job) Validate() error {
	if len(j.Steps) == 0 {
		return directord.ErrNoSteps
	}
	if len(j.Targets) == 0 {
		return directord.ErrNoTargets
	}
	for _, s := range j.Steps {
		if s.Payload.Kind == "" {
			return fmt.Errorf("step %q: %w", s.Name, directord.ErrEmptyPayload)
		}
	}
	return nil
}
