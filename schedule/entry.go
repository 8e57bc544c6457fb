package schedule

import (
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
)

// Entry represents a recurring job submission.
type Entry struct {
	directord.Entity

	ID       id.ScheduleID `json:"id"`
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`

	// Template is the job definition submitted each time the entry
	// fires. The selector is re-resolved against the fleet on every
	// submission.
	Template job.Definition `json:"template"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	// LastJobID is the job created by the most recent firing.
	LastJobID id.JobID `json:"last_job_id,omitempty"`

	Enabled bool `json:"enabled"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	cp := *e
	if e.LastRunAt != nil {
		t := *e.LastRunAt
		cp.LastRunAt = &t
	}
	if e.NextRunAt != nil {
		t := *e.NextRunAt
		cp.NextRunAt = &t
	}
	if e.Template.Steps != nil {
		cp.Template.Steps = make([]job.Step, len(e.Template.Steps))
		copy(cp.Template.Steps, e.Template.Steps)
	}
	if e.Template.Selector.Targets != nil {
		cp.Template.Selector.Targets = make([]string, len(e.Template.Selector.Targets))
		copy(cp.Template.Selector.Targets, e.Template.Selector.Targets)
	}
	if e.Template.Selector.Labels != nil {
		cp.Template.Selector.Labels = make(map[string]string, len(e.Template.Selector.Labels))
		for k, v := range e.Template.Selector.Labels {
			cp.Template.Selector.Labels[k] = v
		}
	}
	return &cp
}

// NewEntry creates an enabled schedule entry with NextRunAt computed
// from the cron expression.
func NewEntry(name, expr string, template job.Definition) (*Entry, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	next := sched.Next(time.Now().UTC())
	return &Entry{
		Entity:    directord.NewEntity(),
		ID:        id.NewScheduleID(),
		Name:      name,
		Schedule:  expr,
		Template:  template,
		NextRunAt: &next,
		Enabled:   true,
	}, nil
}
