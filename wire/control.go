package wire

import (
	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
)

// Control request/response payloads. These ride in Frame.Data for the
// job.* and fleet.* methods; both the control plane and the client
// package decode them, so they live here rather than on either side.

// JobSubmitRequest submits work. Exactly one of Definition or
// Orchestration must be set: Definition is a single job template,
// Orchestration is a raw YAML document that may expand to several.
type JobSubmitRequest struct {
	Definition    *job.Definition `json:"definition,omitempty"`
	Orchestration []byte          `json:"orchestration,omitempty"`
}

// JobSubmitResponse lists the jobs created by one submit call, in
// document order for orchestrations.
type JobSubmitResponse struct {
	Jobs []*job.Job `json:"jobs"`
}

// JobGetRequest fetches a job status snapshot.
type JobGetRequest struct {
	JobID string `json:"job_id"`
}

// JobGetResponse is a point-in-time view of a job: the record itself,
// every task, and the per-state tally.
type JobGetResponse struct {
	Job    *job.Job           `json:"job"`
	Tasks  []*task.Task       `json:"tasks"`
	Counts map[task.State]int `json:"counts"`
}

// JobListRequest pages through jobs, newest first.
type JobListRequest struct {
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
	Status job.Status `json:"status,omitempty"`
}

// JobListResponse carries one page of jobs plus the unpaged total.
type JobListResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Total int64      `json:"total"`
}

// JobCancelRequest requests cancellation of a job.
type JobCancelRequest struct {
	JobID string `json:"job_id"`
}

// JobCancelResponse returns the job with the cancellation flag set.
type JobCancelResponse struct {
	Job *job.Job `json:"job"`
}

// JobRedriveRequest re-queues exhausted or skipped work. With TaskID
// set only that task is redriven; otherwise every eligible task of the
// job is.
type JobRedriveRequest struct {
	JobID  string `json:"job_id,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// JobRedriveResponse reports how many tasks went back to the queue.
type JobRedriveResponse struct {
	Redriven int        `json:"redriven"`
	Task     *task.Task `json:"task,omitempty"`
}

// FleetListResponse lists the currently connected worker sessions.
type FleetListResponse struct {
	Workers []*fleet.Session `json:"workers"`
}
