package client

import (
	"context"
	"errors"

	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
	"github.com/sshnaidm/directord/wire"
)

// ListOptions pages through jobs, newest first.
type ListOptions struct {
	Limit  int
	Offset int
	Status job.Status // empty matches every status
}

// Submit validates and enqueues a single job definition, returning the
// accepted job record.
func (c *Client) Submit(ctx context.Context, def *job.Definition) (*job.Job, error) {
	resp, err := c.request(ctx, wire.MethodJobSubmit, wire.JobSubmitRequest{Definition: def})
	if err != nil {
		return nil, err
	}
	out, err := decodeResponse[wire.JobSubmitResponse](resp)
	if err != nil {
		return nil, err
	}
	if len(out.Jobs) == 0 {
		return nil, errors.New("control plane accepted the submit but returned no job")
	}
	return out.Jobs[0], nil
}

// SubmitOrchestration enqueues every job in a YAML orchestration
// document, in document order.
func (c *Client) SubmitOrchestration(ctx context.Context, doc []byte) ([]*job.Job, error) {
	resp, err := c.request(ctx, wire.MethodJobSubmit, wire.JobSubmitRequest{Orchestration: doc})
	if err != nil {
		return nil, err
	}
	out, err := decodeResponse[wire.JobSubmitResponse](resp)
	if err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Job fetches a point-in-time snapshot of a job: the record, its
// tasks, and the per-state tally.
func (c *Client) Job(ctx context.Context, jobID id.JobID) (*wire.JobGetResponse, error) {
	resp, err := c.request(ctx, wire.MethodJobGet, wire.JobGetRequest{JobID: jobID.String()})
	if err != nil {
		return nil, err
	}
	return decodeResponse[wire.JobGetResponse](resp)
}

// Jobs lists jobs, newest first.
func (c *Client) Jobs(ctx context.Context, opts ListOptions) (*wire.JobListResponse, error) {
	resp, err := c.request(ctx, wire.MethodJobList, wire.JobListRequest{
		Limit:  opts.Limit,
		Offset: opts.Offset,
		Status: opts.Status,
	})
	if err != nil {
		return nil, err
	}
	return decodeResponse[wire.JobListResponse](resp)
}

// Cancel requests cancellation of a job. Queued tasks are cancelled
// immediately; in-flight tasks are signalled on their workers.
func (c *Client) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	resp, err := c.request(ctx, wire.MethodJobCancel, wire.JobCancelRequest{JobID: jobID.String()})
	if err != nil {
		return nil, err
	}
	out, err := decodeResponse[wire.JobCancelResponse](resp)
	if err != nil {
		return nil, err
	}
	return out.Job, nil
}

// RedriveJob re-queues every exhausted or skipped task of a job and
// returns how many went back to the queue.
func (c *Client) RedriveJob(ctx context.Context, jobID id.JobID) (int, error) {
	resp, err := c.request(ctx, wire.MethodJobRedrive, wire.JobRedriveRequest{JobID: jobID.String()})
	if err != nil {
		return 0, err
	}
	out, err := decodeResponse[wire.JobRedriveResponse](resp)
	if err != nil {
		return 0, err
	}
	return out.Redriven, nil
}

// RedriveTask re-queues a single exhausted or skipped task.
func (c *Client) RedriveTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	resp, err := c.request(ctx, wire.MethodJobRedrive, wire.JobRedriveRequest{TaskID: taskID.String()})
	if err != nil {
		return nil, err
	}
	out, err := decodeResponse[wire.JobRedriveResponse](resp)
	if err != nil {
		return nil, err
	}
	return out.Task, nil
}

// Fleet lists the worker sessions currently connected to the control
// plane.
func (c *Client) Fleet(ctx context.Context) ([]*fleet.Session, error) {
	resp, err := c.request(ctx, wire.MethodFleetList, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeResponse[wire.FleetListResponse](resp)
	if err != nil {
		return nil, err
	}
	return out.Workers, nil
}
