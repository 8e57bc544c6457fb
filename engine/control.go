package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/wire"
)

// ControlHandler returns the request handler serving control-client
// methods (job.*, fleet.*) over the transport. Plug it into the hub
// with websocket.WithRequestHandler. Scope checks happen in the hub
// before a frame reaches this handler.
func (eng *Engine) ControlHandler() driver.RequestHandler {
	return func(ctx context.Context, _ *wire.Identity, f *wire.Frame) *wire.Frame {
		switch f.Method {
		case wire.MethodJobSubmit:
			return eng.handleJobSubmit(ctx, f)
		case wire.MethodJobGet:
			return eng.handleJobGet(ctx, f)
		case wire.MethodJobList:
			return eng.handleJobList(ctx, f)
		case wire.MethodJobCancel:
			return eng.handleJobCancel(ctx, f)
		case wire.MethodJobRedrive:
			return eng.handleJobRedrive(ctx, f)
		case wire.MethodFleetList:
			return eng.handleFleetList(f)
		default:
			return wire.NewErrorFrame(f.ID, wire.ErrCodeMethodNotFound, "unknown method: "+f.Method)
		}
	}
}

func (eng *Engine) handleJobSubmit(ctx context.Context, f *wire.Frame) *wire.Frame {
	var req wire.JobSubmitRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		return wire.NewErrorFrame(f.ID, wire.ErrCodeBadRequest, "invalid submit request")
	}

	var (
		jobs []*job.Job
		err  error
	)
	switch {
	case len(req.Orchestration) > 0:
		jobs, err = eng.SubmitOrchestration(ctx, req.Orchestration)
	case req.Definition != nil:
		var j *job.Job
		j, err = eng.Submit(ctx, req.Definition)
		if j != nil {
			jobs = []*job.Job{j}
		}
	default:
		return wire.NewErrorFrame(f.ID, wire.ErrCodeBadRequest, "definition or orchestration required")
	}
	if err != nil {
		return controlError(f.ID, err)
	}
	return respond(f.ID, wire.JobSubmitResponse{Jobs: jobs})
}

func (eng *Engine) handleJobGet(ctx context.Context, f *wire.Frame) *wire.Frame {
	var req wire.JobGetRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		return wire.NewErrorFrame(f.ID, wire.ErrCodeBadRequest, "invalid get request")
	}
	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return wire.NewErrorFrame(f.ID, wire.ErrCodeBadRequest, "invalid job id: "+req.JobID)
	}
	st, err := eng.Status(ctx, jobID)
	if err != nil {
		return controlError(f.ID, err)
	}
	return respond(f.ID, wire.JobGetResponse{Job: st.Job, Tasks: st.Tasks, Counts: st.Counts})
}

func (eng *Engine) handleJobList(ctx context.Context, f *wire.Frame) *wire.Frame {
	var req wire.JobListRequest
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return wire.NewErrorFrame(f.ID, wire.ErrCodeBadRequest, "invalid list request")
		}
	}
	opts := job.ListOpts{Limit: req.Limit, Offset: req.Offset, Status: req.Status}
	jobs, err := eng.ListJobs(ctx, opts)
	if err != nil {
		return controlError(f.ID, err)
	}
	total, err := eng.CountJobs(ctx, opts)
	if err != nil {
		return controlError(f.ID, err)
	}
	return respond(f.ID, wire.JobListResponse{Jobs: jobs, Total: total})
}

func (eng *Engine) handleJobCancel(ctx context.Context, f *wire.Frame) *wire.Frame {
	var req wire.JobCancelRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		return wire.NewErrorFrame(f.ID, wire.ErrCodeBadRequest, "invalid cancel request")
	}
	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return wire.NewErrorFrame(f.ID, wire.ErrCodeBadRequest, "invalid job id: "+req.JobID)
	}
	j, err := eng.Cancel(ctx, jobID)
	if err != nil {
		return controlError(f.ID, err)
	}
	return respond(f.ID, wire.JobCancelResponse{Job: j})
}

func (eng *Engine) handleJobRedrive(ctx context.Context, f *wire.Frame) *wire.Frame {
	var req wire.JobRedriveRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		return wire.NewErrorFrame(f.ID, wire.ErrCodeBadRequest, "invalid redrive request")
	}

	if req.TaskID != "" {
		taskID, err := id.ParseTaskID(req.TaskID)
		if err != nil {
			return wire.NewErrorFrame(f.ID, wire.ErrCodeBadRequest, "invalid task id: "+req.TaskID)
		}
		t, err := eng.RedriveTask(ctx, taskID)
		if err != nil {
			return controlError(f.ID, err)
		}
		return respond(f.ID, wire.JobRedriveResponse{Redriven: 1, Task: t})
	}

	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return wire.NewErrorFrame(f.ID, wire.ErrCodeBadRequest, "invalid job id: "+req.JobID)
	}
	n, err := eng.RedriveJob(ctx, jobID)
	if err != nil {
		return controlError(f.ID, err)
	}
	return respond(f.ID, wire.JobRedriveResponse{Redriven: n})
}

func (eng *Engine) handleFleetList(f *wire.Frame) *wire.Frame {
	return respond(f.ID, wire.FleetListResponse{Workers: eng.Fleet()})
}

func respond(correlID string, data any) *wire.Frame {
	resp, err := wire.NewResponseFrame(correlID, data)
	if err != nil {
		return wire.NewErrorFrame(correlID, wire.ErrCodeInternal, err.Error())
	}
	return resp
}

// controlError maps domain errors onto wire error codes.
func controlError(correlID string, err error) *wire.Frame {
	code := wire.ErrCodeInternal
	switch {
	case errors.Is(err, directord.ErrJobNotFound),
		errors.Is(err, directord.ErrTaskNotFound),
		errors.Is(err, directord.ErrResultNotFound),
		errors.Is(err, directord.ErrScheduleNotFound):
		code = wire.ErrCodeNotFound
	case errors.Is(err, directord.ErrJobFinished),
		errors.Is(err, directord.ErrStateConflict),
		errors.Is(err, directord.ErrNotRedrivable),
		errors.Is(err, directord.ErrDuplicateSchedule):
		code = wire.ErrCodeConflict
	case errors.Is(err, directord.ErrNoSteps),
		errors.Is(err, directord.ErrNoTargets),
		errors.Is(err, directord.ErrEmptyPayload):
		code = wire.ErrCodeBadRequest
	}
	return wire.NewErrorFrame(correlID, code, err.Error())
}
