package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sshnaidm/directord/ext"
	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*Extension)(nil)
	_ ext.JobSubmitted    = (*Extension)(nil)
	_ ext.JobFinished     = (*Extension)(nil)
	_ ext.JobCancelled    = (*Extension)(nil)
	_ ext.TaskDispatched  = (*Extension)(nil)
	_ ext.TaskSucceeded   = (*Extension)(nil)
	_ ext.TaskFailed      = (*Extension)(nil)
	_ ext.TaskRetrying    = (*Extension)(nil)
	_ ext.TaskSkipped     = (*Extension)(nil)
	_ ext.DedupHit        = (*Extension)(nil)
	_ ext.WorkerConnected = (*Extension)(nil)
	_ ext.WorkerLost      = (*Extension)(nil)
	_ ext.ScheduleFired   = (*Extension)(nil)
)

// Recorder is the interface audit backends must implement. It is
// defined locally so the audit package carries no dependency on any
// particular audit store; callers inject the bridge at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is the audit record emitted for one lifecycle occurrence.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// SlogRecorder writes audit events to a structured logger. It is the
// default backend when none is injected.
type SlogRecorder struct {
	Logger *slog.Logger
}

func (r *SlogRecorder) Record(_ context.Context, evt *Event) error {
	r.Logger.Info("audit event",
		slog.String("action", evt.Action),
		slog.String("resource", evt.Resource),
		slog.String("resource_id", evt.ResourceID),
		slog.String("outcome", evt.Outcome),
		slog.String("severity", evt.Severity),
		slog.Any("metadata", evt.Metadata),
	)
	return nil
}

// Extension bridges directord lifecycle events to an audit trail.
// Each lifecycle hook emits a structured audit event through the
// [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the
// provided Recorder. A nil recorder falls back to [SlogRecorder].
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.recorder == nil {
		e.recorder = &SlogRecorder{Logger: e.logger}
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobSubmitted implements ext.JobSubmitted.
func (e *Extension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobSubmitted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_name", j.Name,
		"targets", len(j.Targets),
		"steps", len(j.Steps),
	)
}

// OnJobFinished implements ext.JobFinished.
func (e *Extension) OnJobFinished(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	severity, outcome := SeverityInfo, OutcomeSuccess
	if j.Status == job.StatusFailed || j.Status == job.StatusPartiallyFailed {
		severity, outcome = SeverityCritical, OutcomeFailure
	}
	return e.record(ctx, ActionJobFinished, severity, outcome,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_name", j.Name,
		"status", string(j.Status),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobCancelled implements ext.JobCancelled.
func (e *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobCancelled, SeverityWarning, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_name", j.Name,
	)
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskDispatched implements ext.TaskDispatched.
func (e *Extension) OnTaskDispatched(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskDispatched, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"job_id", t.JobID.String(),
		"target", t.Target,
		"step", t.StepName,
		"attempt", t.Attempt,
		"worker_id", t.WorkerID.String(),
	)
}

// OnTaskSucceeded implements ext.TaskSucceeded.
func (e *Extension) OnTaskSucceeded(ctx context.Context, t *task.Task, res *task.Result) error {
	return e.record(ctx, ActionTaskSucceeded, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"job_id", t.JobID.String(),
		"target", t.Target,
		"step", t.StepName,
		"attempt", res.Attempt,
		"duration_ms", res.Duration.Milliseconds(),
	)
}

// OnTaskFailed implements ext.TaskFailed.
func (e *Extension) OnTaskFailed(ctx context.Context, t *task.Task, res *task.Result) error {
	return e.record(ctx, ActionTaskFailed, SeverityCritical, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"job_id", t.JobID.String(),
		"target", t.Target,
		"step", t.StepName,
		"attempt", res.Attempt,
		"max_attempts", t.MaxAttempts,
		"error", res.Error,
	)
}

// OnTaskRetrying implements ext.TaskRetrying.
func (e *Extension) OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, nextAt time.Time) error {
	return e.record(ctx, ActionTaskRetrying, SeverityWarning, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"job_id", t.JobID.String(),
		"target", t.Target,
		"step", t.StepName,
		"attempt", attempt,
		"next_at", nextAt.Format(time.RFC3339),
	)
}

// OnTaskSkipped implements ext.TaskSkipped.
func (e *Extension) OnTaskSkipped(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskSkipped, SeverityWarning, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"job_id", t.JobID.String(),
		"target", t.Target,
		"step", t.StepName,
	)
}

// OnDedupHit implements ext.DedupHit.
func (e *Extension) OnDedupHit(ctx context.Context, t *task.Task, res *task.Result) error {
	return e.record(ctx, ActionDedupHit, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"job_id", t.JobID.String(),
		"target", t.Target,
		"step", t.StepName,
		"fingerprint", t.Fingerprint,
		"source_task_id", res.TaskID.String(),
	)
}

// ── Fleet hooks ─────────────────────────────────────

// OnWorkerConnected implements ext.WorkerConnected.
func (e *Extension) OnWorkerConnected(ctx context.Context, s *fleet.Session) error {
	return e.record(ctx, ActionWorkerConnected, SeverityInfo, OutcomeSuccess,
		ResourceWorker, s.WorkerID.String(), CategoryFleet, nil,
		"target", s.Target,
	)
}

// OnWorkerLost implements ext.WorkerLost.
func (e *Extension) OnWorkerLost(ctx context.Context, s *fleet.Session) error {
	return e.record(ctx, ActionWorkerLost, SeverityWarning, OutcomeFailure,
		ResourceWorker, s.WorkerID.String(), CategoryFleet, nil,
		"target", s.Target,
		"in_flight", s.InFlight.String(),
	)
}

// ── Schedule hooks ──────────────────────────────────

// OnScheduleFired implements ext.ScheduleFired.
func (e *Extension) OnScheduleFired(ctx context.Context, entryName string, jobID id.JobID) error {
	return e.record(ctx, ActionScheduleFired, SeverityInfo, OutcomeSuccess,
		ResourceSchedule, entryName, CategorySchedule, nil,
		"job_id", jobID.String(),
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
