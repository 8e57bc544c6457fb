package webhook

import (
	"context"
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

// Event is the envelope delivered for one lifecycle occurrence.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// Sender delivers webhook events. [HTTPSender] is the standard
// implementation; tests inject their own.
type Sender interface {
	Send(ctx context.Context, evt *Event) error
}

// Extension bridges directord lifecycle events to a webhook Sender.
// Each lifecycle hook emits a typed event.
type Extension struct {
	sender   Sender
	enabled  map[string]bool        // nil = all enabled
	payloads map[string]PayloadFunc // custom payload builders
	now      func() time.Time
}

// New creates an Extension that delivers lifecycle events through the
// provided Sender.
func New(s Sender, opts ...Option) *Extension {
	h := &Extension{sender: s, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements ext.Extension.
func (h *Extension) Name() string { return "webhook" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobSubmitted implements ext.JobSubmitted.
func (h *Extension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	return h.send(ctx, EventJobSubmitted, newJobPayload(j))
}

// OnJobFinished implements ext.JobFinished.
func (h *Extension) OnJobFinished(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return h.send(ctx, EventJobFinished, &jobFinishedPayload{
		jobPayload: *newJobPayload(j),
		ElapsedMs:  elapsed.Milliseconds(),
	})
}

// OnJobCancelled implements ext.JobCancelled.
func (h *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return h.send(ctx, EventJobCancelled, newJobPayload(j))
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskDispatched implements ext.TaskDispatched.
func (h *Extension) OnTaskDispatched(ctx context.Context, t *task.Task) error {
	return h.send(ctx, EventTaskDispatched, newTaskPayload(t))
}

// OnTaskSucceeded implements ext.TaskSucceeded.
func (h *Extension) OnTaskSucceeded(ctx context.Context, t *task.Task, res *task.Result) error {
	return h.send(ctx, EventTaskSucceeded, &taskResultPayload{
		taskPayload: *newTaskPayload(t),
		Attempt:     res.Attempt,
		DurationMs:  res.Duration.Milliseconds(),
		Cached:      res.Cached,
	})
}

// OnTaskFailed implements ext.TaskFailed.
func (h *Extension) OnTaskFailed(ctx context.Context, t *task.Task, res *task.Result) error {
	return h.send(ctx, EventTaskFailed, &taskResultPayload{
		taskPayload: *newTaskPayload(t),
		Attempt:     res.Attempt,
		DurationMs:  res.Duration.Milliseconds(),
		Error:       res.Error,
	})
}

// OnTaskRetrying implements ext.TaskRetrying.
func (h *Extension) OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, nextAt time.Time) error {
	return h.send(ctx, EventTaskRetrying, &taskRetryingPayload{
		taskPayload: *newTaskPayload(t),
		Attempt:     attempt,
		NextAt:      nextAt.Format(time.RFC3339),
	})
}

// OnTaskSkipped implements ext.TaskSkipped.
func (h *Extension) OnTaskSkipped(ctx context.Context, t *task.Task) error {
	return h.send(ctx, EventTaskSkipped, newTaskPayload(t))
}

// OnDedupHit implements ext.DedupHit.
func (h *Extension) OnDedupHit(ctx context.Context, t *task.Task, res *task.Result) error {
	return h.send(ctx, EventDedupHit, &dedupHitPayload{
		taskPayload:  *newTaskPayload(t),
		Fingerprint:  t.Fingerprint,
		SourceTaskID: res.TaskID.String(),
	})
}

// ── Fleet hooks ─────────────────────────────────────

// OnWorkerConnected implements ext.WorkerConnected.
func (h *Extension) OnWorkerConnected(ctx context.Context, s *fleet.Session) error {
	return h.send(ctx, EventWorkerConnected, newWorkerPayload(s))
}

// OnWorkerLost implements ext.WorkerLost.
func (h *Extension) OnWorkerLost(ctx context.Context, s *fleet.Session) error {
	return h.send(ctx, EventWorkerLost, newWorkerPayload(s))
}

// ── Schedule hooks ──────────────────────────────────

// OnScheduleFired implements ext.ScheduleFired.
func (h *Extension) OnScheduleFired(ctx context.Context, entryName string, jobID id.JobID) error {
	return h.send(ctx, EventScheduleFired, &schedulePayload{
		EntryName: entryName,
		JobID:     jobID.String(),
	})
}

// ── Internal helpers ────────────────────────────────

// send delivers an event if its type is enabled.
func (h *Extension) send(ctx context.Context, eventType string, defaultData any) error {
	if h.enabled != nil && !h.enabled[eventType] {
		return nil
	}

	data := defaultData
	if fn, ok := h.payloads[eventType]; ok {
		custom, err := fn(defaultData)
		if err != nil {
			return err
		}
		data = custom
	}

	return h.sender.Send(ctx, &Event{
		Type:       eventType,
		OccurredAt: h.now().UTC(),
		Data:       data,
	})
}

// ── Default payload types ───────────────────────────

type jobPayload struct {
	JobID   string `json:"job_id"`
	JobName string `json:"job_name"`
	Status  string `json:"status"`
	Targets int    `json:"targets"`
}

func newJobPayload(j *job.Job) *jobPayload {
	return &jobPayload{
		JobID:   j.ID.String(),
		JobName: j.Name,
		Status:  string(j.Status),
		Targets: len(j.Targets),
	}
}

type jobFinishedPayload struct {
	jobPayload
	ElapsedMs int64 `json:"elapsed_ms"`
}

type taskPayload struct {
	TaskID   string `json:"task_id"`
	JobID    string `json:"job_id"`
	Target   string `json:"target"`
	StepName string `json:"step_name"`
	State    string `json:"state"`
}

func newTaskPayload(t *task.Task) *taskPayload {
	return &taskPayload{
		TaskID:   t.ID.String(),
		JobID:    t.JobID.String(),
		Target:   t.Target,
		StepName: t.StepName,
		State:    string(t.State),
	}
}

type taskResultPayload struct {
	taskPayload
	Attempt    int    `json:"attempt"`
	DurationMs int64  `json:"duration_ms"`
	Cached     bool   `json:"cached,omitempty"`
	Error      string `json:"error,omitempty"`
}

type taskRetryingPayload struct {
	taskPayload
	Attempt int    `json:"attempt"`
	NextAt  string `json:"next_at"`
}

type dedupHitPayload struct {
	taskPayload
	Fingerprint  string `json:"fingerprint"`
	SourceTaskID string `json:"source_task_id"`
}

type workerPayload struct {
	WorkerID string `json:"worker_id"`
	Target   string `json:"target"`
}

func newWorkerPayload(s *fleet.Session) *workerPayload {
	return &workerPayload{
		WorkerID: s.WorkerID.String(),
		Target:   s.Target,
	}
}

type schedulePayload struct {
	EntryName string `json:"entry_name"`
	JobID     string `json:"job_id"`
}
