package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sshnaidm/directord/backoff"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/schedule"
	"github.com/sshnaidm/directord/task"
)

// Column lists shared between INSERT, SELECT, and RETURNING clauses.
const (
	jobColumns = `id, name, selector, targets, steps, status, cancel_requested,
		finished_at, created_at, updated_at`

	taskColumns = `id, job_id, target, step_index, step_name, kind, parameters,
		depends_on, fingerprint, state, attempt, max_attempts, backoff,
		timeout, optional, barrier, dedup_enabled, dedup_ttl,
		not_before, deadline, worker_id, last_error,
		queued_at, dispatched_at, completed_at, created_at, updated_at`

	resultColumns = `id, task_id, job_id, worker_id, attempt, status, output,
		error, duration, cached, recorded_at`

	scheduleColumns = `id, name, schedule, template, last_run_at, next_run_at,
		last_job_id, enabled, created_at, updated_at`
)

// mustJSON marshals v for a JSONB column. The domain types marshal
// without error.
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("directord/postgres: marshal: %v", err))
	}
	return b
}

// ── Job row mapping ───────────────────────────────────────────────

func jobArgs(j *job.Job) []any {
	return []any{
		j.ID.String(), j.Name, mustJSON(j.Selector), mustJSON(j.Targets),
		mustJSON(j.Steps), string(j.Status), j.CancelRequested,
		j.FinishedAt, j.CreatedAt, j.UpdatedAt,
	}
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                        job.Job
		rawID, status            string
		selector, targets, steps []byte
	)
	err := row.Scan(&rawID, &j.Name, &selector, &targets, &steps, &status,
		&j.CancelRequested, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	j.ID, err = id.ParseJobID(rawID)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: parse job id %q: %w", rawID, err)
	}
	j.Status = job.Status(status)
	if err := json.Unmarshal(selector, &j.Selector); err != nil {
		return nil, fmt.Errorf("directord/postgres: job selector: %w", err)
	}
	if err := json.Unmarshal(targets, &j.Targets); err != nil {
		return nil, fmt.Errorf("directord/postgres: job targets: %w", err)
	}
	if err := json.Unmarshal(steps, &j.Steps); err != nil {
		return nil, fmt.Errorf("directord/postgres: job steps: %w", err)
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	defer rows.Close()
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ── Task row mapping ──────────────────────────────────────────────

func taskArgs(t *task.Task) []any {
	var workerID *string
	if !t.WorkerID.IsNil() {
		s := t.WorkerID.String()
		workerID = &s
	}
	return []any{
		t.ID.String(), t.JobID.String(), t.Target, t.StepIndex, t.StepName,
		t.Payload.Kind, []byte(t.Payload.Parameters), mustJSON(t.DependsOn),
		t.Fingerprint, string(t.State), t.Attempt, t.MaxAttempts,
		mustJSON(t.Backoff), t.Timeout.Nanoseconds(), t.Optional, t.Barrier,
		t.DedupEnabled, t.DedupTTL.Nanoseconds(),
		nullableTime(t.NotBefore), nullableTime(t.Deadline),
		workerID, t.LastError,
		t.QueuedAt, t.DispatchedAt, t.CompletedAt, t.CreatedAt, t.UpdatedAt,
	}
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t                               task.Task
		rawID, rawJobID, state          string
		workerID                        *string
		parameters, dependsOn, backoffB []byte
		timeoutNs, dedupTTLNs           int64
		notBefore, deadline             *time.Time
	)
	err := row.Scan(&rawID, &rawJobID, &t.Target, &t.StepIndex, &t.StepName,
		&t.Payload.Kind, &parameters, &dependsOn, &t.Fingerprint, &state,
		&t.Attempt, &t.MaxAttempts, &backoffB, &timeoutNs, &t.Optional,
		&t.Barrier, &t.DedupEnabled, &dedupTTLNs, &notBefore, &deadline,
		&workerID, &t.LastError, &t.QueuedAt, &t.DispatchedAt, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.ID, err = id.ParseTaskID(rawID)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: parse task id %q: %w", rawID, err)
	}
	t.JobID, err = id.ParseJobID(rawJobID)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: parse task job id %q: %w", rawJobID, err)
	}
	if workerID != nil {
		t.WorkerID, err = id.ParseWorkerID(*workerID)
		if err != nil {
			return nil, fmt.Errorf("directord/postgres: parse task worker id %q: %w", *workerID, err)
		}
	}
	t.State = task.State(state)
	t.Payload.Parameters = parameters
	if err := json.Unmarshal(dependsOn, &t.DependsOn); err != nil {
		return nil, fmt.Errorf("directord/postgres: task depends_on: %w", err)
	}
	var bc backoff.Config
	if err := json.Unmarshal(backoffB, &bc); err != nil {
		return nil, fmt.Errorf("directord/postgres: task backoff: %w", err)
	}
	t.Backoff = bc
	t.Timeout = time.Duration(timeoutNs)
	t.DedupTTL = time.Duration(dedupTTLNs)
	if notBefore != nil {
		t.NotBefore = *notBefore
	}
	if deadline != nil {
		t.Deadline = *deadline
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	defer rows.Close()
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ── Result row mapping ────────────────────────────────────────────

func resultArgs(r *task.Result) []any {
	var workerID *string
	if !r.WorkerID.IsNil() {
		s := r.WorkerID.String()
		workerID = &s
	}
	return []any{
		r.ID.String(), r.TaskID.String(), r.JobID.String(), workerID,
		r.Attempt, string(r.Status), r.Output, r.Error,
		r.Duration.Nanoseconds(), r.Cached, r.RecordedAt,
	}
}

func scanResult(row pgx.Row) (*task.Result, error) {
	var (
		r                          task.Result
		rawID, rawTaskID, rawJobID string
		workerID                   *string
		status                     string
		durationNs                 int64
	)
	err := row.Scan(&rawID, &rawTaskID, &rawJobID, &workerID, &r.Attempt,
		&status, &r.Output, &r.Error, &durationNs, &r.Cached, &r.RecordedAt)
	if err != nil {
		return nil, err
	}

	r.ID, err = id.ParseResultID(rawID)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: parse result id %q: %w", rawID, err)
	}
	r.TaskID, err = id.ParseTaskID(rawTaskID)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: parse result task id %q: %w", rawTaskID, err)
	}
	r.JobID, err = id.ParseJobID(rawJobID)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: parse result job id %q: %w", rawJobID, err)
	}
	if workerID != nil {
		r.WorkerID, err = id.ParseWorkerID(*workerID)
		if err != nil {
			return nil, fmt.Errorf("directord/postgres: parse result worker id %q: %w", *workerID, err)
		}
	}
	r.Status = task.ExitStatus(status)
	r.Duration = time.Duration(durationNs)
	return &r, nil
}

// ── Schedule row mapping ──────────────────────────────────────────

func scheduleArgs(e *schedule.Entry) []any {
	var lastJobID *string
	if !e.LastJobID.IsNil() {
		s := e.LastJobID.String()
		lastJobID = &s
	}
	return []any{
		e.ID.String(), e.Name, e.Schedule, mustJSON(e.Template),
		e.LastRunAt, e.NextRunAt, lastJobID, e.Enabled,
		e.CreatedAt, e.UpdatedAt,
	}
}

func scanSchedule(row pgx.Row) (*schedule.Entry, error) {
	var (
		e         schedule.Entry
		rawID     string
		lastJobID *string
		template  []byte
	)
	err := row.Scan(&rawID, &e.Name, &e.Schedule, &template, &e.LastRunAt,
		&e.NextRunAt, &lastJobID, &e.Enabled, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.ID, err = id.ParseScheduleID(rawID)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: parse schedule id %q: %w", rawID, err)
	}
	if lastJobID != nil {
		e.LastJobID, err = id.ParseJobID(*lastJobID)
		if err != nil {
			return nil, fmt.Errorf("directord/postgres: parse schedule job id %q: %w", *lastJobID, err)
		}
	}
	if err := json.Unmarshal(template, &e.Template); err != nil {
		return nil, fmt.Errorf("directord/postgres: schedule template: %w", err)
	}
	return &e, nil
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
