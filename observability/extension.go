package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sshnaidm/directord/ext"
	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
)

// meterName is the instrumentation scope name for directord metrics.
const meterName = "github.com/sshnaidm/directord/observability"

// Compile-time interface checks.
var (
	_ ext.Extension       = (*MetricsExtension)(nil)
	_ ext.JobSubmitted    = (*MetricsExtension)(nil)
	_ ext.JobFinished     = (*MetricsExtension)(nil)
	_ ext.JobCancelled    = (*MetricsExtension)(nil)
	_ ext.TaskDispatched  = (*MetricsExtension)(nil)
	_ ext.TaskSucceeded   = (*MetricsExtension)(nil)
	_ ext.TaskFailed      = (*MetricsExtension)(nil)
	_ ext.TaskRetrying    = (*MetricsExtension)(nil)
	_ ext.TaskSkipped     = (*MetricsExtension)(nil)
	_ ext.DedupHit        = (*MetricsExtension)(nil)
	_ ext.WorkerConnected = (*MetricsExtension)(nil)
	_ ext.WorkerLost      = (*MetricsExtension)(nil)
	_ ext.ScheduleFired   = (*MetricsExtension)(nil)
)

// MetricsExtension records control-plane lifecycle metrics through an
// OTel Meter. Register it as a directord extension to track submission
// rates, per-outcome task counts, dedup hit rates, connected fleet
// size, and schedule fires.
//
// Instruments:
//   - directord.jobs.submitted (counter)
//   - directord.jobs.finished (counter, attribute: status)
//   - directord.jobs.cancelled (counter)
//   - directord.job.duration (histogram, seconds, attribute: status)
//   - directord.tasks.dispatched (counter)
//   - directord.tasks.completed (counter, attribute: outcome)
//   - directord.dedup.hits (counter)
//   - directord.fleet.workers (up-down counter)
//   - directord.schedule.fired (counter)
type MetricsExtension struct {
	jobsSubmitted  metric.Int64Counter
	jobsFinished   metric.Int64Counter
	jobsCancelled  metric.Int64Counter
	jobDuration    metric.Float64Histogram
	tasksDispatch  metric.Int64Counter
	tasksCompleted metric.Int64Counter
	dedupHits      metric.Int64Counter
	fleetWorkers   metric.Int64UpDownCounter
	scheduleFired  metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. If none is configured the instruments are noops and
// the extension is a pass-through.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Use this variant to inject a test MeterProvider.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// The OTel API returns noop instruments on error, so instrument
	// creation failures degrade to pass-through rather than aborting.
	m.jobsSubmitted, _ = meter.Int64Counter("directord.jobs.submitted",
		metric.WithDescription("Total jobs accepted for orchestration"),
		metric.WithUnit("{job}"))
	m.jobsFinished, _ = meter.Int64Counter("directord.jobs.finished",
		metric.WithDescription("Total jobs that reached a terminal status"),
		metric.WithUnit("{job}"))
	m.jobsCancelled, _ = meter.Int64Counter("directord.jobs.cancelled",
		metric.WithDescription("Total jobs with cancellation requested"),
		metric.WithUnit("{job}"))
	m.jobDuration, _ = meter.Float64Histogram("directord.job.duration",
		metric.WithDescription("Wall time from submission to terminal status"),
		metric.WithUnit("s"))
	m.tasksDispatch, _ = meter.Int64Counter("directord.tasks.dispatched",
		metric.WithDescription("Total task dispatches to worker agents"),
		metric.WithUnit("{task}"))
	m.tasksCompleted, _ = meter.Int64Counter("directord.tasks.completed",
		metric.WithDescription("Total tasks that reached a terminal state"),
		metric.WithUnit("{task}"))
	m.dedupHits, _ = meter.Int64Counter("directord.dedup.hits",
		metric.WithDescription("Total tasks satisfied from the dedup cache"),
		metric.WithUnit("{task}"))
	m.fleetWorkers, _ = meter.Int64UpDownCounter("directord.fleet.workers",
		metric.WithDescription("Number of connected worker agents"),
		metric.WithUnit("{worker}"))
	m.scheduleFired, _ = meter.Int64Counter("directord.schedule.fired",
		metric.WithDescription("Total schedule entry fires"),
		metric.WithUnit("{fire}"))

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, _ *job.Job) error {
	m.jobsSubmitted.Add(ctx, 1)
	return nil
}

// OnJobFinished implements ext.JobFinished.
func (m *MetricsExtension) OnJobFinished(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	attrs := metric.WithAttributes(attribute.String("status", string(j.Status)))
	m.jobsFinished.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, _ *job.Job) error {
	m.jobsCancelled.Add(ctx, 1)
	return nil
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskDispatched implements ext.TaskDispatched.
func (m *MetricsExtension) OnTaskDispatched(ctx context.Context, _ *task.Task) error {
	m.tasksDispatch.Add(ctx, 1)
	return nil
}

// OnTaskSucceeded implements ext.TaskSucceeded.
func (m *MetricsExtension) OnTaskSucceeded(ctx context.Context, _ *task.Task, _ *task.Result) error {
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "succeeded")))
	return nil
}

// OnTaskFailed implements ext.TaskFailed.
func (m *MetricsExtension) OnTaskFailed(ctx context.Context, _ *task.Task, _ *task.Result) error {
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
	return nil
}

// OnTaskRetrying implements ext.TaskRetrying.
func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, _ *task.Task, _ int, _ time.Time) error {
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "retrying")))
	return nil
}

// OnTaskSkipped implements ext.TaskSkipped.
func (m *MetricsExtension) OnTaskSkipped(ctx context.Context, _ *task.Task) error {
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "skipped")))
	return nil
}

// OnDedupHit implements ext.DedupHit.
func (m *MetricsExtension) OnDedupHit(ctx context.Context, _ *task.Task, _ *task.Result) error {
	m.dedupHits.Add(ctx, 1)
	return nil
}

// ── Fleet hooks ─────────────────────────────────────

// OnWorkerConnected implements ext.WorkerConnected.
func (m *MetricsExtension) OnWorkerConnected(ctx context.Context, _ *fleet.Session) error {
	m.fleetWorkers.Add(ctx, 1)
	return nil
}

// OnWorkerLost implements ext.WorkerLost.
func (m *MetricsExtension) OnWorkerLost(ctx context.Context, _ *fleet.Session) error {
	m.fleetWorkers.Add(ctx, -1)
	return nil
}

// ── Schedule hooks ──────────────────────────────────

// OnScheduleFired implements ext.ScheduleFired.
func (m *MetricsExtension) OnScheduleFired(ctx context.Context, _ string, _ id.JobID) error {
	m.scheduleFired.Add(ctx, 1)
	return nil
}
