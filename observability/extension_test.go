package observability_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/sshnaidm/directord/ext"
	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/observability"
	"github.com/sshnaidm/directord/task"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

func sumValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: expected Sum[int64] data type, got %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:     id.NewJobID(),
		Name:   "rollout",
		Status: job.StatusSucceeded,
	}
}

func newTestTask() *task.Task {
	return &task.Task{
		ID:     id.NewTaskID(),
		JobID:  id.NewJobID(),
		Target: "node-1",
	}
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_JobSubmitted(t *testing.T) {
	e, reader := newTestExtension()
	if err := e.OnJobSubmitted(context.Background(), newTestJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sumValue(t, reader, "directord.jobs.submitted"); got != 1 {
		t.Errorf("jobs.submitted: want 1, got %d", got)
	}
}

func TestMetricsExtension_JobFinished(t *testing.T) {
	e, reader := newTestExtension()
	if err := e.OnJobFinished(context.Background(), newTestJob(), 100*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sumValue(t, reader, "directord.jobs.finished"); got != 1 {
		t.Errorf("jobs.finished: want 1, got %d", got)
	}
}

func TestMetricsExtension_TaskOutcomes(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()
	tk := newTestTask()
	res := &task.Result{ID: id.NewResultID(), TaskID: tk.ID, Status: task.ExitSuccess}

	if err := e.OnTaskSucceeded(ctx, tk, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnTaskFailed(ctx, tk, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnTaskRetrying(ctx, tk, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnTaskSkipped(ctx, tk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One data point per outcome attribute, four in total.
	if got := sumValue(t, reader, "directord.tasks.completed"); got != 4 {
		t.Errorf("tasks.completed: want 4, got %d", got)
	}
}

func TestMetricsExtension_FleetGauge(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()
	s := &fleet.Session{WorkerID: id.NewWorkerID(), Target: "node-1"}

	if err := e.OnWorkerConnected(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnWorkerConnected(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnWorkerLost(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := sumValue(t, reader, "directord.fleet.workers"); got != 1 {
		t.Errorf("fleet.workers: want 1, got %d", got)
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e, reader := newTestExtension()

	reg := ext.NewRegistry(slog.Default())
	reg.Register(e)

	ctx := context.Background()
	j := newTestJob()
	tk := newTestTask()
	res := &task.Result{ID: id.NewResultID(), TaskID: tk.ID, Status: task.ExitSuccess}

	reg.EmitJobSubmitted(ctx, j)
	reg.EmitJobFinished(ctx, j, 50*time.Millisecond)
	reg.EmitJobCancelled(ctx, j)
	reg.EmitTaskDispatched(ctx, tk)
	reg.EmitTaskSucceeded(ctx, tk, res)
	reg.EmitDedupHit(ctx, tk, res)
	reg.EmitScheduleFired(ctx, "nightly", id.NewJobID())

	checks := []struct {
		name string
		want int64
	}{
		{"directord.jobs.submitted", 1},
		{"directord.jobs.finished", 1},
		{"directord.jobs.cancelled", 1},
		{"directord.tasks.dispatched", 1},
		{"directord.tasks.completed", 1},
		{"directord.dedup.hits", 1},
		{"directord.schedule.fired", 1},
	}
	for _, c := range checks {
		if got := sumValue(t, reader, c.name); got != c.want {
			t.Errorf("%s: want %d, got %d", c.name, c.want, got)
		}
	}
}
