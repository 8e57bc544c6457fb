package aggregator_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/aggregator"
	"github.com/sshnaidm/directord/backoff"
	"github.com/sshnaidm/directord/dedup"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/store/memory"
	"github.com/sshnaidm/directord/task"
	"github.com/sshnaidm/directord/wire"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── Doubles ─────────────────────────────────────────

type captureDriver struct {
	mu      sync.Mutex
	sent    map[string][]*wire.Frame
	inbound chan driver.Message
	events  chan driver.Event
}

func newCaptureDriver() *captureDriver {
	return &captureDriver{
		sent:    make(map[string][]*wire.Frame),
		inbound: make(chan driver.Message),
		events:  make(chan driver.Event),
	}
}

func (d *captureDriver) Send(_ context.Context, target string, f *wire.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[target] = append(d.sent[target], f)
	return nil
}

func (d *captureDriver) Inbound() <-chan driver.Message { return d.inbound }
func (d *captureDriver) Events() <-chan driver.Event    { return d.events }
func (d *captureDriver) Close() error                   { return nil }

func (d *captureDriver) sentTo(target string) []*wire.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*wire.Frame(nil), d.sent[target]...)
}

type countingReleaser struct {
	mu       sync.Mutex
	releases map[string]int
}

func (r *countingReleaser) Release(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.releases == nil {
		r.releases = make(map[string]int)
	}
	r.releases[target]++
}

func (r *countingReleaser) count(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases[target]
}

// ── Fixture ─────────────────────────────────────────

type fixture struct {
	t   *testing.T
	st  *memory.Store
	reg *fleet.Registry
	drv *captureDriver
	agg *aggregator.Aggregator
	now time.Time
}

func newFixture(t *testing.T, opts ...aggregator.Option) *fixture {
	t.Helper()
	f := &fixture{
		t:   t,
		st:  memory.New(),
		reg: fleet.NewRegistry(),
		drv: newCaptureDriver(),
		now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	opts = append([]aggregator.Option{
		aggregator.WithClock(func() time.Time { return f.now }),
	}, opts...)
	f.agg = aggregator.New(f.st, f.st, f.reg, f.drv, discard(), opts...)
	return f
}

func (f *fixture) seed(def *job.Definition) (*job.Job, []*task.Task) {
	f.t.Helper()
	j := &job.Job{
		Entity:   directord.NewEntity(),
		ID:       id.NewJobID(),
		Name:     def.Name,
		Selector: def.Selector,
		Targets:  def.Selector.Targets,
		Steps:    def.Steps,
		Status:   job.StatusPending,
	}
	tasks := job.Materialize(j, job.Defaults{Timeout: time.Minute})
	if err := f.st.SubmitJob(context.Background(), j, tasks); err != nil {
		f.t.Fatalf("submit job: %v", err)
	}
	return j, tasks
}

func (f *fixture) registerWorker(target string) id.WorkerID {
	f.t.Helper()
	wid := id.NewWorkerID()
	f.reg.Register(&fleet.Session{
		WorkerID:      wid,
		Target:        target,
		ConnectedAt:   f.now,
		LastHeartbeat: f.now,
	})
	return wid
}

// dispatch simulates the dispatcher moving a queued task into flight.
func (f *fixture) dispatch(t *task.Task, wid id.WorkerID) *task.Task {
	f.t.Helper()
	d := t.Clone()
	d.State = task.StateDispatched
	d.Attempt++
	d.WorkerID = wid
	d.DispatchedAt = &f.now
	d.Touch()
	if err := f.st.TransitionTask(context.Background(), d, task.StateQueued); err != nil {
		f.t.Fatalf("dispatch transition: %v", err)
	}
	if err := f.reg.SetInFlight(wid, d.ID); err != nil {
		f.t.Fatalf("set in flight: %v", err)
	}
	return d
}

func (f *fixture) resultMsg(wid id.WorkerID, target string, rm wire.ResultMessage) driver.Message {
	f.t.Helper()
	frame, err := wire.NewEventFrame(wire.MethodResult, rm)
	if err != nil {
		f.t.Fatalf("build result frame: %v", err)
	}
	return driver.Message{WorkerID: wid, Target: target, Frame: frame}
}

func (f *fixture) getTask(taskID id.TaskID) *task.Task {
	f.t.Helper()
	got, err := f.st.GetTask(context.Background(), taskID)
	if err != nil {
		f.t.Fatalf("get task: %v", err)
	}
	return got
}

func (f *fixture) getJob(jobID id.JobID) *job.Job {
	f.t.Helper()
	got, err := f.st.GetJob(context.Background(), jobID)
	if err != nil {
		f.t.Fatalf("get job: %v", err)
	}
	return got
}

func singleStep(name, target string, extra ...func(*job.Step)) *job.Definition {
	s := job.Step{Name: "run", Payload: task.Payload{Kind: "shell", Parameters: json.RawMessage(`{"cmd":"true"}`)}}
	for _, fn := range extra {
		fn(&s)
	}
	return job.NewDefinition(name, job.Selector{Targets: []string{target}}, s)
}

// ── Session lifecycle ───────────────────────────────

func TestConnectedRegistersSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	wid := id.NewWorkerID()
	f.agg.HandleEvent(context.Background(), driver.Event{
		Type:     driver.EventConnected,
		WorkerID: wid,
		Target:   "node-a",
		Labels:   map[string]string{"rack": "r1"},
		At:       f.now,
	})

	sess := f.reg.Lookup("node-a")
	if sess == nil {
		t.Fatal("session not registered")
	}
	if sess.WorkerID != wid || sess.Labels["rack"] != "r1" {
		t.Errorf("session = %+v", sess)
	}

	f.agg.HandleEvent(context.Background(), driver.Event{
		Type:     driver.EventDisconnected,
		WorkerID: wid,
		Target:   "node-a",
	})
	if f.reg.Lookup("node-a") != nil {
		t.Error("session survived disconnect")
	}
}

func TestHeartbeatRefreshesAndAcks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")

	f.now = f.now.Add(20 * time.Second)
	frame, err := wire.NewEventFrame(wire.MethodHeartbeat, wire.HeartbeatMessage{
		Target: "node-a",
		At:     f.now,
	})
	if err != nil {
		t.Fatalf("build heartbeat: %v", err)
	}
	f.agg.HandleMessage(context.Background(), driver.Message{
		WorkerID: wid, Target: "node-a", Frame: frame,
	})

	if sess := f.reg.Get(wid); !sess.LastHeartbeat.Equal(f.now) {
		t.Errorf("last heartbeat = %s, want %s", sess.LastHeartbeat, f.now)
	}

	acks := f.drv.sentTo("node-a")
	if len(acks) != 1 || acks[0].Method != wire.MethodHeartbeatAck {
		t.Fatalf("acks = %v, want one heartbeat_ack", acks)
	}
}

// ── Acks ────────────────────────────────────────────

func TestAckPromotesToRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")
	_, tasks := f.seed(singleStep("deploy", "node-a"))
	d := f.dispatch(tasks[0], wid)

	frame, _ := wire.NewEventFrame(wire.MethodAck, wire.AckMessage{TaskID: d.ID.String(), Attempt: 1})
	f.agg.HandleMessage(context.Background(), driver.Message{WorkerID: wid, Target: "node-a", Frame: frame})

	if got := f.getTask(d.ID); got.State != task.StateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
}

func TestStaleAckIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")
	_, tasks := f.seed(singleStep("deploy", "node-a"))
	d := f.dispatch(tasks[0], wid)

	frame, _ := wire.NewEventFrame(wire.MethodAck, wire.AckMessage{TaskID: d.ID.String(), Attempt: 7})
	f.agg.HandleMessage(context.Background(), driver.Message{WorkerID: wid, Target: "node-a", Frame: frame})

	if got := f.getTask(d.ID); got.State != task.StateDispatched {
		t.Errorf("state = %s, want still dispatched", got.State)
	}
}

// ── Results ─────────────────────────────────────────

func TestSuccessResultFinishesJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")
	j, tasks := f.seed(singleStep("deploy", "node-a"))
	d := f.dispatch(tasks[0], wid)

	f.agg.HandleMessage(context.Background(), f.resultMsg(wid, "node-a", wire.ResultMessage{
		TaskID:  d.ID.String(),
		Attempt: 1,
		Status:  string(task.ExitSuccess),
		Output:  []byte("done"),
	}))

	got := f.getTask(d.ID)
	if got.State != task.StateSucceeded {
		t.Fatalf("state = %s, want succeeded", got.State)
	}
	res, err := f.st.LastResult(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("last result: %v", err)
	}
	if string(res.Output) != "done" || !res.OK() {
		t.Errorf("result = %+v", res)
	}
	if status := f.getJob(j.ID).Status; status != job.StatusSucceeded {
		t.Errorf("job status = %s, want succeeded", status)
	}
	if sess := f.reg.Get(wid); !sess.Idle() {
		t.Error("worker slot not released")
	}
}

func TestDuplicateResultIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")
	_, tasks := f.seed(singleStep("deploy", "node-a"))
	d := f.dispatch(tasks[0], wid)

	msg := f.resultMsg(wid, "node-a", wire.ResultMessage{
		TaskID: d.ID.String(), Attempt: 1, Status: string(task.ExitSuccess),
	})
	f.agg.HandleMessage(context.Background(), msg)
	f.agg.HandleMessage(context.Background(), msg)

	results, err := f.st.ListResults(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want replay dropped", len(results))
	}
}

func TestStaleAttemptResultDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")
	_, tasks := f.seed(singleStep("deploy", "node-a"))
	d := f.dispatch(tasks[0], wid)

	f.agg.HandleMessage(context.Background(), f.resultMsg(wid, "node-a", wire.ResultMessage{
		TaskID: d.ID.String(), Attempt: 0, Status: string(task.ExitSuccess),
	}))

	if got := f.getTask(d.ID); got.State != task.StateDispatched {
		t.Errorf("state = %s, want untouched by a stale-attempt result", got.State)
	}
}

func TestFailureRequeuesWithBackoffDelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")
	_, tasks := f.seed(singleStep("retry", "node-a", func(s *job.Step) {
		s.MaxRetries = 2
		s.Backoff = backoff.Config{Curve: backoff.CurveConstant, Initial: 5 * time.Second}
	}))
	d := f.dispatch(tasks[0], wid)

	f.agg.HandleMessage(context.Background(), f.resultMsg(wid, "node-a", wire.ResultMessage{
		TaskID: d.ID.String(), Attempt: 1, Status: string(task.ExitFailure), Error: "exit 1",
	}))

	got := f.getTask(d.ID)
	if got.State != task.StateQueued {
		t.Fatalf("state = %s, want requeued", got.State)
	}
	if want := f.now.Add(5 * time.Second); !got.NotBefore.Equal(want) {
		t.Errorf("not before = %s, want %s", got.NotBefore, want)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1 preserved until redispatch", got.Attempt)
	}
	if got.LastError != "exit 1" {
		t.Errorf("last error = %q", got.LastError)
	}
}

func TestExhaustionSkipsDependentsAndFailsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")

	def := job.NewDefinition("pipeline",
		job.Selector{Targets: []string{"node-a"}},
		job.Step{Name: "build", Payload: task.Payload{Kind: "shell"}},
		job.Step{Name: "push", Payload: task.Payload{Kind: "shell"}},
	)
	j, tasks := f.seed(def)
	d := f.dispatch(tasks[0], wid)

	f.agg.HandleMessage(context.Background(), f.resultMsg(wid, "node-a", wire.ResultMessage{
		TaskID: d.ID.String(), Attempt: 1, Status: string(task.ExitFailure), Error: "compile error",
	}))

	if got := f.getTask(tasks[0].ID); got.State != task.StateFailed {
		t.Errorf("build state = %s, want failed", got.State)
	}
	if got := f.getTask(tasks[1].ID); got.State != task.StateSkipped {
		t.Errorf("push state = %s, want skipped", got.State)
	}
	if status := f.getJob(j.ID).Status; status != job.StatusFailed {
		t.Errorf("job status = %s, want failed", status)
	}
}

func TestSuccessUnblocksDependentOnSameTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")
	woken := 0
	f2 := aggregator.New(f.st, f.st, f.reg, f.drv, discard(),
		aggregator.WithClock(func() time.Time { return f.now }),
		aggregator.WithWake(func() { woken++ }),
	)

	def := job.NewDefinition("pipeline",
		job.Selector{Targets: []string{"node-a"}},
		job.Step{Name: "build", Payload: task.Payload{Kind: "shell"}},
		job.Step{Name: "push", Payload: task.Payload{Kind: "shell"}},
	)
	_, tasks := f.seed(def)
	d := f.dispatch(tasks[0], wid)

	f2.HandleMessage(context.Background(), f.resultMsg(wid, "node-a", wire.ResultMessage{
		TaskID: d.ID.String(), Attempt: 1, Status: string(task.ExitSuccess),
	}))

	if got := f.getTask(tasks[1].ID); got.State != task.StateQueued {
		t.Errorf("dependent state = %s, want promoted to queued", got.State)
	}
	if woken == 0 {
		t.Error("dispatcher never woken after promotion")
	}
}

func TestBarrierWaitsForWholeStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	widA := f.registerWorker("node-a")
	widB := f.registerWorker("node-b")

	def := job.NewDefinition("rollout",
		job.Selector{Targets: []string{"node-a", "node-b"}},
		job.Step{Name: "drain", Payload: task.Payload{Kind: "shell"}},
		job.Step{Name: "flip", Payload: task.Payload{Kind: "shell"}, Barrier: true},
	)
	_, tasks := f.seed(def)
	// Step-major order: drain@a, drain@b, flip@a, flip@b.
	drainA, drainB, flipA, flipB := tasks[0], tasks[1], tasks[2], tasks[3]

	da := f.dispatch(drainA, widA)
	f.agg.HandleMessage(context.Background(), f.resultMsg(widA, "node-a", wire.ResultMessage{
		TaskID: da.ID.String(), Attempt: 1, Status: string(task.ExitSuccess),
	}))

	if got := f.getTask(flipA.ID); got.State != task.StatePending {
		t.Fatalf("flip@a state = %s, want pending behind the barrier", got.State)
	}

	db := f.dispatch(drainB, widB)
	f.agg.HandleMessage(context.Background(), f.resultMsg(widB, "node-b", wire.ResultMessage{
		TaskID: db.ID.String(), Attempt: 1, Status: string(task.ExitSuccess),
	}))

	for _, flip := range []*task.Task{flipA, flipB} {
		if got := f.getTask(flip.ID); got.State != task.StateQueued {
			t.Errorf("%s state = %s, want queued once the step completed", flip.StepName, got.State)
		}
	}
}

func TestCancelRequestedResultRecordedButIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")
	j, tasks := f.seed(singleStep("doomed", "node-a"))
	d := f.dispatch(tasks[0], wid)

	if _, err := f.st.MarkJobCancelled(context.Background(), j.ID); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}

	f.agg.HandleMessage(context.Background(), f.resultMsg(wid, "node-a", wire.ResultMessage{
		TaskID: d.ID.String(), Attempt: 1, Status: string(task.ExitSuccess), Output: []byte("late"),
	}))

	if got := f.getTask(d.ID); got.State != task.StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
	// The outcome stays on the audit trail even though it moved nothing.
	res, err := f.st.LastResult(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("last result: %v", err)
	}
	if string(res.Output) != "late" {
		t.Errorf("result output = %q", res.Output)
	}
}

// ── Dispatcher-facing completions ───────────────────

func TestCompleteFromCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	j, tasks := f.seed(singleStep("cached", "node-a"))

	entry := &dedup.Entry{
		Fingerprint: tasks[0].Fingerprint,
		Target:      "node-a",
		TaskID:      id.NewTaskID(),
		ResultID:    id.NewResultID(),
		Output:      []byte("warm"),
		CompletedAt: f.now.Add(-time.Minute),
		ExpiresAt:   f.now.Add(time.Hour),
	}
	err := f.agg.CompleteFromCache(context.Background(), tasks[0], entry)
	if err != nil {
		t.Fatalf("complete from cache: %v", err)
	}

	got := f.getTask(tasks[0].ID)
	if got.State != task.StateSucceeded {
		t.Fatalf("state = %s, want succeeded", got.State)
	}
	res, err := f.st.LastResult(context.Background(), tasks[0].ID)
	if err != nil {
		t.Fatalf("last result: %v", err)
	}
	if !res.Cached || string(res.Output) != "warm" {
		t.Errorf("result = %+v, want cached output", res)
	}
	if status := f.getJob(j.ID).Status; status != job.StatusSucceeded {
		t.Errorf("job status = %s, want succeeded", status)
	}
}

func TestFailOverdueRoutesThroughRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")
	_, tasks := f.seed(singleStep("slow", "node-a", func(s *job.Step) {
		s.MaxRetries = 1
		s.Backoff = backoff.Config{Curve: backoff.CurveConstant, Initial: time.Second}
	}))
	d := f.dispatch(tasks[0], wid)

	if err := f.agg.FailOverdue(context.Background(), d); err != nil {
		t.Fatalf("fail overdue: %v", err)
	}

	got := f.getTask(d.ID)
	if got.State != task.StateQueued {
		t.Fatalf("state = %s, want requeued for the second attempt", got.State)
	}
	res, err := f.st.LastResult(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("last result: %v", err)
	}
	if res.Error != "deadline exceeded" {
		t.Errorf("synthetic result error = %q", res.Error)
	}
	if sess := f.reg.Get(wid); !sess.Idle() {
		t.Error("worker slot not released on expiry")
	}
}

func TestLateResultAfterExpiryKeepsRequeue(t *testing.T) {
	t.Parallel()
	rel := &countingReleaser{}
	f := newFixture(t, aggregator.WithLimiter(rel))
	wid := f.registerWorker("node-a")
	_, tasks := f.seed(singleStep("slow", "node-a", func(s *job.Step) {
		s.MaxRetries = 1
		s.Backoff = backoff.Config{Curve: backoff.CurveConstant, Initial: time.Second}
	}))
	d := f.dispatch(tasks[0], wid)

	if err := f.agg.FailOverdue(context.Background(), d); err != nil {
		t.Fatalf("fail overdue: %v", err)
	}
	if got := rel.count("node-a"); got != 1 {
		t.Fatalf("releases after expiry = %d, want 1", got)
	}

	// The worker's result for the expired attempt arrives late. The
	// watchdog's requeue stands and no second slot release happens.
	f.agg.HandleMessage(context.Background(), f.resultMsg(wid, "node-a", wire.ResultMessage{
		TaskID: d.ID.String(), Attempt: 1, Status: string(task.ExitSuccess),
	}))

	if got := rel.count("node-a"); got != 1 {
		t.Errorf("releases after late result = %d, want 1", got)
	}
	got := f.getTask(d.ID)
	if got.State != task.StateQueued {
		t.Errorf("state = %s, want still queued for retry", got.State)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
	res, err := f.st.LastResult(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("last result: %v", err)
	}
	if res.Error != "deadline exceeded" {
		t.Errorf("recorded result = %q, want the expiry one", res.Error)
	}
}

func TestFailOverdueConflictsWhenResultWonTheRace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	wid := f.registerWorker("node-a")
	_, tasks := f.seed(singleStep("raced", "node-a"))
	d := f.dispatch(tasks[0], wid)

	f.agg.HandleMessage(context.Background(), f.resultMsg(wid, "node-a", wire.ResultMessage{
		TaskID: d.ID.String(), Attempt: 1, Status: string(task.ExitSuccess),
	}))

	if err := f.agg.FailOverdue(context.Background(), d); !errors.Is(err, directord.ErrStateConflict) {
		t.Errorf("fail overdue after result = %v, want state conflict", err)
	}
}
