package schedule_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/schedule"
	"github.com/sshnaidm/directord/store/memory"
)

// stubEmitter records EmitScheduleFired calls.
type stubEmitter struct {
	mu    sync.Mutex
	calls []firedCall
}

type firedCall struct {
	EntryName string
	JobID     id.JobID
}

func (e *stubEmitter) EmitScheduleFired(_ context.Context, entryName string, jobID id.JobID) {
	e.mu.Lock()
	e.calls = append(e.calls, firedCall{EntryName: entryName, JobID: jobID})
	e.mu.Unlock()
}

func (e *stubEmitter) getCalls() []firedCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]firedCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// submitSpy tracks job submissions with thread safety.
type submitSpy struct {
	mu    sync.Mutex
	defs  []*job.Definition
	fail  error
	jobID id.JobID
}

func (s *submitSpy) Fn() schedule.SubmitFunc {
	return func(_ context.Context, def *job.Definition) (*job.Job, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail != nil {
			return nil, s.fail
		}
		s.defs = append(s.defs, def)
		if s.jobID.IsNil() {
			s.jobID = id.NewJobID()
		}
		return &job.Job{ID: s.jobID, Name: def.Name}, nil
	}
}

func (s *submitSpy) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.defs)
}

func testDefinition(name string) job.Definition {
	return job.Definition{
		Name:     name,
		Selector: job.Selector{Targets: []string{"node-1"}},
		Steps:    []job.Step{{Name: "sync"}},
	}
}

func registerDueEntry(t *testing.T, s *memory.Store, name string) *schedule.Entry {
	t.Helper()

	past := time.Now().UTC().Add(-1 * time.Second)
	entry := &schedule.Entry{
		Entity:    directord.NewEntity(),
		ID:        id.NewScheduleID(),
		Name:      name,
		Schedule:  "@every 1s",
		Template:  testDefinition(name + "-job"),
		NextRunAt: &past,
		Enabled:   true,
	}

	if err := s.RegisterEntry(context.Background(), entry); err != nil {
		t.Fatalf("RegisterEntry: %v", err)
	}
	return entry
}

func newTestScheduler(t *testing.T) (*schedule.Scheduler, *memory.Store, *stubEmitter, *submitSpy) {
	t.Helper()

	s := memory.New()
	emitter := &stubEmitter{}
	spy := &submitSpy{}
	sched := schedule.NewScheduler(s, spy.Fn(), emitter, slog.Default())
	return sched, s, emitter, spy
}

// ──────────────────────────────────────────────────
// ParseSchedule
// ──────────────────────────────────────────────────

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"five field cron", "*/5 * * * *", false},
		{"midnight daily", "0 0 * * *", false},
		{"every descriptor", "@every 30s", false},
		{"hourly descriptor", "@hourly", false},
		{"empty", "", true},
		{"garbage", "not a cron", true},
		{"six fields", "0 0 0 * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := schedule.ParseSchedule(tt.expr)
			if tt.wantErr && err == nil {
				t.Errorf("ParseSchedule(%q): expected error", tt.expr)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ParseSchedule(%q): unexpected error: %v", tt.expr, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Entry
// ──────────────────────────────────────────────────

func TestNewEntry(t *testing.T) {
	t.Parallel()

	entry, err := schedule.NewEntry("nightly", "0 0 * * *", testDefinition("nightly-job"))
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	if !entry.Enabled {
		t.Error("new entry should be enabled")
	}
	if entry.NextRunAt == nil {
		t.Fatal("NextRunAt not computed")
	}
	if !entry.NextRunAt.After(time.Now().UTC()) {
		t.Errorf("NextRunAt should be in the future, got %v", entry.NextRunAt)
	}
}

func TestNewEntry_BadExpression(t *testing.T) {
	t.Parallel()

	if _, err := schedule.NewEntry("broken", "nope", testDefinition("x")); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestEntryClone_Isolation(t *testing.T) {
	t.Parallel()

	entry, err := schedule.NewEntry("clone-me", "@every 1m", testDefinition("clone-job"))
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}

	cp := entry.Clone()
	cp.Template.Steps[0].Name = "mutated"
	cp.Template.Selector.Targets[0] = "mutated"

	if entry.Template.Steps[0].Name == "mutated" {
		t.Error("clone shares Steps with original")
	}
	if entry.Template.Selector.Targets[0] == "mutated" {
		t.Error("clone shares Selector.Targets with original")
	}
}

// ──────────────────────────────────────────────────
// Tick
// ──────────────────────────────────────────────────

func TestTick_FiresDueEntry(t *testing.T) {
	t.Parallel()

	sched, s, emitter, spy := newTestScheduler(t)
	entry := registerDueEntry(t, s, "due-entry")

	sched.Tick(time.Now().UTC())

	if spy.Count() != 1 {
		t.Fatalf("expected 1 submission, got %d", spy.Count())
	}
	calls := emitter.getCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 fired event, got %d", len(calls))
	}
	if calls[0].EntryName != "due-entry" {
		t.Errorf("fired entry name: want due-entry, got %q", calls[0].EntryName)
	}

	// The entry's bookkeeping is updated and the next run advances.
	updated, err := s.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if updated.LastRunAt == nil {
		t.Error("LastRunAt not stamped")
	}
	if updated.LastJobID.IsNil() {
		t.Error("LastJobID not recorded")
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Errorf("NextRunAt not advanced: %v", updated.NextRunAt)
	}
}

func TestTick_SkipsNotDueEntry(t *testing.T) {
	t.Parallel()

	sched, s, _, spy := newTestScheduler(t)

	future := time.Now().UTC().Add(time.Hour)
	entry := &schedule.Entry{
		Entity:    directord.NewEntity(),
		ID:        id.NewScheduleID(),
		Name:      "later",
		Schedule:  "@every 1h",
		Template:  testDefinition("later-job"),
		NextRunAt: &future,
		Enabled:   true,
	}
	if err := s.RegisterEntry(context.Background(), entry); err != nil {
		t.Fatalf("RegisterEntry: %v", err)
	}

	sched.Tick(time.Now().UTC())

	if spy.Count() != 0 {
		t.Errorf("expected 0 submissions for a future entry, got %d", spy.Count())
	}
}

func TestTick_SkipsDisabledEntry(t *testing.T) {
	t.Parallel()

	sched, s, _, spy := newTestScheduler(t)
	entry := registerDueEntry(t, s, "disabled-entry")

	entry.Enabled = false
	if err := s.UpdateEntry(context.Background(), entry); err != nil {
		t.Fatalf("UpdateEntry: %v", err)
	}

	sched.Tick(time.Now().UTC())

	if spy.Count() != 0 {
		t.Errorf("expected 0 submissions for a disabled entry, got %d", spy.Count())
	}
}

func TestTick_AdvancesNextRunOnSubmitFailure(t *testing.T) {
	t.Parallel()

	s := memory.New()
	emitter := &stubEmitter{}
	spy := &submitSpy{fail: errors.New("fleet empty")}
	sched := schedule.NewScheduler(s, spy.Fn(), emitter, slog.Default())

	entry := registerDueEntry(t, s, "failing-entry")
	now := time.Now().UTC()

	sched.Tick(now)

	// No fired event on submit failure, but NextRunAt still advances
	// so the broken entry does not fire on every tick.
	if len(emitter.getCalls()) != 0 {
		t.Error("fired event emitted despite submit failure")
	}
	updated, err := s.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(now) {
		t.Errorf("NextRunAt not advanced past tick time: %v", updated.NextRunAt)
	}
}

func TestTick_DisablesEntryWithBadExpression(t *testing.T) {
	t.Parallel()

	sched, s, _, _ := newTestScheduler(t)
	entry := registerDueEntry(t, s, "corrupt-entry")

	// Corrupt the expression after registration.
	entry.Schedule = "not a cron"
	if err := s.UpdateEntry(context.Background(), entry); err != nil {
		t.Fatalf("UpdateEntry: %v", err)
	}

	sched.Tick(time.Now().UTC())

	updated, err := s.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if updated.Enabled {
		t.Error("entry with unparseable expression should be disabled")
	}
}

func TestTick_FiresOncePerDue(t *testing.T) {
	t.Parallel()

	sched, s, _, spy := newTestScheduler(t)
	registerDueEntry(t, s, "once-entry")

	now := time.Now().UTC()
	sched.Tick(now)
	// Second tick at the same instant: NextRunAt has advanced past now.
	sched.Tick(now)

	if spy.Count() != 1 {
		t.Errorf("expected exactly 1 submission across two ticks, got %d", spy.Count())
	}
}

// ──────────────────────────────────────────────────
// Start / Stop
// ──────────────────────────────────────────────────

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()

	s := memory.New()
	spy := &submitSpy{}
	sched := schedule.NewScheduler(s, spy.Fn(), &stubEmitter{}, slog.Default(),
		schedule.WithTickInterval(10*time.Millisecond))
	registerDueEntry(t, s, "loop-entry")

	ctx := context.Background()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for spy.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if spy.Count() == 0 {
		t.Error("tick loop never fired the due entry")
	}
}
