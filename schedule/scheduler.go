package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
)

// SubmitFunc is the callback the scheduler uses to submit jobs.
// This breaks the import cycle: the engine provides the implementation.
type SubmitFunc func(ctx context.Context, def *job.Definition) (*job.Job, error)

// Emitter emits schedule lifecycle events.
// ext.Registry satisfies this interface via EmitScheduleFired.
type Emitter interface {
	EmitScheduleFired(ctx context.Context, entryName string, jobID id.JobID)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler fires due schedule entries on a tick loop. The control
// plane is a single process, so no cross-instance coordination is
// needed to avoid double-firing.
type Scheduler struct {
	store   Store
	submit  SubmitFunc
	emitter Emitter
	logger  *slog.Logger

	tickInterval time.Duration

	// parsed caches parsed cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(store Store, submit SubmitFunc, emitter Emitter, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		submit:       submit,
		emitter:      emitter,
		logger:       logger,
		tickInterval: 1 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick goroutine.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(time.Now().UTC())
		}
	}
}

// Tick processes all entries due at or before now.
func (s *Scheduler) Tick(now time.Time) {
	ctx := context.Background()

	entries, err := s.store.ListEntries(ctx)
	if err != nil {
		s.logger.Error("list schedule entries error", slog.String("error", err.Error()))
		return
	}

	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		if entry.NextRunAt == nil || entry.NextRunAt.After(now) {
			continue
		}
		s.fireEntry(ctx, entry, now)
	}
}

func (s *Scheduler) fireEntry(ctx context.Context, entry *Entry, now time.Time) {
	template := entry.Template
	j, err := s.submit(ctx, &template)
	if err != nil {
		// Advance NextRunAt even on failure so a broken entry does
		// not fire on every tick.
		s.logger.Error("schedule submit error",
			slog.String("schedule_name", entry.Name),
			slog.String("error", err.Error()),
		)
	} else {
		entry.LastJobID = j.ID
	}

	entry.LastRunAt = &now

	sched, parseErr := s.getOrParseSchedule(entry.Schedule)
	if parseErr != nil {
		s.logger.Error("parse schedule expression error",
			slog.String("schedule_name", entry.Name),
			slog.String("schedule", entry.Schedule),
			slog.String("error", parseErr.Error()),
		)
		entry.Enabled = false
	} else {
		next := sched.Next(now)
		entry.NextRunAt = &next
	}

	if updateErr := s.store.UpdateEntry(ctx, entry); updateErr != nil {
		s.logger.Error("update schedule entry error",
			slog.String("schedule_id", entry.ID.String()),
			slog.String("error", updateErr.Error()),
		)
	}

	if err != nil {
		return
	}

	if s.emitter != nil {
		s.emitter.EmitScheduleFired(ctx, entry.Name, entry.LastJobID)
	}

	s.logger.Info("schedule fired",
		slog.String("schedule_name", entry.Name),
		slog.String("job_name", entry.Template.Name),
		slog.String("job_id", entry.LastJobID.String()),
	)
}

// getOrParseSchedule caches parsed cron expressions.
func (s *Scheduler) getOrParseSchedule(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
