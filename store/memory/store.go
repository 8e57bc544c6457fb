// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/dedup"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/schedule"
	"github.com/sshnaidm/directord/task"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store      = (*Store)(nil)
	_ task.Store     = (*Store)(nil)
	_ dedup.Cache    = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Every record is cloned on the way in and out, so callers never share
// mutable state with the store.
type Store struct {
	mu sync.RWMutex

	jobs      map[string]*job.Job
	tasks     map[string]*task.Task
	results   map[string][]*task.Result // key: task ID
	entries   map[string]*dedup.Entry   // key: fingerprint
	schedules map[string]*schedule.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*job.Job),
		tasks:     make(map[string]*task.Task),
		results:   make(map[string][]*task.Result),
		entries:   make(map[string]*dedup.Entry),
		schedules: make(map[string]*schedule.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// SubmitJob persists a job together with its decomposed tasks.
func (m *Store) SubmitJob(_ context.Context, j *job.Job, tasks []*task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[j.ID.String()] = j.Clone()
	for _, t := range tasks {
		m.tasks[t.ID.String()] = t.Clone()
	}
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, directord.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return directord.ErrJobNotFound
	}
	cp := j.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		matched = append(matched, j)
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	matched = paginate(matched, opts.Offset, opts.Limit)
	out := make([]*job.Job, len(matched))
	for i, j := range matched {
		out[i] = j.Clone()
	}
	return out, nil
}

// MarkJobCancelled sets the cancellation flag and returns the updated
// job.
func (m *Store) MarkJobCancelled(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, directord.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return nil, directord.ErrJobFinished
	}
	j.CancelRequested = true
	j.UpdatedAt = time.Now().UTC()
	return j.Clone(), nil
}

// PruneJobs removes terminal jobs finished before cutoff, along with
// their tasks and results.
func (m *Store) PruneJobs(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for key, j := range m.jobs {
		if !j.Status.Terminal() || j.FinishedAt == nil || !j.FinishedAt.Before(cutoff) {
			continue
		}
		for tk, t := range m.tasks {
			if t.JobID == j.ID {
				delete(m.tasks, tk)
				delete(m.results, tk)
			}
		}
		delete(m.jobs, key)
		pruned++
	}
	return pruned, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.ListOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		n++
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Task Store
// ──────────────────────────────────────────────────

// InsertTasks persists the decomposed tasks of a job.
func (m *Store) InsertTasks(_ context.Context, tasks []*task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range tasks {
		m.tasks[t.ID.String()] = t.Clone()
	}
	return nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, directord.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// ListTasksByJob returns all tasks of a job ordered by step index, then
// target.
func (m *Store) ListTasksByJob(_ context.Context, jobID id.JobID) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.JobID == jobID {
			matched = append(matched, t)
		}
	}

	sort.Slice(matched, func(i, k int) bool {
		if matched[i].StepIndex != matched[k].StepIndex {
			return matched[i].StepIndex < matched[k].StepIndex
		}
		return matched[i].Target < matched[k].Target
	})

	out := make([]*task.Task, len(matched))
	for i, t := range matched {
		out[i] = t.Clone()
	}
	return out, nil
}

// ListTasksByState returns tasks in the given state ordered by creation
// time.
func (m *Store) ListTasksByState(_ context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.State == state {
			matched = append(matched, t)
		}
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.Before(matched[k].CreatedAt)
	})

	matched = paginate(matched, opts.Offset, opts.Limit)
	out := make([]*task.Task, len(matched))
	for i, t := range matched {
		out[i] = t.Clone()
	}
	return out, nil
}

// ListReadyTasks returns queued tasks whose NotBefore has passed,
// oldest queued first.
func (m *Store) ListReadyTasks(_ context.Context, now time.Time, limit int) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.State != task.StateQueued {
			continue
		}
		if !t.NotBefore.IsZero() && t.NotBefore.After(now) {
			continue
		}
		matched = append(matched, t)
	}

	sort.Slice(matched, func(i, k int) bool {
		qi, qk := matched[i].QueuedAt, matched[k].QueuedAt
		switch {
		case qi == nil:
			return qk != nil
		case qk == nil:
			return false
		default:
			return qi.Before(*qk)
		}
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*task.Task, len(matched))
	for i, t := range matched {
		out[i] = t.Clone()
	}
	return out, nil
}

// ListOverdueTasks returns dispatched or running tasks whose deadline
// has passed.
func (m *Store) ListOverdueTasks(_ context.Context, now time.Time) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.State != task.StateDispatched && t.State != task.StateRunning {
			continue
		}
		if t.Deadline.IsZero() || t.Deadline.After(now) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

// TransitionTask persists t in full, provided the stored record is
// still in state from.
func (m *Store) TransitionTask(_ context.Context, t *task.Task, from task.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	stored, ok := m.tasks[key]
	if !ok {
		return directord.ErrTaskNotFound
	}
	if stored.State != from {
		return directord.ErrStateConflict
	}
	if !task.CanTransition(from, t.State) {
		return directord.ErrInvalidTransition
	}

	cp := t.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.tasks[key] = cp
	return nil
}

// CountTasksByState tallies a job's tasks per state.
func (m *Store) CountTasksByState(_ context.Context, jobID id.JobID) (map[task.State]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[task.State]int)
	for _, t := range m.tasks {
		if t.JobID == jobID {
			counts[t.State]++
		}
	}
	return counts, nil
}

// AppendResult records an execution attempt outcome.
func (m *Store) AppendResult(_ context.Context, r *task.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.TaskID.String()
	m.results[key] = append(m.results[key], r.Clone())
	return nil
}

// ListResults returns all recorded results for a task ordered by
// attempt.
func (m *Store) ListResults(_ context.Context, taskID id.TaskID) ([]*task.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.results[taskID.String()]
	out := make([]*task.Result, len(stored))
	for i, r := range stored {
		out[i] = r.Clone()
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].Attempt < out[k].Attempt
	})
	return out, nil
}

// LastResult returns the most recent result for a task.
func (m *Store) LastResult(_ context.Context, taskID id.TaskID) (*task.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.results[taskID.String()]
	if len(stored) == 0 {
		return nil, directord.ErrResultNotFound
	}
	last := stored[0]
	for _, r := range stored[1:] {
		if r.RecordedAt.After(last.RecordedAt) {
			last = r
		}
	}
	return last.Clone(), nil
}

// ──────────────────────────────────────────────────
// Dedup Cache
// ──────────────────────────────────────────────────

// PutEntry stores an entry, replacing any previous one for the same
// fingerprint.
func (m *Store) PutEntry(_ context.Context, e *dedup.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[e.Fingerprint] = e.Clone()
	return nil
}

// LookupEntry returns the live entry for a fingerprint, or nil when
// none exists or it has expired.
func (m *Store) LookupEntry(_ context.Context, fingerprint string, now time.Time) (*dedup.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[fingerprint]
	if !ok || e.Expired(now) {
		return nil, nil
	}
	return e.Clone(), nil
}

// InvalidateFingerprint removes the entry for one fingerprint.
func (m *Store) InvalidateFingerprint(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, fingerprint)
	return nil
}

// InvalidateTarget removes every entry recorded for a target.
func (m *Store) InvalidateTarget(_ context.Context, target string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for fp, e := range m.entries {
		if e.Target == target {
			delete(m.entries, fp)
			removed++
		}
	}
	return removed, nil
}

// PurgeExpired removes entries past their lifetime.
func (m *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for fp, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, fp)
			purged++
		}
	}
	return purged, nil
}

// ──────────────────────────────────────────────────
// Schedule Store
// ──────────────────────────────────────────────────

// RegisterEntry persists a new schedule entry.
func (m *Store) RegisterEntry(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.schedules {
		if e.Name == entry.Name {
			return directord.ErrDuplicateSchedule
		}
	}
	m.schedules[entry.ID.String()] = entry.Clone()
	return nil
}

// GetEntry retrieves a schedule entry by ID.
func (m *Store) GetEntry(_ context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.schedules[entryID.String()]
	if !ok {
		return nil, directord.ErrScheduleNotFound
	}
	return e.Clone(), nil
}

// ListEntries returns all schedule entries ordered by name.
func (m *Store) ListEntries(_ context.Context) ([]*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*schedule.Entry, 0, len(m.schedules))
	for _, e := range m.schedules {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].Name < out[k].Name
	})
	return out, nil
}

// UpdateEntry persists changes to an entry.
func (m *Store) UpdateEntry(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ID.String()
	if _, ok := m.schedules[key]; !ok {
		return directord.ErrScheduleNotFound
	}
	cp := entry.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.schedules[key] = cp
	return nil
}

// DeleteEntry removes a schedule entry by ID.
func (m *Store) DeleteEntry(_ context.Context, entryID id.ScheduleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.schedules[key]; !ok {
		return directord.ErrScheduleNotFound
	}
	delete(m.schedules, key)
	return nil
}

// paginate applies offset and limit to a sorted slice. Zero limit means
// no limit.
func paginate[T any](in []T, offset, limit int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
