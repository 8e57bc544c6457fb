package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
)

// Registry is the in-memory fleet view: one session per target, indexed
// both ways. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byTarget map[string]*Session
	byWorker map[id.WorkerID]*Session
}

// NewRegistry creates an empty fleet registry.
func NewRegistry() *Registry {
	return &Registry{
		byTarget: make(map[string]*Session),
		byWorker: make(map[id.WorkerID]*Session),
	}
}

// Register adds a session for a target. A target reconnecting replaces
// its previous session wholesale; the replaced session is returned so
// the caller can surface the churn.
func (r *Registry) Register(s *Session) (replaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byTarget[s.Target]; ok {
		delete(r.byWorker, old.WorkerID)
		replaced = old
	}
	r.byTarget[s.Target] = s
	r.byWorker[s.WorkerID] = s
	return replaced
}

// Deregister removes a session by worker ID. Removing an unknown worker
// is a no-op, since disconnect events race with sweeps and replacements.
func (r *Registry) Deregister(workerID id.WorkerID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byWorker[workerID]
	if !ok {
		return nil
	}
	delete(r.byWorker, workerID)
	if cur, ok := r.byTarget[s.Target]; ok && cur.WorkerID == workerID {
		delete(r.byTarget, s.Target)
	}
	return s
}

// Heartbeat refreshes a session's liveness timestamp.
func (r *Registry) Heartbeat(workerID id.WorkerID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byWorker[workerID]
	if !ok {
		return directord.ErrWorkerNotFound
	}
	s.LastHeartbeat = at
	return nil
}

// SetInFlight records the task dispatched to a worker. The single
// in-flight slot per session is what keeps per-target execution serial.
func (r *Registry) SetInFlight(workerID id.WorkerID, taskID id.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byWorker[workerID]
	if !ok {
		return directord.ErrWorkerNotFound
	}
	s.InFlight = taskID
	return nil
}

// ClearInFlight frees a worker's in-flight slot.
func (r *Registry) ClearInFlight(workerID id.WorkerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byWorker[workerID]; ok {
		s.InFlight = id.Nil
	}
}

// Lookup returns the session for a target, or nil when the target is
// not connected.
func (r *Registry) Lookup(target string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byTarget[target]
	if !ok {
		return nil
	}
	return s.Clone()
}

// Get returns the session for a worker ID, or nil.
func (r *Registry) Get(workerID id.WorkerID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byWorker[workerID]
	if !ok {
		return nil
	}
	return s.Clone()
}

// IdleTarget reports whether the target has a connected session with a
// free in-flight slot.
func (r *Registry) IdleTarget(target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byTarget[target]
	return ok && s.Idle()
}

// List returns a snapshot of all sessions sorted by target.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byTarget))
	for _, s := range r.byTarget {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTarget)
}

// ResolveSelector expands a job selector into a sorted, deduplicated
// target list. Explicit names pass through as-is; label queries match
// connected agents whose labels contain every requested pair.
func (r *Registry) ResolveSelector(sel job.Selector) []string {
	seen := make(map[string]struct{}, len(sel.Targets))
	for _, t := range sel.Targets {
		seen[t] = struct{}{}
	}

	if len(sel.Labels) > 0 {
		r.mu.RLock()
		for target, s := range r.byTarget {
			if labelsMatch(s.Labels, sel.Labels) {
				seen[target] = struct{}{}
			}
		}
		r.mu.RUnlock()
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// Sweep removes sessions whose last heartbeat is older than staleAfter
// and returns them, so the caller can mark the workers lost.
func (r *Registry) Sweep(now time.Time, staleAfter time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lost []*Session
	for target, s := range r.byTarget {
		if now.Sub(s.LastHeartbeat) > staleAfter {
			delete(r.byTarget, target)
			delete(r.byWorker, s.WorkerID)
			lost = append(lost, s)
		}
	}
	return lost
}
