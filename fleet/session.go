package fleet

import (
	"time"

	"github.com/sshnaidm/directord/id"
)

// Session is one connected worker agent. Sessions live only in memory;
// the WorkerID is fresh for every connection even when the same target
// reconnects.
type Session struct {
	WorkerID id.WorkerID       `json:"worker_id"`
	Target   string            `json:"target"`
	Labels   map[string]string `json:"labels,omitempty"`

	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// InFlight is the task currently dispatched to this agent, at most
	// one at a time. Nil ID means idle.
	InFlight id.TaskID `json:"in_flight,omitempty"`
}

// Idle reports whether the session has no task in flight.
func (s *Session) Idle() bool {
	return s.InFlight.IsNil()
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	cp := *s
	if s.Labels != nil {
		cp.Labels = make(map[string]string, len(s.Labels))
		for k, v := range s.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}
