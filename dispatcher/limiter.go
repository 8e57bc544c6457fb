package dispatcher

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimiterConfig defines dispatch admission behaviour.
type LimiterConfig struct {
	// MaxInFlight caps dispatched tasks fleet-wide. Zero means no
	// global limit.
	MaxInFlight int

	// PerTarget caps dispatched tasks per target. Agents execute
	// serially, so the useful value is 1; higher values only deepen the
	// agent-side queue. Zero means 1.
	PerTarget int

	// TargetRate is the maximum sustained dispatches per second to a
	// single target. Zero disables rate limiting.
	TargetRate float64

	// TargetBurst is the burst size for the per-target token bucket.
	// Defaults to 1 when TargetRate is set but TargetBurst is zero.
	TargetBurst int
}

// targetState tracks runtime admission state for a single target.
type targetState struct {
	limiter *rate.Limiter
	active  int
}

// Limiter controls fleet-wide and per-target dispatch admission. The
// dispatcher calls Acquire before sending a task and the aggregator
// calls Release when the task leaves flight. It is safe for concurrent
// use.
type Limiter struct {
	mu      sync.Mutex
	cfg     LimiterConfig
	global  int
	targets map[string]*targetState
}

// NewLimiter creates a Limiter with the given configuration.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.PerTarget <= 0 {
		cfg.PerTarget = 1
	}
	return &Limiter{
		cfg:     cfg,
		targets: make(map[string]*targetState),
	}
}

func (l *Limiter) state(target string) *targetState {
	ts, ok := l.targets[target]
	if !ok {
		ts = &targetState{}
		if l.cfg.TargetRate > 0 {
			burst := l.cfg.TargetBurst
			if burst <= 0 {
				burst = 1
			}
			ts.limiter = rate.NewLimiter(rate.Limit(l.cfg.TargetRate), burst)
		}
		l.targets[target] = ts
	}
	return ts
}

// Acquire checks the global cap, the per-target cap, and the per-target
// rate limit. On success it claims a slot and returns true; the caller
// MUST call Release when the task leaves flight.
func (l *Limiter) Acquire(target string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.MaxInFlight > 0 && l.global >= l.cfg.MaxInFlight {
		return false
	}

	ts := l.state(target)
	if ts.active >= l.cfg.PerTarget {
		return false
	}
	if ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}

	ts.active++
	l.global++
	return true
}

// Release frees the slot claimed for a target. A release for a target
// holding no slot is a no-op so the global count stays paired with
// successful Acquires.
func (l *Limiter) Release(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.targets[target]
	if ts == nil || ts.active == 0 {
		return
	}
	ts.active--
	if l.global > 0 {
		l.global--
	}
}

// InFlight returns the current fleet-wide in-flight count.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global
}

// InFlightTarget returns the in-flight count for one target.
func (l *Limiter) InFlightTarget(target string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts := l.targets[target]; ts != nil {
		return ts.active
	}
	return 0
}
