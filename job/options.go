package job

import (
	"time"

	"github.com/sshnaidm/directord/backoff"
	"github.com/sshnaidm/directord/task"
)

// StepOption is a functional option for configuring a step.
type StepOption func(*Step)

// NewStep builds a step with the given payload. Unset policies inherit
// the engine defaults at materialization time.
func NewStep(name string, payload task.Payload, opts ...StepOption) Step {
	s := Step{
		Name:       name,
		Payload:    payload,
		MaxRetries: -1,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithRetries sets the retry budget after the first attempt.
func WithRetries(n int) StepOption {
	return func(s *Step) {
		s.MaxRetries = n
	}
}

// WithBackoff selects the retry delay curve for the step.
func WithBackoff(cfg backoff.Config) StepOption {
	return func(s *Step) {
		s.Backoff = cfg
	}
}

// WithStepTimeout bounds one execution attempt. Pass a negative value
// for no deadline.
func WithStepTimeout(d time.Duration) StepOption {
	return func(s *Step) {
		s.Timeout = d
	}
}

// WithBarrier makes the step wait for the whole previous step across
// the fleet before any of its tasks become runnable.
func WithBarrier() StepOption {
	return func(s *Step) {
		s.Barrier = true
	}
}

// WithOptional excludes the step's failures and skips from job status.
func WithOptional() StepOption {
	return func(s *Step) {
		s.Optional = true
	}
}

// WithDedup opts the step into fingerprint deduplication. Zero ttl
// means the engine default.
func WithDedup(ttl time.Duration) StepOption {
	return func(s *Step) {
		s.Dedup = DedupPolicy{Enabled: true, TTL: ttl}
	}
}
