package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Runner executes one payload kind. Implementations receive the raw
// parameter bytes and return the result output. Returning an error
// marks the attempt failed; it is recorded and retried by the control
// plane per the step's policy.
type Runner interface {
	Run(ctx context.Context, params json.RawMessage) ([]byte, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, params json.RawMessage) ([]byte, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, params json.RawMessage) ([]byte, error) {
	return f(ctx, params)
}

// Registry maps payload kinds to runners. It is safe for concurrent
// use.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds a payload kind to a runner, replacing any previous
// binding.
func (r *Registry) Register(kind string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = runner
}

// Get returns the runner for a kind.
func (r *Registry) Get(kind string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[kind]
	return runner, ok
}

// Kinds returns the registered payload kinds, sorted. Announced to the
// control plane as the agent's capabilities.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ── Built-in runners ────────────────────────────────

// EchoRunner returns its parameters verbatim. Useful for connectivity
// checks and tests.
func EchoRunner() Runner {
	return RunnerFunc(func(_ context.Context, params json.RawMessage) ([]byte, error) {
		return params, nil
	})
}

// SleepRunner pauses for the configured duration, honoring context
// cancellation. Parameters: {"duration": "30s"}.
func SleepRunner() Runner {
	return RunnerFunc(func(ctx context.Context, params json.RawMessage) ([]byte, error) {
		var p struct {
			Duration string `json:"duration"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("sleep: parse parameters: %w", err)
			}
		}
		d := time.Second
		if p.Duration != "" {
			parsed, err := time.ParseDuration(p.Duration)
			if err != nil {
				return nil, fmt.Errorf("sleep: parse duration %q: %w", p.Duration, err)
			}
			d = parsed
		}

		select {
		case <-time.After(d):
			return []byte(fmt.Sprintf("slept %s", d)), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
