package directord

import "time"

// Config holds configuration for the Director.
type Config struct {
	// MaxInFlight is the maximum number of tasks dispatched fleet-wide
	// at any moment.
	MaxInFlight int

	// PerTargetInFlight is the maximum number of tasks dispatched to a
	// single target at once. Agents execute serially, so values above 1
	// only deepen the agent-side queue.
	PerTargetInFlight int

	// PollInterval is how often the dispatcher scans for ready tasks.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often agents are expected to heartbeat.
	HeartbeatInterval time.Duration

	// WorkerStaleAfter is how long a registration survives without a
	// heartbeat before the worker is considered lost.
	WorkerStaleAfter time.Duration

	// DefaultTaskTimeout applies to steps that do not set their own
	// execution timeout.
	DefaultTaskTimeout time.Duration

	// DefaultMaxRetries applies to steps that do not set a retry policy.
	DefaultMaxRetries int

	// DedupTTL is the cache lifetime for deduplication entries created
	// by steps that enable dedup without naming a TTL.
	DedupTTL time.Duration

	// JobRetention is how long finished jobs and their tasks are kept
	// before the janitor prunes them. Zero disables pruning.
	JobRetention time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:        64,
		PerTargetInFlight:  1,
		PollInterval:       500 * time.Millisecond,
		ShutdownTimeout:    30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		WorkerStaleAfter:   30 * time.Second,
		DefaultTaskTimeout: 10 * time.Minute,
		DefaultMaxRetries:  3,
		DedupTTL:           1 * time.Hour,
		JobRetention:       0,
	}
}
