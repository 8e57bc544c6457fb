// Package store defines the aggregate persistence interface. Each
// subsystem (job, task, dedup, schedule) defines its own store
// interface; the composite Store composes them all. Backends:
// Memory, Redis, and Postgres.
package store

import (
	"context"

	"github.com/sshnaidm/directord/dedup"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/schedule"
	"github.com/sshnaidm/directord/task"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store.
type Store interface {
	job.Store
	task.Store
	dedup.Cache
	schedule.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
