// Package dedup defines the content-based deduplication cache.
//
// The cache maps task fingerprints to their last successful outcome.
// Only the result aggregator writes entries; the dispatcher consults
// them before sending work out, so identical tasks inside the TTL are
// satisfied without reaching a worker. Expired entries read as absent.
package dedup

import (
	"context"
	"time"

	"github.com/sshnaidm/directord/id"
)

// Entry is one cached successful outcome.
type Entry struct {
	// Fingerprint identifies the work content, per task.Fingerprint.
	Fingerprint string `json:"fingerprint"`

	// Target is the node the work ran on, kept for targeted
	// invalidation.
	Target string `json:"target"`

	// TaskID and ResultID point at the execution that produced this
	// entry.
	TaskID   id.TaskID   `json:"task_id"`
	ResultID id.ResultID `json:"result_id"`

	// Output is the recorded result output, replayed verbatim on a hit.
	Output []byte `json:"output,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its lifetime at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	cp := *e
	if e.Output != nil {
		cp.Output = make([]byte, len(e.Output))
		copy(cp.Output, e.Output)
	}
	return &cp
}

// Cache is the deduplication store contract. Implementations live in
// the store backends.
type Cache interface {
	// PutEntry stores an entry, replacing any previous one for the same
	// fingerprint.
	PutEntry(ctx context.Context, e *Entry) error

	// LookupEntry returns the live entry for a fingerprint, or nil when
	// none exists or it has expired. Implementations return a copy.
	LookupEntry(ctx context.Context, fingerprint string, now time.Time) (*Entry, error)

	// InvalidateFingerprint removes the entry for one fingerprint.
	InvalidateFingerprint(ctx context.Context, fingerprint string) error

	// InvalidateTarget removes every entry recorded for a target, for
	// when the node's configuration changed out from under the cache.
	InvalidateTarget(ctx context.Context, target string) (int, error)

	// PurgeExpired removes entries past their lifetime and reports how
	// many were dropped.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
