package schedule

import (
	"context"

	"github.com/sshnaidm/directord/id"
)

// Store defines the persistence contract for schedule entries.
type Store interface {
	// RegisterEntry persists a new schedule entry. Returns
	// ErrDuplicateSchedule if the name already exists.
	RegisterEntry(ctx context.Context, entry *Entry) error

	// GetEntry retrieves a schedule entry by ID.
	GetEntry(ctx context.Context, entryID id.ScheduleID) (*Entry, error)

	// ListEntries returns all schedule entries.
	ListEntries(ctx context.Context) ([]*Entry, error)

	// UpdateEntry persists changes to an entry (Enabled, run
	// timestamps, template).
	UpdateEntry(ctx context.Context, entry *Entry) error

	// DeleteEntry removes a schedule entry by ID.
	DeleteEntry(ctx context.Context, entryID id.ScheduleID) error
}
