package postgres

import (
	"context"
	"fmt"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/schedule"
)

// RegisterEntry persists a new schedule entry.
func (s *Store) RegisterEntry(ctx context.Context, entry *schedule.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO directord_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		scheduleArgs(entry)...,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return directord.ErrDuplicateSchedule
		}
		return fmt.Errorf("directord/postgres: register schedule: %w", err)
	}
	return nil
}

// GetEntry retrieves a schedule entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM directord_schedules WHERE id = $1`,
		entryID.String(),
	)
	e, err := scanSchedule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, directord.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("directord/postgres: get schedule: %w", err)
	}
	return e, nil
}

// ListEntries returns all schedule entries ordered by name.
func (s *Store) ListEntries(ctx context.Context) ([]*schedule.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM directord_schedules ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: list schedules: %w", err)
	}
	defer rows.Close()

	var entries []*schedule.Entry
	for rows.Next() {
		e, scanErr := scanSchedule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateEntry persists changes to an entry.
func (s *Store) UpdateEntry(ctx context.Context, entry *schedule.Entry) error {
	var lastJobID *string
	if !entry.LastJobID.IsNil() {
		jid := entry.LastJobID.String()
		lastJobID = &jid
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE directord_schedules SET
			name = $2, schedule = $3, template = $4, last_run_at = $5,
			next_run_at = $6, last_job_id = $7, enabled = $8,
			updated_at = NOW()
		WHERE id = $1`,
		entry.ID.String(), entry.Name, entry.Schedule, mustJSON(entry.Template),
		entry.LastRunAt, entry.NextRunAt, lastJobID, entry.Enabled,
	)
	if err != nil {
		return fmt.Errorf("directord/postgres: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return directord.ErrScheduleNotFound
	}
	return nil
}

// DeleteEntry removes a schedule entry by ID.
func (s *Store) DeleteEntry(ctx context.Context, entryID id.ScheduleID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM directord_schedules WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("directord/postgres: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return directord.ErrScheduleNotFound
	}
	return nil
}
