package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/sshnaidm/directord/dedup"
	"github.com/sshnaidm/directord/id"
)

// PutEntry stores a cache entry, replacing any previous one for the
// same fingerprint.
func (s *Store) PutEntry(ctx context.Context, e *dedup.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO directord_dedup (
			fingerprint, target, task_id, result_id, output,
			completed_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fingerprint) DO UPDATE SET
			target = EXCLUDED.target,
			task_id = EXCLUDED.task_id,
			result_id = EXCLUDED.result_id,
			output = EXCLUDED.output,
			completed_at = EXCLUDED.completed_at,
			expires_at = EXCLUDED.expires_at`,
		e.Fingerprint, e.Target, e.TaskID.String(), e.ResultID.String(),
		e.Output, e.CompletedAt, e.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("directord/postgres: put dedup entry: %w", err)
	}
	return nil
}

// LookupEntry returns the live entry for a fingerprint, or nil when
// none exists or it has expired.
func (s *Store) LookupEntry(ctx context.Context, fingerprint string, now time.Time) (*dedup.Entry, error) {
	var (
		e                    dedup.Entry
		rawTaskID, rawResult string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT fingerprint, target, task_id, result_id, output,
		       completed_at, expires_at
		FROM directord_dedup
		WHERE fingerprint = $1 AND expires_at > $2`,
		fingerprint, now,
	).Scan(&e.Fingerprint, &e.Target, &rawTaskID, &rawResult, &e.Output,
		&e.CompletedAt, &e.ExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("directord/postgres: lookup dedup entry: %w", err)
	}

	e.TaskID, err = id.ParseTaskID(rawTaskID)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: parse dedup task id %q: %w", rawTaskID, err)
	}
	e.ResultID, err = id.ParseResultID(rawResult)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: parse dedup result id %q: %w", rawResult, err)
	}
	return &e, nil
}

// InvalidateFingerprint removes the entry for one fingerprint.
func (s *Store) InvalidateFingerprint(ctx context.Context, fingerprint string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM directord_dedup WHERE fingerprint = $1`,
		fingerprint,
	)
	if err != nil {
		return fmt.Errorf("directord/postgres: invalidate fingerprint: %w", err)
	}
	return nil
}

// InvalidateTarget removes every entry recorded for a target.
func (s *Store) InvalidateTarget(ctx context.Context, target string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM directord_dedup WHERE target = $1`,
		target,
	)
	if err != nil {
		return 0, fmt.Errorf("directord/postgres: invalidate target: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeExpired removes entries past their lifetime.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM directord_dedup WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("directord/postgres: purge expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
