package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
)

// SubmitJob persists the job and its decomposed tasks in one
// transaction.
func (s *Store) SubmitJob(ctx context.Context, j *job.Job, tasks []*task.Task) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO directord_jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			jobArgs(j)...,
		)
		if err != nil {
			return fmt.Errorf("directord/postgres: submit job: %w", err)
		}
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM directord_jobs WHERE id = $1`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, directord.ErrJobNotFound
		}
		return nil, fmt.Errorf("directord/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE directord_jobs SET
			name = $2, selector = $3, targets = $4, steps = $5, status = $6,
			cancel_requested = $7, finished_at = $8, updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), j.Name, mustJSON(j.Selector), mustJSON(j.Targets),
		mustJSON(j.Steps), string(j.Status), j.CancelRequested, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("directord/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return directord.ErrJobNotFound
	}
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // LIMIT ALL
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM directord_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT NULLIF($2, -1) OFFSET $3`,
		string(opts.Status), limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: list jobs: %w", err)
	}
	return collectJobs(rows)
}

// MarkJobCancelled sets the cancellation flag and returns the updated
// job. The terminal check and the flag write happen in one statement.
func (s *Store) MarkJobCancelled(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE directord_jobs
		SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('succeeded', 'partially-failed', 'failed', 'cancelled')
		RETURNING `+jobColumns,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("directord/postgres: cancel job: %w", err)
	}

	// No row updated: either the job is terminal or it does not exist.
	if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
		return nil, getErr
	}
	return nil, directord.ErrJobFinished
}

// PruneJobs removes terminal jobs finished before cutoff. Tasks and
// results go with them via ON DELETE CASCADE.
func (s *Store) PruneJobs(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM directord_jobs
		WHERE status IN ('succeeded', 'partially-failed', 'failed', 'cancelled')
		  AND finished_at IS NOT NULL
		  AND finished_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("directord/postgres: prune jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.ListOpts) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM directord_jobs
		WHERE ($1 = '' OR status = $1)`,
		string(opts.Status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("directord/postgres: count jobs: %w", err)
	}
	return n, nil
}
