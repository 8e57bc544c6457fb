package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/task"
)

const taskPlaceholders = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
	$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27`

// insertTask writes one task row on the given transaction.
func insertTask(ctx context.Context, tx pgx.Tx, t *task.Task) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO directord_tasks (`+taskColumns+`) VALUES (`+taskPlaceholders+`)`,
		taskArgs(t)...,
	)
	if err != nil {
		return fmt.Errorf("directord/postgres: insert task: %w", err)
	}
	return nil
}

// InsertTasks persists the decomposed tasks of a job.
func (s *Store) InsertTasks(ctx context.Context, tasks []*task.Task) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM directord_tasks WHERE id = $1`,
		taskID.String(),
	)
	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, directord.ErrTaskNotFound
		}
		return nil, fmt.Errorf("directord/postgres: get task: %w", err)
	}
	return t, nil
}

// ListTasksByJob returns all tasks of a job ordered by step index, then
// target.
func (s *Store) ListTasksByJob(ctx context.Context, jobID id.JobID) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM directord_tasks
		WHERE job_id = $1
		ORDER BY step_index ASC, target ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: list job tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListTasksByState returns tasks in the given state ordered by creation
// time.
func (s *Store) ListTasksByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM directord_tasks
		WHERE state = $1
		ORDER BY created_at ASC
		LIMIT NULLIF($2, -1) OFFSET $3`,
		string(state), limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: list tasks by state: %w", err)
	}
	return collectTasks(rows)
}

// ListReadyTasks returns queued tasks whose NotBefore has passed,
// oldest queued first. SKIP LOCKED keeps concurrent claimers from
// blocking on each other.
func (s *Store) ListReadyTasks(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM directord_tasks
		WHERE state = 'queued'
		  AND (not_before IS NULL OR not_before <= $1)
		ORDER BY queued_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT NULLIF($2, -1)`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: list ready tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListOverdueTasks returns dispatched or running tasks whose deadline
// has passed.
func (s *Store) ListOverdueTasks(ctx context.Context, now time.Time) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM directord_tasks
		WHERE state IN ('dispatched', 'running')
		  AND deadline IS NOT NULL
		  AND deadline <= $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: list overdue tasks: %w", err)
	}
	return collectTasks(rows)
}

// TransitionTask persists t in full, provided the stored record is
// still in state from. The CAS is a conditional UPDATE on the state
// column.
func (s *Store) TransitionTask(ctx context.Context, t *task.Task, from task.State) error {
	if !task.CanTransition(from, t.State) {
		return directord.ErrInvalidTransition
	}

	t.UpdatedAt = time.Now().UTC()
	var workerID *string
	if !t.WorkerID.IsNil() {
		w := t.WorkerID.String()
		workerID = &w
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE directord_tasks SET
			state = $3, attempt = $4, backoff = $5,
			not_before = $6, deadline = $7, worker_id = $8, last_error = $9,
			queued_at = $10, dispatched_at = $11, completed_at = $12,
			updated_at = $13
		WHERE id = $1 AND state = $2`,
		t.ID.String(), string(from), string(t.State), t.Attempt,
		mustJSON(t.Backoff), nullableTime(t.NotBefore), nullableTime(t.Deadline),
		workerID, t.LastError, t.QueuedAt, t.DispatchedAt, t.CompletedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("directord/postgres: transition task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either another actor moved the task, or it does not exist.
		if _, getErr := s.GetTask(ctx, t.ID); getErr != nil {
			return getErr
		}
		return directord.ErrStateConflict
	}
	return nil
}

// CountTasksByState tallies a job's tasks per state.
func (s *Store) CountTasksByState(ctx context.Context, jobID id.JobID) (map[task.State]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, COUNT(*) FROM directord_tasks
		WHERE job_id = $1
		GROUP BY state`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("directord/postgres: count tasks scan: %w", err)
		}
		counts[task.State(state)] = n
	}
	return counts, rows.Err()
}

// AppendResult records an execution attempt outcome.
func (s *Store) AppendResult(ctx context.Context, r *task.Result) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO directord_results (`+resultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		resultArgs(r)...,
	)
	if err != nil {
		return fmt.Errorf("directord/postgres: append result: %w", err)
	}
	return nil
}

// ListResults returns all recorded results for a task ordered by
// attempt.
func (s *Store) ListResults(ctx context.Context, taskID id.TaskID) ([]*task.Result, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+resultColumns+` FROM directord_results
		WHERE task_id = $1
		ORDER BY attempt ASC, recorded_at ASC`,
		taskID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("directord/postgres: list results: %w", err)
	}
	defer rows.Close()

	var results []*task.Result
	for rows.Next() {
		r, scanErr := scanResult(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LastResult returns the most recent result for a task.
func (s *Store) LastResult(ctx context.Context, taskID id.TaskID) (*task.Result, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+resultColumns+` FROM directord_results
		WHERE task_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1`,
		taskID.String(),
	)
	r, err := scanResult(row)
	if err != nil {
		if isNoRows(err) {
			return nil, directord.ErrResultNotFound
		}
		return nil, fmt.Errorf("directord/postgres: last result: %w", err)
	}
	return r, nil
}
