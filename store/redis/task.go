package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/task"
)

// allTaskStates enumerates the per-state index sets for cleanup.
var allTaskStates = []task.State{
	task.StatePending, task.StateQueued, task.StateDispatched,
	task.StateRunning, task.StateSucceeded, task.StateFailed,
	task.StateSkipped, task.StateCancelled,
}

// pipeSetJSON marshals v and queues a SET on the pipeline.
func pipeSetJSON(ctx context.Context, pipe goredis.Pipeliner, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("directord/redis: marshal %s: %w", key, err)
	}
	pipe.Set(ctx, key, b, 0)
	return nil
}

// pipeInsertTask queues the task entity plus all of its index writes.
func pipeInsertTask(ctx context.Context, pipe goredis.Pipeliner, t *task.Task) error {
	tID := t.ID.String()
	if err := pipeSetJSON(ctx, pipe, taskKey(tID), t); err != nil {
		return err
	}
	pipe.SAdd(ctx, jobTasksKey(t.JobID.String()), tID)
	pipe.SAdd(ctx, taskStateKey(string(t.State)), tID)
	if t.State == task.StateQueued {
		pipe.ZAdd(ctx, readyKey, goredis.Z{Score: queueScore(t), Member: tID})
	}
	return nil
}

// queueScore orders the ready set by QueuedAt (FIFO).
func queueScore(t *task.Task) float64 {
	if t.QueuedAt == nil {
		return 0
	}
	return float64(t.QueuedAt.UnixNano())
}

// InsertTasks persists the decomposed tasks of a job.
func (s *Store) InsertTasks(ctx context.Context, tasks []*task.Task) error {
	pipe := s.rdb.TxPipeline()
	for _, t := range tasks {
		if err := pipeInsertTask(ctx, pipe, t); err != nil {
			return err
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("directord/redis: insert tasks: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	var t task.Task
	if err := s.getEntity(ctx, taskKey(taskID.String()), &t); err != nil {
		if isRedisNil(err) {
			return nil, directord.ErrTaskNotFound
		}
		return nil, fmt.Errorf("directord/redis: get task: %w", err)
	}
	return &t, nil
}

// ListTasksByJob returns all tasks of a job ordered by step index, then
// target.
func (s *Store) ListTasksByJob(ctx context.Context, jobID id.JobID) ([]*task.Task, error) {
	ids, err := s.rdb.SMembers(ctx, jobTasksKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("directord/redis: list job tasks: %w", err)
	}

	tasks := s.loadTasks(ctx, ids)
	sort.Slice(tasks, func(i, k int) bool {
		if tasks[i].StepIndex != tasks[k].StepIndex {
			return tasks[i].StepIndex < tasks[k].StepIndex
		}
		return tasks[i].Target < tasks[k].Target
	})
	return tasks, nil
}

// ListTasksByState returns tasks in the given state ordered by creation
// time.
func (s *Store) ListTasksByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	ids, err := s.rdb.SMembers(ctx, taskStateKey(string(state))).Result()
	if err != nil {
		return nil, fmt.Errorf("directord/redis: list tasks by state: %w", err)
	}

	tasks := s.loadTasks(ctx, ids)
	sort.Slice(tasks, func(i, k int) bool {
		return tasks[i].CreatedAt.Before(tasks[k].CreatedAt)
	})

	if opts.Offset >= len(tasks) {
		return nil, nil
	}
	tasks = tasks[opts.Offset:]
	if opts.Limit > 0 && len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

// ListReadyTasks returns queued tasks whose NotBefore has passed,
// oldest queued first.
func (s *Store) ListReadyTasks(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	ids, err := s.rdb.ZRange(ctx, readyKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("directord/redis: ready range: %w", err)
	}

	out := make([]*task.Task, 0, limit)
	for _, tID := range ids {
		var t task.Task
		if getErr := s.getEntity(ctx, taskKey(tID), &t); getErr != nil {
			continue
		}
		if t.State != task.StateQueued {
			continue
		}
		if !t.NotBefore.IsZero() && t.NotBefore.After(now) {
			continue
		}
		out = append(out, &t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListOverdueTasks returns dispatched or running tasks whose deadline
// has passed.
func (s *Store) ListOverdueTasks(ctx context.Context, now time.Time) ([]*task.Task, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, deadlineKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixNano()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("directord/redis: deadline range: %w", err)
	}

	out := make([]*task.Task, 0, len(ids))
	for _, tID := range ids {
		var t task.Task
		if getErr := s.getEntity(ctx, taskKey(tID), &t); getErr != nil {
			continue
		}
		if t.State != task.StateDispatched && t.State != task.StateRunning {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// TransitionTask persists t in full, provided the stored record is
// still in state from. The task key is watched so a concurrent writer
// aborts the transaction instead of being overwritten.
func (s *Store) TransitionTask(ctx context.Context, t *task.Task, from task.State) error {
	if !task.CanTransition(from, t.State) {
		return directord.ErrInvalidTransition
	}

	tID := t.ID.String()
	key := taskKey(tID)
	t.UpdatedAt = time.Now().UTC()

	err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if isRedisNil(err) {
				return directord.ErrTaskNotFound
			}
			return err
		}
		var stored task.Task
		if err := json.Unmarshal(b, &stored); err != nil {
			return fmt.Errorf("directord/redis: unmarshal task: %w", err)
		}
		if stored.State != from {
			return directord.ErrStateConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if err := pipeSetJSON(ctx, pipe, key, t); err != nil {
				return err
			}
			pipe.SRem(ctx, taskStateKey(string(from)), tID)
			pipe.SAdd(ctx, taskStateKey(string(t.State)), tID)

			if t.State == task.StateQueued {
				pipe.ZAdd(ctx, readyKey, goredis.Z{Score: queueScore(t), Member: tID})
			} else {
				pipe.ZRem(ctx, readyKey, tID)
			}

			inFlight := t.State == task.StateDispatched || t.State == task.StateRunning
			if inFlight && !t.Deadline.IsZero() {
				pipe.ZAdd(ctx, deadlineKey, goredis.Z{
					Score:  float64(t.Deadline.UnixNano()),
					Member: tID,
				})
			} else {
				pipe.ZRem(ctx, deadlineKey, tID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return directord.ErrStateConflict
	}
	return err
}

// CountTasksByState tallies a job's tasks per state.
func (s *Store) CountTasksByState(ctx context.Context, jobID id.JobID) (map[task.State]int, error) {
	tasks, err := s.ListTasksByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counts := make(map[task.State]int)
	for _, t := range tasks {
		counts[t.State]++
	}
	return counts, nil
}

// AppendResult records an execution attempt outcome.
func (s *Store) AppendResult(ctx context.Context, r *task.Result) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("directord/redis: marshal result: %w", err)
	}
	if err := s.rdb.RPush(ctx, resultsKey(r.TaskID.String()), b).Err(); err != nil {
		return fmt.Errorf("directord/redis: append result: %w", err)
	}
	return nil
}

// ListResults returns all recorded results for a task ordered by
// attempt.
func (s *Store) ListResults(ctx context.Context, taskID id.TaskID) ([]*task.Result, error) {
	raw, err := s.rdb.LRange(ctx, resultsKey(taskID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("directord/redis: list results: %w", err)
	}

	out := make([]*task.Result, 0, len(raw))
	for _, item := range raw {
		var r task.Result
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].Attempt < out[k].Attempt
	})
	return out, nil
}

// LastResult returns the most recent result for a task.
func (s *Store) LastResult(ctx context.Context, taskID id.TaskID) (*task.Result, error) {
	results, err := s.ListResults(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, directord.ErrResultNotFound
	}
	last := results[0]
	for _, r := range results[1:] {
		if r.RecordedAt.After(last.RecordedAt) {
			last = r
		}
	}
	return last, nil
}

// loadTasks fetches task entities by ID, skipping missing records.
func (s *Store) loadTasks(ctx context.Context, ids []string) []*task.Task {
	tasks := make([]*task.Task, 0, len(ids))
	for _, tID := range ids {
		var t task.Task
		if err := s.getEntity(ctx, taskKey(tID), &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks
}
