package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
)

// SubmitJob persists the job and its decomposed tasks in one
// transactional pipeline.
func (s *Store) SubmitJob(ctx context.Context, j *job.Job, tasks []*task.Task) error {
	jID := j.ID.String()

	pipe := s.rdb.TxPipeline()
	if err := pipeSetJSON(ctx, pipe, jobKey(jID), j); err != nil {
		return err
	}
	pipe.SAdd(ctx, jobIDsKey, jID)
	for _, t := range tasks {
		if err := pipeInsertTask(ctx, pipe, t); err != nil {
			return err
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("directord/redis: submit job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	if err := s.getEntity(ctx, jobKey(jobID.String()), &j); err != nil {
		if isRedisNil(err) {
			return nil, directord.ErrJobNotFound
		}
		return nil, fmt.Errorf("directord/redis: get job: %w", err)
	}
	return &j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID.String())

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("directord/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return directord.ErrJobNotFound
	}

	j.UpdatedAt = time.Now().UTC()
	if err := s.setEntity(ctx, key, j); err != nil {
		return fmt.Errorf("directord/redis: update job: %w", err)
	}
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	jobs, err := s.loadJobs(ctx, opts)
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	if opts.Offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[opts.Offset:]
	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// MarkJobCancelled sets the cancellation flag and returns the updated
// job.
func (s *Store) MarkJobCancelled(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, directord.ErrJobFinished
	}
	j.CancelRequested = true
	if err := s.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// PruneJobs removes terminal jobs finished before cutoff, along with
// their tasks and results.
func (s *Store) PruneJobs(ctx context.Context, cutoff time.Time) (int, error) {
	jobs, err := s.loadJobs(ctx, job.ListOpts{})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, j := range jobs {
		if !j.Status.Terminal() || j.FinishedAt == nil || !j.FinishedAt.Before(cutoff) {
			continue
		}
		if err := s.deleteJob(ctx, j.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.ListOpts) (int64, error) {
	if opts.Status == "" {
		return s.rdb.SCard(ctx, jobIDsKey).Result()
	}
	jobs, err := s.loadJobs(ctx, opts)
	if err != nil {
		return 0, err
	}
	return int64(len(jobs)), nil
}

// loadJobs fetches every job and applies the status filter.
func (s *Store) loadJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.rdb.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("directord/redis: list job ids: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		var j job.Job
		if getErr := s.getEntity(ctx, jobKey(jID), &j); getErr != nil {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// deleteJob removes a job, its tasks, results, and index entries.
func (s *Store) deleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	taskIDs, err := s.rdb.SMembers(ctx, jobTasksKey(jID)).Result()
	if err != nil {
		return fmt.Errorf("directord/redis: prune list tasks: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	for _, tID := range taskIDs {
		pipe.Del(ctx, taskKey(tID), resultsKey(tID))
		for _, st := range allTaskStates {
			pipe.SRem(ctx, taskStateKey(string(st)), tID)
		}
		pipe.ZRem(ctx, readyKey, tID)
		pipe.ZRem(ctx, deadlineKey, tID)
	}
	pipe.Del(ctx, jobTasksKey(jID), jobKey(jID))
	pipe.SRem(ctx, jobIDsKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("directord/redis: prune job: %w", err)
	}
	return nil
}
