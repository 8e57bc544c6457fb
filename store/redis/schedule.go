package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/schedule"
)

// RegisterEntry persists a new schedule entry.
func (s *Store) RegisterEntry(ctx context.Context, entry *schedule.Entry) error {
	eID := entry.ID.String()

	// Check for duplicate name.
	existing, err := s.rdb.HGet(ctx, scheduleNamesKey, entry.Name).Result()
	if err != nil && !isRedisNil(err) {
		return fmt.Errorf("directord/redis: register schedule check name: %w", err)
	}
	if existing != "" {
		return directord.ErrDuplicateSchedule
	}

	if err := s.setEntity(ctx, scheduleKey(eID), entry); err != nil {
		return fmt.Errorf("directord/redis: register schedule: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, scheduleIDsKey, eID)
	pipe.HSet(ctx, scheduleNamesKey, entry.Name, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("directord/redis: register schedule indexes: %w", err)
	}
	return nil
}

// GetEntry retrieves a schedule entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	var e schedule.Entry
	if err := s.getEntity(ctx, scheduleKey(entryID.String()), &e); err != nil {
		if isRedisNil(err) {
			return nil, directord.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("directord/redis: get schedule: %w", err)
	}
	return &e, nil
}

// ListEntries returns all schedule entries ordered by name.
func (s *Store) ListEntries(ctx context.Context) ([]*schedule.Entry, error) {
	ids, err := s.rdb.SMembers(ctx, scheduleIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("directord/redis: list schedules: %w", err)
	}

	entries := make([]*schedule.Entry, 0, len(ids))
	for _, eID := range ids {
		var e schedule.Entry
		if getErr := s.getEntity(ctx, scheduleKey(eID), &e); getErr != nil {
			continue
		}
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, k int) bool {
		return entries[i].Name < entries[k].Name
	})
	return entries, nil
}

// UpdateEntry persists changes to an entry.
func (s *Store) UpdateEntry(ctx context.Context, entry *schedule.Entry) error {
	key := scheduleKey(entry.ID.String())

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("directord/redis: update schedule exists: %w", err)
	}
	if exists == 0 {
		return directord.ErrScheduleNotFound
	}

	entry.UpdatedAt = time.Now().UTC()
	if err := s.setEntity(ctx, key, entry); err != nil {
		return fmt.Errorf("directord/redis: update schedule: %w", err)
	}
	return nil
}

// DeleteEntry removes a schedule entry by ID.
func (s *Store) DeleteEntry(ctx context.Context, entryID id.ScheduleID) error {
	entry, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}

	eID := entryID.String()
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, scheduleKey(eID))
	pipe.SRem(ctx, scheduleIDsKey, eID)
	pipe.HDel(ctx, scheduleNamesKey, entry.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("directord/redis: delete schedule: %w", err)
	}
	return nil
}
