package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sshnaidm/directord/dedup"
)

// PutEntry stores a cache entry with a native key TTL matched to the
// entry lifetime, replacing any previous one for the same fingerprint.
func (s *Store) PutEntry(ctx context.Context, e *dedup.Entry) error {
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		// Already expired; make sure nothing stale is left behind.
		return s.InvalidateFingerprint(ctx, e.Fingerprint)
	}

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("directord/redis: marshal dedup entry: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, dedupKey(e.Fingerprint), b, ttl)
	pipe.SAdd(ctx, dedupFPsKey, e.Fingerprint)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("directord/redis: put dedup entry: %w", err)
	}
	return nil
}

// LookupEntry returns the live entry for a fingerprint, or nil when
// none exists or it has expired.
func (s *Store) LookupEntry(ctx context.Context, fingerprint string, now time.Time) (*dedup.Entry, error) {
	var e dedup.Entry
	if err := s.getEntity(ctx, dedupKey(fingerprint), &e); err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("directord/redis: lookup dedup entry: %w", err)
	}
	if e.Expired(now) {
		return nil, nil
	}
	return &e, nil
}

// InvalidateFingerprint removes the entry for one fingerprint.
func (s *Store) InvalidateFingerprint(ctx context.Context, fingerprint string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, dedupKey(fingerprint))
	pipe.SRem(ctx, dedupFPsKey, fingerprint)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("directord/redis: invalidate fingerprint: %w", err)
	}
	return nil
}

// InvalidateTarget removes every entry recorded for a target.
func (s *Store) InvalidateTarget(ctx context.Context, target string) (int, error) {
	fps, err := s.rdb.SMembers(ctx, dedupFPsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("directord/redis: invalidate target list: %w", err)
	}

	removed := 0
	for _, fp := range fps {
		var e dedup.Entry
		if getErr := s.getEntity(ctx, dedupKey(fp), &e); getErr != nil {
			if isRedisNil(getErr) {
				// Key expired natively; drop the index entry.
				s.rdb.SRem(ctx, dedupFPsKey, fp)
			}
			continue
		}
		if e.Target != target {
			continue
		}
		if err := s.InvalidateFingerprint(ctx, fp); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// PurgeExpired cleans index entries whose keys Redis already expired
// and removes any entry past its lifetime.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	fps, err := s.rdb.SMembers(ctx, dedupFPsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("directord/redis: purge list: %w", err)
	}

	purged := 0
	for _, fp := range fps {
		var e dedup.Entry
		getErr := s.getEntity(ctx, dedupKey(fp), &e)
		switch {
		case getErr != nil && isRedisNil(getErr):
			s.rdb.SRem(ctx, dedupFPsKey, fp)
			purged++
		case getErr != nil:
			continue
		case e.Expired(now):
			if err := s.InvalidateFingerprint(ctx, fp); err != nil {
				return purged, err
			}
			purged++
		}
	}
	return purged, nil
}
