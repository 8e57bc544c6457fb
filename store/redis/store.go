// Package redis implements store.Store using Redis. Entities are stored
// as JSON strings, ready and overdue tasks are indexed with Sorted Sets,
// and dedup cache entries lean on native key expiry.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sshnaidm/directord/dedup"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/schedule"
	"github.com/sshnaidm/directord/task"
)

// Compile-time interface checks.
var (
	_ job.Store      = (*Store)(nil)
	_ task.Store     = (*Store)(nil)
	_ dedup.Cache    = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	rdb    goredis.UniversalClient
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.rdb }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close is a no-op. The caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// setEntity marshals v and stores it at key.
func (s *Store) setEntity(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("directord/redis: marshal %s: %w", key, err)
	}
	return s.rdb.Set(ctx, key, b, 0).Err()
}

// getEntity loads the JSON at key into v. Returns goredis.Nil when the
// key does not exist.
func (s *Store) getEntity(ctx context.Context, key string, v any) error {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}
