// Package redis provides the watermark store used for incremental refresh. A
// batch run that completes records, per resource type, the instant it
// started; the next incremental run reads the watermark back to know where
// the previous snapshot ended. The streaming listener records a per-table
// watermark from each change event's source timestamp.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/clinsight/fhir-pipes/pkg/config"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fhir-pipes:watermark:"

// Store wraps a go-redis client with watermark get/set operations.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a Redis client and verifies the connection with a PING.
func NewStore(cfg config.RedisConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// SetWatermark records the given instant for the scope (a resource type for
// batch runs, a table name for the streaming listener). Watermarks
// are kept indefinitely; each run overwrites its scope.
func (s *Store) SetWatermark(ctx context.Context, scope string, t time.Time) error {
	value := t.UTC().Format(time.RFC3339)
	if err := s.rdb.Set(ctx, keyPrefix+scope, value, 0).Err(); err != nil {
		return fmt.Errorf("setting watermark for %s: %w", scope, err)
	}
	return nil
}

// Watermark returns the recorded instant for the scope; ok is false when no
// watermark exists yet.
func (s *Store) Watermark(ctx context.Context, scope string) (time.Time, bool, error) {
	value, err := s.rdb.Get(ctx, keyPrefix+scope).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("getting watermark for %s: %w", scope, err)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing watermark %q for %s: %w", value, scope, err)
	}
	return t, true, nil
}

// Ping sends a PING to Redis and returns any error.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}
