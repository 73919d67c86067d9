// Package cache provides a redis-backed cache-aside store. Reads fall
// through to a loader on miss and populate the cache with a bounded TTL;
// writers invalidate whole key namespaces by pattern. Cache failures always
// degrade to the loader, never to a request error, so consistency is
// best-effort with staleness bounded by the TTL.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Loader fetches the value from the primary store on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// Store wraps a redis client. A nil Store or nil client is valid and simply
// forwards every read to the loader.
type Store struct {
	redis *redis.Client
}

// New creates a Store over the given client.
func New(client *redis.Client) *Store {
	return &Store{redis: client}
}

// Read returns the cached value for key, or invokes the loader and caches
// its result with the given TTL. Two concurrent misses may both invoke the
// loader; loads are side-effect-free reads so the duplicate work is accepted.
func (s *Store) Read(ctx context.Context, key string, ttl time.Duration, load Loader) ([]byte, error) {
	if s != nil && s.redis != nil {
		data, err := s.redis.Get(ctx, key).Bytes()
		if err == nil {
			return data, nil
		}
		if err != redis.Nil {
			log.WithError(err).WithField("key", key).Warn("cache read failed, using primary store")
		}
	}

	data, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if s != nil && s.redis != nil && ttl > 0 {
		if err := s.redis.Set(ctx, key, data, ttl).Err(); err != nil {
			log.WithError(err).WithField("key", key).Warn("cache populate failed")
		}
	}
	return data, nil
}

// Invalidate deletes the given keys. Missing keys are not an error.
func (s *Store) Invalidate(ctx context.Context, keys ...string) error {
	if s == nil || s.redis == nil || len(keys) == 0 {
		return nil
	}
	return s.redis.Del(ctx, keys...).Err()
}

// InvalidatePattern scans for keys matching the glob pattern and deletes
// them in batches. The scan may race with concurrent writes; the staleness
// window that leaves behind is bounded by the entry TTL.
func (s *Store) InvalidatePattern(ctx context.Context, pattern string) error {
	if s == nil || s.redis == nil {
		return nil
	}
	iter := s.redis.Scan(ctx, 0, pattern, 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := s.redis.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return s.redis.Del(ctx, batch...).Err()
	}
	return nil
}
