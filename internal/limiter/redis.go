package limiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"pulse/internal/health"
)

// RedisStore counts admission windows in redis so all gateway instances see
// the same totals. Successful calls also feed the shared health state so a
// recovered store is promoted back without waiting for the probe.
type RedisStore struct {
	client *redis.Client
	state  *health.State
}

// NewRedisStore wraps the client. state may be nil.
func NewRedisStore(client *redis.Client, state *health.State) *RedisStore {
	return &RedisStore{client: client, state: state}
}

// Incr bumps the window counter, arming its expiry on first use, and returns
// the new count plus the time left in the window.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	remaining := ttl.Val()
	if remaining < 0 {
		// Fresh counter, arm the window.
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, 0, err
		}
		remaining = window
	}
	if s.state != nil {
		s.state.ReportUp()
	}
	return incr.Val(), remaining, nil
}

// Ping satisfies health.Pinger.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
