package server

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"frameproof/internal/apperr"
)

// redisWindowStore counts requests in fixed windows shared by every node.
type redisWindowStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func newRedisWindowStore(client redis.UniversalClient, timeout time.Duration) *redisWindowStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &redisWindowStore{client: client, timeout: timeout}
}

func (s *redisWindowStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, apperr.Transient(fmt.Errorf("rate limit window %s: %w", key, err))
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return false, 0, apperr.Transient(fmt.Errorf("rate limit expiry %s: %w", key, err))
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, apperr.Transient(fmt.Errorf("rate limit ttl %s: %w", key, err))
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}
