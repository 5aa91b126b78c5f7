package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingMarker is stored under a key until the create it guards finishes.
const pendingMarker = "-"

// RedisIdempotency stores Idempotency-Key reservations in Redis so every
// instance replays the same todo for a retried create.
type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotency creates a store using the provided Redis client and TTL.
func NewRedisIdempotency(client *redis.Client, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{client: client, ttl: ttl}
}

func (r *RedisIdempotency) key(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}

func (r *RedisIdempotency) Reserve(ctx context.Context, scope, key string) (string, bool, error) {
	k := r.key(scope, key)
	added, err := r.client.SetNX(ctx, k, pendingMarker, r.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if added {
		return "", true, nil
	}
	val, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; treat as in flight and let the
		// client retry.
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if val == pendingMarker {
		return "", false, nil
	}
	return val, false, nil
}

func (r *RedisIdempotency) Bind(ctx context.Context, scope, key, todoID string) error {
	return r.client.Set(ctx, r.key(scope, key), todoID, r.ttl).Err()
}

func (r *RedisIdempotency) Release(ctx context.Context, scope, key string) error {
	return r.client.Del(ctx, r.key(scope, key)).Err()
}
