package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"todo-api/domain"
)

// Cache wraps a domain.Store with Redis-backed caching of the list reads.
// Single item reads always go to the backing store so ownership checks see
// the persisted record.
type Cache struct {
	base  domain.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Get(ctx context.Context, id string) (domain.Todo, error) {
	return c.base.Get(ctx, id)
}

func (c *Cache) Put(ctx context.Context, t domain.Todo) error {
	if err := c.base.Put(ctx, t); err != nil {
		return err
	}
	c.evict(ctx, listCacheKey(t.Visibility))
	return nil
}

func (c *Cache) Delete(ctx context.Context, id string) error {
	prev, getErr := c.base.Get(ctx, id)
	if getErr != nil && !errors.Is(getErr, domain.ErrNotFound) {
		return getErr
	}
	if err := c.base.Delete(ctx, id); err != nil {
		return err
	}
	if getErr == nil {
		c.evict(ctx, listCacheKey(prev.Visibility))
	}
	return nil
}

func (c *Cache) ListPublic(ctx context.Context) ([]domain.Todo, error) {
	return c.list(ctx, listCacheKey(domain.Public()), c.base.ListPublic)
}

func (c *Cache) ListByOwner(ctx context.Context, owner string) ([]domain.Todo, error) {
	return c.list(ctx, listCacheKey(domain.OwnedBy(owner)), func(ctx context.Context) ([]domain.Todo, error) {
		return c.base.ListByOwner(ctx, owner)
	})
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.base.Ping(ctx)
}

func (c *Cache) list(ctx context.Context, key string, load func(context.Context) ([]domain.Todo, error)) ([]domain.Todo, error) {
	if todos, ok := c.load(ctx, key); ok {
		return todos, nil
	}
	gen, ok := c.generation(ctx, key)
	todos, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		c.store(ctx, key, gen, todos)
	}
	return todos, nil
}

// generation returns the eviction counter for key. ok is false when the
// counter cannot be read, in which case the result must not be cached.
func (c *Cache) generation(ctx context.Context, key string) (string, bool) {
	if c.redis == nil {
		return "", false
	}
	gen, err := c.redis.Get(ctx, generationKey(key)).Result()
	if err != nil && err != redis.Nil {
		return "", false
	}
	return gen, true
}

func (c *Cache) load(ctx context.Context, key string) ([]domain.Todo, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var todos []domain.Todo
	if err := json.Unmarshal(data, &todos); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	if todos == nil {
		todos = []domain.Todo{}
	}
	return todos, true
}

// store writes todos under key only if no eviction happened since gen was
// read. A lost race leaves the key empty so the next read reloads.
func (c *Cache) store(ctx context.Context, key, gen string, todos []domain.Todo) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(todos)
	if err != nil {
		return
	}
	genKey := generationKey(key)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

func (c *Cache) evict(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	genKey := generationKey(key)
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		pipe.Del(ctx, key)
		return nil
	})
}

// generationTTL bounds how long an eviction counter outlives its last write.
// It must exceed the slowest list load.
const generationTTL = 24 * time.Hour

func listCacheKey(v domain.Visibility) string {
	return "todos:" + indexPartition(v)
}

func generationKey(key string) string {
	return key + ":gen"
}
