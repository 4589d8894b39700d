package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache backs the Cache adapter with Redis. Misses and connection
// errors are both reported through the (bool, error) return so the caller
// can distinguish "not cached" from "cache unavailable" without treating
// either as fatal to the turn.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache dials addr lazily (go-redis connects on first command).
func NewRedisCache(addr, password string, db int) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Get returns (value, true, nil) on a hit, (nil, false, nil) on a clean miss,
// and (nil, false, err) if Redis itself failed.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Put stores value under key with the given TTL (0 means no expiry).
func (c *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// InMemoryCache is a process-local Cache used when no Redis endpoint is
// configured (spec.md §4.2 calls the Cache adapter best-effort; a missing
// Redis backend degrades to this process-local cache, whose entries are lost
// on restart, rather than failing turns).
type InMemoryCache struct {
	mu      sync.Mutex
	entries map[string]inMemoryEntry
}

type inMemoryEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewInMemoryCache creates an empty in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{entries: make(map[string]inMemoryEntry)}
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *InMemoryCache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = inMemoryEntry{value: value, expires: expires}
	c.mu.Unlock()
	return nil
}
