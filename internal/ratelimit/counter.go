// Package ratelimit provides request counting and rate limiting backed by a
// swappable counter service, so multi-instance deployments can share state
// through Redis instead of per-process memory.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter counts events per identifier within a fixed window. Implementations
// must be safe for concurrent use.
type Counter interface {
	// Incr records one event for the identifier and returns the running
	// count within the current window.
	Incr(ctx context.Context, identifier string, window time.Duration) (int64, error)
	// Count returns the running count without recording an event.
	Count(ctx context.Context, identifier string, window time.Duration) (int64, error)
}

// RedisCounter is a fixed-window counter on Redis, shared across instances.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter creates a Redis-backed counter with the given key prefix.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(identifier string, window time.Duration) string {
	windowEpoch := time.Now().Unix() / int64(window.Seconds())
	return fmt.Sprintf("%s:%s:%d", c.prefix, identifier, windowEpoch)
}

// Incr implements Counter.
func (c *RedisCounter) Incr(ctx context.Context, identifier string, window time.Duration) (int64, error) {
	key := c.key(identifier, window)
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	// Set expiry on first increment
	if count == 1 {
		c.client.Expire(ctx, key, window+time.Second)
	}
	return count, nil
}

// Count implements Counter.
func (c *RedisCounter) Count(ctx context.Context, identifier string, window time.Duration) (int64, error) {
	count, err := c.client.Get(ctx, c.key(identifier, window)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return count, nil
}

// MemoryCounter is an in-process fixed-window counter for tests and
// single-instance deployments.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	epoch int64
	count int64
}

// NewMemoryCounter creates an in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*memoryWindow)}
}

func (c *MemoryCounter) window(identifier string, window time.Duration) *memoryWindow {
	epoch := time.Now().Unix() / int64(window.Seconds())
	w, ok := c.windows[identifier]
	if !ok || w.epoch != epoch {
		w = &memoryWindow{epoch: epoch}
		c.windows[identifier] = w
	}
	return w
}

// Incr implements Counter.
func (c *MemoryCounter) Incr(_ context.Context, identifier string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.window(identifier, window)
	w.count++
	return w.count, nil
}

// Count implements Counter.
func (c *MemoryCounter) Count(_ context.Context, identifier string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window(identifier, window).count, nil
}
