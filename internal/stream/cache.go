package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheBackend is where a Cache operator stores its memoized results.
// The in-process backend below satisfies every caller that does not
// need to share a cache across process instances; RedisBackend is used
// where the orchestrator runs several import workers against one
// database and wants the (expensive) latest-block and block-timestamp
// lookups shared between them.
type CacheBackend interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// MemoryBackend is a process-local TTL cache: the default for
// single-process deployments.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry)}
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

// RedisBackend shares memoized results across process instances via a
// go-redis client, for deployments running several import workers
// against the same endpoints.
type RedisBackend struct {
	Client    *redis.Client
	KeyPrefix string
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.Client.Get(ctx, r.KeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.Client.Set(ctx, r.KeyPrefix+key, value, ttl).Err()
}

// Cache memoizes fn's result per key for ttl, and de-duplicates
// concurrent callers sharing the same key into a single in-flight
// call (§4.6's cache contract). Values round-trip through JSON so a
// RedisBackend can serialize them as readily as MemoryBackend.
type Cache[A any, B any] struct {
	backend CacheBackend
	keyFn   func(A) string
	ttl     time.Duration

	mu       sync.Mutex
	inFlight map[string]*inFlightCall[B]
}

type inFlightCall[B any] struct {
	done   chan struct{}
	result B
	err    error
}

func NewCache[A any, B any](backend CacheBackend, keyFn func(A) string, ttl time.Duration) *Cache[A, B] {
	return &Cache[A, B]{
		backend:  backend,
		keyFn:    keyFn,
		ttl:      ttl,
		inFlight: make(map[string]*inFlightCall[B]),
	}
}

// Wrap adapts fn into a memoizing version of itself.
func (c *Cache[A, B]) Wrap(fn func(context.Context, A) (B, error)) func(context.Context, A) (B, error) {
	return func(ctx context.Context, item A) (B, error) {
		key := c.keyFn(item)

		var zero B
		if raw, found, err := c.backend.Get(ctx, key); err == nil && found {
			var cached B
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		}

		c.mu.Lock()
		if call, ok := c.inFlight[key]; ok {
			c.mu.Unlock()
			<-call.done
			return call.result, call.err
		}
		call := &inFlightCall[B]{done: make(chan struct{})}
		c.inFlight[key] = call
		c.mu.Unlock()

		call.result, call.err = fn(ctx, item)
		close(call.done)

		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()

		if call.err != nil {
			return zero, call.err
		}
		if raw, err := json.Marshal(call.result); err == nil {
			_ = c.backend.Set(ctx, key, raw, c.ttl)
		}
		return call.result, nil
	}
}
