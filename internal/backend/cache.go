package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AnswerCache stores answers by key.
type AnswerCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, answer string) error
	Close() error
}

// CacheMetrics is the interface for recording cache metrics.
// This allows the cache to be decoupled from the metrics package.
type CacheMetrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
	UpdateCacheSize(cacheType string, size int)
}

// MemoryCache is an in-process LRU answer cache.
type MemoryCache struct {
	mu      sync.Mutex
	cache   map[string]string
	maxSize int
	order   []string // LRU order, oldest first
	metrics CacheMetrics
}

// NewMemoryCache creates a new in-memory cache holding at most maxSize answers.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}

	return &MemoryCache{
		cache:   make(map[string]string),
		maxSize: maxSize,
		order:   make([]string, 0, maxSize),
	}
}

// SetMetrics sets the metrics recorder for this cache.
func (c *MemoryCache) SetMetrics(metrics CacheMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = metrics
}

// Get retrieves an answer from cache.
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	answer, ok := c.cache[key]
	if !ok {
		if c.metrics != nil {
			c.metrics.RecordCacheMiss("memory")
		}
		return "", false, nil
	}

	if c.metrics != nil {
		c.metrics.RecordCacheHit("memory")
	}
	c.moveToEnd(key)
	return answer, true, nil
}

// Set stores an answer in cache.
func (c *MemoryCache) Set(_ context.Context, key, answer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.cache[key]; exists {
		c.cache[key] = answer
		c.moveToEnd(key)
		return nil
	}

	// Evict if at capacity
	for len(c.cache) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cache, oldest)
	}

	c.cache[key] = answer
	c.order = append(c.order, key)

	if c.metrics != nil {
		c.metrics.UpdateCacheSize("memory", len(c.cache))
	}
	return nil
}

// moveToEnd moves a key to the end of the LRU order (must hold lock).
func (c *MemoryCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}

// Size returns the current cache size.
func (c *MemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Close is a no-op for the memory cache.
func (c *MemoryCache) Close() error { return nil }

// RedisCache stores answers in Redis string keys.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration // 0 = no expiry
	metrics CacheMetrics
}

// NewRedisCache connects to Redis at url.
// Returns error if connection fails.
func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisCache{
		client: client,
		prefix: "vlm:answer:",
		ttl:    ttl,
	}, nil
}

// SetMetrics sets the metrics recorder for this cache.
func (c *RedisCache) SetMetrics(metrics CacheMetrics) {
	c.metrics = metrics
}

// Get retrieves an answer from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	answer, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		if c.metrics != nil {
			c.metrics.RecordCacheMiss("redis")
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cached answer: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit("redis")
	}
	return answer, true, nil
}

// Set stores an answer in Redis.
func (c *RedisCache) Set(ctx context.Context, key, answer string) error {
	if err := c.client.Set(ctx, c.prefix+key, answer, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching answer: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
