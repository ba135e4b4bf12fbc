package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage persists run history in Redis, one sorted set per backend
// scored by completion time.
type RedisStorage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration // Records older than this are trimmed on write
}

var _ HistoryStore = (*RedisStorage)(nil)

// NewRedisStorage creates a new Redis storage backend.
// Returns error if connection fails.
func NewRedisStorage(url string) (*RedisStorage, error) {
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

	return &RedisStorage{
		client: client,
		prefix: "vlm:metrics:runs:",
		ttl:    30 * 24 * time.Hour,
	}, nil
}

// Append adds rec to its backend's sorted set and trims expired records in
// the same pipeline.
func (rs *RedisStorage) Append(ctx context.Context, rec RunRecord) error {
	member, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding run record: %w", err)
	}

	key := rs.prefix + rec.Backend
	pipe := rs.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(rec.Timestamp.Unix()),
		Member: string(member),
	})

	minScore := time.Now().Add(-rs.ttl).Unix()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", minScore))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving run record: %w", err)
	}
	return nil
}

// Since loads the records of backend completed at or after since.
func (rs *RedisStorage) Since(ctx context.Context, backend string, since time.Time) ([]RunRecord, error) {
	results, err := rs.client.ZRangeByScore(ctx, rs.prefix+backend, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	records := make([]RunRecord, 0, len(results))
	for _, member := range results {
		var rec RunRecord
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			// Skip invalid entries
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Backends returns the backends that have stored history.
func (rs *RedisStorage) Backends(ctx context.Context) ([]string, error) {
	keys, err := rs.client.Keys(ctx, rs.prefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("listing backends: %w", err)
	}

	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = key[len(rs.prefix):]
	}
	return names, nil
}

// DeleteBackend removes all history for backend.
func (rs *RedisStorage) DeleteBackend(ctx context.Context, backend string) error {
	if err := rs.client.Del(ctx, rs.prefix+backend).Err(); err != nil {
		return fmt.Errorf("deleting history: %w", err)
	}
	return nil
}

// SetTTL sets how long records are retained.
func (rs *RedisStorage) SetTTL(ttl time.Duration) {
	rs.ttl = ttl
}

// Close closes the Redis connection.
func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}
