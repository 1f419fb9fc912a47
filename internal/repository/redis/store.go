package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go2-edge/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// Store is the Redis-backed kv.Store shared by every edge instance.
// Values are stored as plain strings; callers own the encoding.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore creates a Store. prefix is prepended to every key.
func NewStore(client *redis.Client, prefix string) *Store {
	return &Store{
		client: client,
		prefix: prefix,
	}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get returns the value at key; a missing key is a miss, not an error.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	defer observe("get", start)

	data, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get error: %w", err)
	}
	return data, true, nil
}

// Put stores value with ttl; ttl <= 0 keeps the key forever.
func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	defer observe("put", start)

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer observe("delete", start)

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func observe(op string, start time.Time) {
	metrics.KVOperationDuration.WithLabelValues("redis", op).Observe(time.Since(start).Seconds())
}

// InitRedis creates a new Redis client
func InitRedis(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     20,
		MinIdleConns: 4,
		MaxRetries:   2,
		DialTimeout:  5 * time.Second,
		// Edge reads sit on the redirect path; keep them short.
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
