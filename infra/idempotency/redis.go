package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance. SET NX gives the
// atomic set-if-not-exists semantics both the result cache and the lock need.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on the given client. Keys are namespaced with
// the prefix to keep the instance shareable with the rate limiter.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) IsProcessed(ctx context.Context, op Operation, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(resultKey(op, key))).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) StoreResult(ctx context.Context, op Operation, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	// NX keeps the first stored result authoritative on replay races.
	if err := s.client.SetNX(ctx, s.key(resultKey(op, key)), value, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency store result: %w", err)
	}
	return nil
}

func (s *RedisStore) GetResult(ctx context.Context, op Operation, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(resultKey(op, key))).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency get result: %w", err)
	}
	return val, nil
}

func (s *RedisStore) AcquireLock(ctx context.Context, op Operation, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(lockKey(op, key)), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency acquire lock: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, op Operation, key string) error {
	if err := s.client.Del(ctx, s.key(lockKey(op, key))).Err(); err != nil {
		return fmt.Errorf("idempotency release lock: %w", err)
	}
	return nil
}
