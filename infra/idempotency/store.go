// Package idempotency provides the distributed presence check, result cache
// and mutual-exclusion lock that deduplicate payment and refund operations
// across replicas.
package idempotency

import (
	"context"
	"time"
)

// Operation scopes an idempotency key.
type Operation string

const (
	OpPayment Operation = "payment"
	OpRefund  Operation = "refund"
)

// DefaultResultTTL is how long a stored operation result stays replayable.
const DefaultResultTTL = 24 * time.Hour

// Store mediates cross-replica deduplication keyed by "{op}:{key}".
type Store interface {
	// IsProcessed reports whether a result exists for the key.
	IsProcessed(ctx context.Context, op Operation, key string) (bool, error)

	// StoreResult caches the serialized operation result. Existing results are
	// not overwritten.
	StoreResult(ctx context.Context, op Operation, key string, value []byte, ttl time.Duration) error

	// GetResult returns the previously stored result, or nil when absent.
	GetResult(ctx context.Context, op Operation, key string) ([]byte, error)

	// AcquireLock attempts a single-writer lock with expiry. A false return
	// means another worker holds the lock.
	AcquireLock(ctx context.Context, op Operation, key string, ttl time.Duration) (bool, error)

	// ReleaseLock frees the lock early.
	ReleaseLock(ctx context.Context, op Operation, key string) error
}

func resultKey(op Operation, key string) string {
	return string(op) + ":" + key
}

func lockKey(op Operation, key string) string {
	return string(op) + ":" + key + ":lock"
}
