package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/payrelay/payrelay/infra/logger"
)

// MemoryStore is a single-process Store for development and tests. It cannot
// coordinate across replicas.
type MemoryStore struct {
	mu      sync.Mutex
	results map[string]memoryEntry
	locks   map[string]time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store and logs that it is not safe for
// multi-replica deployments.
func NewMemoryStore() *MemoryStore {
	logger.Warn("in-memory idempotency store active; not production-safe across replicas")
	return &MemoryStore{
		results: make(map[string]memoryEntry),
		locks:   make(map[string]time.Time),
	}
}

func (s *MemoryStore) IsProcessed(_ context.Context, op Operation, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.results[resultKey(op, key)]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.results, resultKey(op, key))
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) StoreResult(_ context.Context, op Operation, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := resultKey(op, key)
	if entry, ok := s.results[k]; ok && time.Now().Before(entry.expiresAt) {
		return nil
	}
	s.results[k] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetResult(_ context.Context, op Operation, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.results[resultKey(op, key)]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.value, nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, op Operation, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lockKey(op, key)
	if expiry, held := s.locks[k]; held && time.Now().Before(expiry) {
		return false, nil
	}
	s.locks[k] = time.Now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, op Operation, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, lockKey(op, key))
	return nil
}
