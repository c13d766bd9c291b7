package middle

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/payrelay/payrelay/infra/logger"
)

// Limiter answers whether one more request is allowed for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter keeps a sliding window of request timestamps per key in a
// sorted set, so the limit holds across replicas and a burst straddling a
// window boundary cannot double the allowed rate.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a limiter allowing limit requests per window.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

// Allow records the request and counts what remains inside the window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	redisKey := "ratelimit:" + key
	cutoff := strconv.FormatInt(now.Add(-l.window).UnixNano(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	card := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return card.Val() <= int64(l.limit), nil
}

// MemoryLimiter is the single-process fallback when redis is unavailable.
// Same sliding-window semantics, kept as per-key timestamp slices.
type MemoryLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
	go l.cleanup()
	return l
}

// Allow prunes timestamps older than the window and counts the rest.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	kept := l.hits[key][:0]
	for _, at := range l.hits[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false, nil
	}
	l.hits[key] = append(kept, now)
	return true, nil
}

func (l *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		cutoff := time.Now().Add(-l.window)
		for key, hits := range l.hits {
			if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
				delete(l.hits, key)
			}
		}
		l.mu.Unlock()
	}
}

// WebhookRateLimit throttles webhook ingress per (provider, source IP). A
// limiter backend failure fails open: dropping legitimate provider
// notifications is worse than briefly absorbing extra load.
func WebhookRateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			providerName := chi.URLParam(r, "provider")
			key := providerName + ":" + GetClientIP(r)

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter unavailable, failing open", logger.LogContext{
					Provider: providerName,
					Fields:   map[string]any{"error": err.Error()},
				})
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				authError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many webhook deliveries from this source")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
