package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/payrelay/payrelay/infra/opensearch"
	"github.com/payrelay/payrelay/infra/response"
)

// HealthHandler reports process and dependency health.
type HealthHandler struct {
	db        *sql.DB
	redis     *redis.Client
	search    *opensearch.Client
	startTime time.Time
}

// NewHealthHandler creates a health handler. Nil dependencies are reported
// as not configured rather than unhealthy.
func NewHealthHandler(db *sql.DB, redisClient *redis.Client, search *opensearch.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient, search: search, startTime: time.Now()}
}

type dependencyHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"responseTime,omitempty"`
	Error        string `json:"error,omitempty"`
}

type healthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Uptime       string                      `json:"uptime"`
	Dependencies map[string]dependencyHealth `json:"dependencies"`
}

// Liveness handles GET /health. It always answers while the process runs.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness handles GET /health/ready with per-dependency checks.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := map[string]dependencyHealth{
		"database":   h.checkDatabase(ctx),
		"redis":      h.checkRedis(ctx),
		"opensearch": h.checkOpenSearch(ctx),
	}

	status := "healthy"
	code := http.StatusOK
	for _, d := range deps {
		if d.Status == "unhealthy" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
	}

	response.WriteJSON(w, code, healthStatus{
		Status:       status,
		Timestamp:    time.Now().UTC(),
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Dependencies: deps,
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) dependencyHealth {
	if h.db == nil {
		return dependencyHealth{Status: "not_configured"}
	}
	start := time.Now()
	if err := h.db.PingContext(ctx); err != nil {
		return dependencyHealth{Status: "unhealthy", Error: err.Error()}
	}
	return dependencyHealth{Status: "healthy", ResponseTime: time.Since(start).String()}
}

func (h *HealthHandler) checkRedis(ctx context.Context) dependencyHealth {
	if h.redis == nil {
		return dependencyHealth{Status: "not_configured"}
	}
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return dependencyHealth{Status: "unhealthy", Error: err.Error()}
	}
	return dependencyHealth{Status: "healthy", ResponseTime: time.Since(start).String()}
}

func (h *HealthHandler) checkOpenSearch(ctx context.Context) dependencyHealth {
	if h.search == nil {
		return dependencyHealth{Status: "not_configured"}
	}
	start := time.Now()
	if err := h.search.Ping(ctx); err != nil {
		// Logging still works without the sink; degraded, not down.
		return dependencyHealth{Status: "degraded", Error: err.Error()}
	}
	return dependencyHealth{Status: "healthy", ResponseTime: time.Since(start).String()}
}
