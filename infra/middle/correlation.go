// Package middle contains the HTTP middleware chain: correlation ids, JWT
// authentication, webhook rate limiting, panic recovery and security headers.
package middle

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const correlationKey contextKey = "correlationId"

// CorrelationHeader is the inbound/outbound correlation id header.
const CorrelationHeader = "X-Correlation-ID"

// CorrelationMiddleware accepts a caller-supplied correlation id or mints
// one, stores it in the request context and echoes it on the response.
func CorrelationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(CorrelationHeader)
			if id == "" {
				id = uuid.New().String()
			}
			w.Header().Set(CorrelationHeader, id)
			ctx := context.WithValue(r.Context(), correlationKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID returns the correlation id from the context, or empty.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return ""
}

// GetClientIP extracts the originating client IP, preferring proxy headers.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
