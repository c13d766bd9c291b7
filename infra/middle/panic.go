package middle

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/payrelay/payrelay/infra/logger"
)

// PanicRecovery converts handler panics into structured 500 responses.
func PanicRecovery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", fmt.Errorf("%v", rec), logger.LogContext{
						CorrelationID: GetCorrelationID(r.Context()),
						Fields: map[string]any{
							"method": r.Method,
							"url":    r.URL.String(),
							"stack":  string(debug.Stack()),
						},
					})

					w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
					authError(w, r, http.StatusInternalServerError, "INTERNAL", "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
