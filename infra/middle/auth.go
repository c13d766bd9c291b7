package middle

import (
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/payrelay/payrelay/infra/logger"
)

// authError mirrors the standard error body without importing the response
// package (which imports this one for correlation ids).
func authError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":         code,
		"message":       message,
		"correlationId": GetCorrelationID(r.Context()),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"path":          r.URL.Path,
	})
}

// JWTAuth validates RS256 bearer tokens against the configured public key,
// issuer and audience. An empty key disables authentication; that is only
// acceptable in development and is logged loudly.
func JWTAuth(publicKeyPEM, issuer, audience string) func(http.Handler) http.Handler {
	var key *rsa.PublicKey
	if publicKeyPEM == "" {
		logger.Warn("JWT public key not configured; API authentication is disabled")
	} else {
		parsed, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
		if err != nil {
			logger.Fatal("parse JWT public key", err)
		}
		key = parsed
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == nil {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				authError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "Authorization header required")
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				authError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid authorization format. Use: Bearer <token>")
				return
			}
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			}
			if issuer != "" {
				opts = append(opts, jwt.WithIssuer(issuer))
			}
			if audience != "" {
				opts = append(opts, jwt.WithAudience(audience))
			}

			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
				return key, nil
			}, opts...)
			if err != nil || !token.Valid {
				authError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
