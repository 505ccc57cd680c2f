// ABOUTME: HTTP middleware for operator API authentication
// ABOUTME: Extracts and verifies bearer tokens, stashing the operator id in context

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const operatorKey contextKey = "operator_id"

// OperatorFromContext returns the operator id set by HTTPAuthMiddleware.
func OperatorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(operatorKey).(string)
	return id
}

// HTTPAuthMiddleware requires a valid bearer token on every request it wraps.
func HTTPAuthMiddleware(verifier *JWTVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			operatorID, err := verifier.Verify(token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), operatorKey, operatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
