package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey int

const claimsContextKey contextKey = iota

// RequireNodeToken extracts and verifies the bearer token from an
// incoming request, storing the resulting NodeClaims on the request
// context for downstream handlers. Adapted from the teacher's
// AuthMiddleware, dropped from gin.HandlerFunc to plain net/http since
// the hub's transport-facing REST surface is out of scope here.
func RequireNodeToken(svc *TokenService, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r)
		if token == "" {
			http.Error(w, "authorization token required", http.StatusUnauthorized)
			return
		}
		claims, err := svc.VerifyToken(token)
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext retrieves the NodeClaims a RequireNodeToken handler
// stashed on the request context.
func ClaimsFromContext(ctx context.Context) (*NodeClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*NodeClaims)
	return claims, ok
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}
