package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// InternalAuthMiddleware requires the shared internal API key on every request. An
// empty key disables the check.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	requiredKey = strings.TrimSpace(requiredKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := strings.TrimSpace(r.Header.Get("X-Internal-API-Key"))
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
