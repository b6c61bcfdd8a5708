package web

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/kirogw/kirogw/pkg/anthropic"
)

// maxInboundBodyBytes caps inbound request bodies at 50 MiB.
const maxInboundBodyBytes = 50 << 20

// CORS allows any origin and answers preflight requests before routing, so
// OPTIONS never hits the auth middleware.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestKey extracts the caller's API key from x-api-key or a Bearer token.
func RequestKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// KeyMatches compares in constant time.
func KeyMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !KeyMatches(RequestKey(r), s.cfg.APIKey) {
			writeError(w, http.StatusUnauthorized, anthropic.ErrTypeAuthentication, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
