// ABOUTME: HTTP middleware for JWT authentication on API and WebSocket endpoints
// ABOUTME: Reads the bearer token (or ?token= for WebSocket upgrades) and adds the user to context

package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="huddle"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func authenticate(verifier TokenVerifier, token, errMsg string, w http.ResponseWriter, r *http.Request, next http.Handler) {
	if errMsg != "" {
		writeUnauthorized(w, errMsg)
		return
	}
	userID, err := verifier.Verify(token)
	if err != nil {
		writeUnauthorized(w, "invalid token")
		return
	}
	next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{UserID: userID})))
}

// HTTPAuthMiddleware requires a valid bearer token and adds AuthContext to the request.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			authenticate(verifier, token, errMsg, w, r, next)
		})
	}
}

// WebSocketAuthMiddleware is HTTPAuthMiddleware that also accepts the token as
// a ?token= query parameter, since browsers cannot set headers on upgrades.
func WebSocketAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := r.URL.Query().Get("token"); token != "" {
				authenticate(verifier, token, "", w, r, next)
				return
			}
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			authenticate(verifier, token, errMsg, w, r, next)
		})
	}
}
