// ABOUTME: Authenticated identity carried through request contexts
// ABOUTME: WithAuth/FromContext propagate the verified user to handlers

package auth

import (
	"context"
)

// AuthContext holds the verified identity of a request.
type AuthContext struct {
	UserID string
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// UserID returns the verified user of ctx, or "" when unauthenticated.
func UserID(ctx context.Context) string {
	if auth := FromContext(ctx); auth != nil {
		return auth.UserID
	}
	return ""
}
