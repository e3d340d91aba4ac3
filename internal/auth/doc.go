// Package auth verifies identities for huddle.
//
// Users are identified by HS256 JWTs signed with the configured jwt_secret.
// The "sub" claim is the user ID; every token must carry an expiry. Account
// management lives outside huddle: anything able to sign with the shared
// secret can mint tokens, and `huddle token` does so for development.
//
// HTTP handlers sit behind HTTPAuthMiddleware, which puts an AuthContext on
// the request context. The WebSocket endpoint uses WebSocketAuthMiddleware,
// which additionally accepts ?token= on the upgrade request.
package auth
