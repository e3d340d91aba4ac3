// Package gateway orchestrates the huddle server components.
//
// # Overview
//
// The gateway owns the durable store and builds the chat core on top of it:
// the conversation registry, the message cache and its metrics collector,
// the chat service, the presence manager and the real-time delivery engine.
// It exposes them over three surfaces:
//
//   - an HTTP JSON API under /api, authenticated with bearer JWTs
//   - a WebSocket endpoint at /ws carrying realtime frames
//   - a gRPC health server whose "huddle.cache" service follows cache health
//
// # HTTP API
//
//	POST   /api/conversations/direct                      get or create a DIRECT conversation
//	POST   /api/conversations/group                       create a GROUP conversation
//	GET    /api/conversations/{id}                        conversation and participants
//	POST   /api/conversations/{id}/members                add a member
//	DELETE /api/conversations/{id}/members/{userID}       remove a member (or leave)
//	GET    /api/conversations/{id}/messages               history page (?cursor=&limit=)
//	POST   /api/conversations/{id}/messages               send a message
//	POST   /api/conversations/{id}/messages/{mid}/read    mark a message read
//	GET    /api/users/{userID}/presence                   online status
//	GET    /api/status                                    cache health and hit ratio
//	GET    /health                                        liveness
//	GET    /metrics                                       Prometheus metrics
//
// Errors are JSON objects {"error": "..."} with the status derived from the
// same classification used for WebSocket error frames.
//
// # WebSocket
//
// Each connection runs one reader goroutine, which hands frames to the
// delivery engine, and one writer goroutine, which drains the connection's
// bounded queue. The writer pings every realtime.ping_interval; a peer that
// stays silent for twice that long is dropped. When the reader stops the
// connection leaves its rooms and presence is released.
//
// # Lifecycle
//
// Run serves until its context is canceled, then Shutdown stops the servers,
// closes every live connection and closes the store.
package gateway
