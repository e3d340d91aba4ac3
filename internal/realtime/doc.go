// Package realtime is the delivery engine behind the WebSocket transport.
//
// Every inbound frame is handled on the reader goroutine of its connection:
// authorize, persist if the event needs it, invalidate cached history, then
// enqueue outbound frames on the target connections. Enqueue never blocks,
// so a full or closed target costs that target its frame and nothing else.
//
// Writes use contexts detached from the connection, so a client that drops
// mid-send still gets its message stored and broadcast to everyone else.
package realtime
