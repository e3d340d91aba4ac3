// Package presence tracks live connections, which users are online, and
// which connections have joined which conversation rooms.
//
// # Lifecycle
//
// Each Connection moves CONNECTING -> AUTHENTICATED -> JOINED -> DISCONNECTED.
// A connection may be joined to several rooms at once; leaving the last room
// returns it to AUTHENTICATED.
//
// # Fan-out
//
// Senders never write to a socket directly. They call Enqueue, which either
// places the payload on the connection's bounded queue or fails immediately
// with ErrQueueFull or ErrConnectionClosed. The transport runs one writer
// goroutine per connection that drains Outbound. A slow client therefore only
// loses its own events.
//
// # Concurrency
//
// Manager guards its maps with a single RWMutex. Lookups return snapshots, so
// a broadcast sees each target connection exactly once. Authorization and the
// optional Redis mirror are called without the lock held.
package presence
