// Package chat owns message history reads and message writes.
//
// Reads go through the message cache. A miss takes a version ticket from the
// cache, loads from the store, and only stores the page if no invalidation
// happened in the meantime.
//
// Writes are persisted first. The conversation's cached history is invalidated
// only after the store accepts the write, so a failed write leaves the cache
// as it was and a successful one is never followed by a stale read.
package chat
