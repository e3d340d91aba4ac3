// Package store provides durable storage for huddle conversations and messages.
//
// # Architecture
//
// Store is the single persistence interface used by the chat core. SQLStore
// implements it on database/sql for two drivers:
//
//   - sqlite: modernc.org/sqlite (pure Go), the default
//   - postgres: github.com/jackc/pgx/v5 through its database/sql adapter
//
// Queries are written with ? placeholders and rebound to $n for Postgres.
// The schema is portable: timestamps are fixed-width UTC TEXT so they sort
// lexically, booleans are INTEGER 0/1.
//
// # Data Models
//
//   - Conversation: DIRECT (two users, unique per sorted pair) or GROUP
//   - Participant: user membership with role; removal is a soft active=0
//   - Message: content with type and forward-only status (SENT, DELIVERED, READ)
//   - ReadReceipt: at most one per (message, user)
//
// # Error Handling
//
//   - ErrNotFound: entity does not exist (or is no longer active)
//   - ErrConflict: uniqueness violation; ErrDuplicateDirect and ErrDuplicateMessage wrap it
//   - ErrUnavailable: driver failure or timeout; wraps the underlying cause
//   - ErrInvalidCursor: a pagination cursor could not be decoded
//
// # Pagination
//
// ListMessages walks history backwards. An empty cursor returns the newest
// page; NextCursor points at the page before it. Each page is ordered oldest
// first, ties broken by message ID.
//
// # Testing
//
// Use NewMockStore() for unit tests of higher layers. It supports FailNext
// to inject a failure into the next call of a named method, SetDelay to
// simulate a slow database, and CallCount to observe how often a method ran.
//
// Use NewSQLiteStore(":memory:") or a t.TempDir() path for integration tests
// with real SQLite.
package store
