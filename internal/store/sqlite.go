// ABOUTME: SQL implementation of the Store interface for SQLite (modernc.org/sqlite) and Postgres (pgx)
// ABOUTME: Handles connection setup, schema creation, placeholder rebinding and error classification

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeFormat is fixed width so TEXT timestamps sort chronologically
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements the Store interface on top of database/sql
type SQLStore struct {
	db       *sql.DB
	driver   string
	logger   *slog.Logger
	postgres bool
}

// Open opens the store for the named driver. For sqlite, target is a file path
// (or ":memory:"); for postgres it is a connection string.
func Open(driver, target string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(target)
	case DriverPostgres:
		return NewPostgresStore(target)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !inMemory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	s, err := newSQLStore(db, DriverSQLite)
	if err != nil {
		return nil, err
	}
	s.logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// NewPostgresStore connects to Postgres through the pgx database/sql driver.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w: %w", ErrUnavailable, err)
	}

	s, err := newSQLStore(db, DriverPostgres)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Postgres store initialized")
	return s, nil
}

func newSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{
		db:       db,
		driver:   driver,
		logger:   slog.Default().With("component", "store", "driver", driver),
		postgres: driver == DriverPostgres,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// schema is portable between SQLite and Postgres: timestamps are fixed-width
// TEXT and booleans are INTEGER 0/1.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		active     INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL,
		direct_key TEXT UNIQUE,
		created_at TEXT NOT NULL,

		CHECK (type IN ('DIRECT', 'GROUP'))
	)`,

	`CREATE TABLE IF NOT EXISTS participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		user_id         TEXT NOT NULL,
		role            TEXT NOT NULL,
		active          INTEGER NOT NULL DEFAULT 1,
		joined_at       TEXT NOT NULL,

		PRIMARY KEY (conversation_id, user_id),
		CHECK (role IN ('OWNER', 'MEMBER'))
	)`,

	`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id, active)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id       TEXT NOT NULL,
		content         TEXT NOT NULL,
		type            TEXT NOT NULL,
		status          TEXT NOT NULL,
		deleted         INTEGER NOT NULL DEFAULT 0,
		client_token    TEXT,
		created_at      TEXT NOT NULL,
		edited_at       TEXT,

		UNIQUE (conversation_id, sender_id, client_token),
		CHECK (type IN ('TEXT', 'ATTACHMENT', 'SYSTEM')),
		CHECK (status IN ('SENT', 'DELIVERED', 'READ'))
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
		ON messages(conversation_id, created_at, id)`,

	`CREATE TABLE IF NOT EXISTS read_receipts (
		message_id TEXT NOT NULL REFERENCES messages(id),
		user_id    TEXT NOT NULL,
		read_at    TEXT NOT NULL,

		PRIMARY KEY (message_id, user_id)
	)`,
}

// createSchema creates the database tables if they don't exist
func (s *SQLStore) createSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// isConstraintViolation checks if the error is a UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation checks if the error references a row that doesn't exist
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// unavailable wraps a driver failure so callers can match ErrUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
