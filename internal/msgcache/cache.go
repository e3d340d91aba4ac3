// ABOUTME: Read-through message page cache with per-conversation version stamps
// ABOUTME: LRU-bounded via golang-lru; invalidation is an O(1) version bump checked lazily on read

package msgcache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/2389/huddle/internal/store"
)

// DefaultMaxEntries bounds the cache when no size is configured.
const DefaultMaxEntries = 1024

// versionsPerEntry sizes the version table relative to the page capacity.
const versionsPerEntry = 4

// ErrInconsistent is logged when a cached page does not belong to the key it was
// stored under. It is never returned to callers; the lookup becomes a miss.
var ErrInconsistent = errors.New("cache inconsistency")

// Recorder receives one Hit or Miss per lookup, and CacheError on inconsistency.
// *metrics.Collector implements it.
type Recorder interface {
	Hit()
	Miss()
	CacheError()
}

// Key identifies one cached history page.
type Key struct {
	ConversationID string
	Cursor         string
	PageSize       int
}

// Page is a cached history page.
type Page struct {
	ConversationID string
	Messages       []*store.Message
	NextCursor     string
	HasMore        bool
	Version        uint64
}

// Ticket is handed out on a miss and must be presented to Put. It carries the
// conversation version observed at miss time.
type Ticket struct {
	Key     Key
	Version uint64
}

// Cache holds history pages keyed by (conversation, cursor, page size).
// A conversation's version increases on every invalidation; a page is only
// served while its version equals the conversation's current version.
//
// Versions are drawn from one counter and kept for a bounded number of
// recently invalidated conversations. A conversation without an entry is at
// the floor, the highest version ever evicted, so no conversation's version
// ever goes backwards.
type Cache struct {
	mu       sync.Mutex
	entries  *lru.Cache
	versions *lru.Cache // conversation ID -> uint64
	clock    uint64
	floor    uint64
	recorder Recorder
	logger   *slog.Logger
}

// New creates a cache holding at most maxEntries pages.
func New(maxEntries int, recorder Recorder, logger *slog.Logger) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	entries, err := lru.New(maxEntries)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}

	c := &Cache{
		entries:  entries,
		recorder: recorder,
		logger:   logger.With("component", "msgcache"),
	}
	// The callback runs inside versions.Add, which is only called with c.mu held
	c.versions, err = lru.NewWithEvict(maxEntries*versionsPerEntry, func(_, value any) {
		if v := value.(uint64); v > c.floor {
			c.floor = v
		}
	})
	if err != nil {
		return nil, fmt.Errorf("creating version lru: %w", err)
	}
	return c, nil
}

// versionOf must be called with mu held.
func (c *Cache) versionOf(conversationID string) uint64 {
	if v, ok := c.versions.Get(conversationID); ok {
		return v.(uint64)
	}
	return c.floor
}

// Get looks up a page. On a hit it returns a copy of the page and true.
// On a miss it returns a Ticket to pass to Put once the page has been loaded.
func (c *Cache) Get(conversationID, cursor string, pageSize int) (*Page, Ticket, bool) {
	key := Key{ConversationID: conversationID, Cursor: cursor, PageSize: pageSize}

	c.mu.Lock()
	defer c.mu.Unlock()

	version := c.versionOf(conversationID)
	ticket := Ticket{Key: key, Version: version}

	val, ok := c.entries.Get(key)
	if !ok {
		c.recorder.Miss()
		return nil, ticket, false
	}

	page := val.(*Page)
	if page.ConversationID != conversationID || page.Version > version {
		c.entries.Remove(key)
		c.recorder.CacheError()
		c.logger.Warn("dropping inconsistent cache entry",
			"error", ErrInconsistent,
			"conversation_id", conversationID,
			"entry_conversation_id", page.ConversationID,
			"entry_version", page.Version,
			"current_version", version,
		)
		c.recorder.Miss()
		return nil, ticket, false
	}
	if page.Version < version {
		// invalidated since it was stored
		c.entries.Remove(key)
		c.recorder.Miss()
		return nil, ticket, false
	}

	c.recorder.Hit()
	c.logger.Debug("cache hit", "conversation_id", conversationID, "cursor", cursor, "page_size", pageSize)
	return page.clone(), ticket, true
}

// Put stores a page loaded after a miss. The page is discarded if the
// conversation was invalidated after the ticket was issued, so a read that
// raced a write can never publish pre-write data. Reports whether it was stored.
func (c *Cache) Put(ticket Ticket, page *Page) bool {
	if page == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.versionOf(ticket.Key.ConversationID) != ticket.Version {
		return false
	}

	stored := page.clone()
	stored.ConversationID = ticket.Key.ConversationID
	stored.Version = ticket.Version
	c.entries.Add(ticket.Key, stored)
	return true
}

// Invalidate marks every cached page of a conversation stale.
func (c *Cache) Invalidate(conversationID string) {
	c.mu.Lock()
	c.clock++
	version := c.clock
	c.versions.Add(conversationID, version)
	c.mu.Unlock()

	c.logger.Debug("invalidated conversation", "conversation_id", conversationID, "version", version)
}

// Version returns the current version stamp of a conversation.
func (c *Cache) Version(conversationID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionOf(conversationID)
}

// TrackedVersions returns how many conversations hold their own version.
func (c *Cache) TrackedVersions() int {
	return c.versions.Len()
}

// Len returns the number of cached pages, including stale ones not yet evicted.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every cached page. Versions are kept so outstanding tickets
// stay valid only if nothing was invalidated.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// clone copies the page and its messages so neither the caller nor the
// cache can mutate the other's copy.
func (p *Page) clone() *Page {
	cp := *p
	cp.Messages = make([]*store.Message, len(p.Messages))
	for i, msg := range p.Messages {
		m := *msg
		if msg.EditedAt != nil {
			t := *msg.EditedAt
			m.EditedAt = &t
		}
		cp.Messages[i] = &m
	}
	return &cp
}

type nopRecorder struct{}

func (nopRecorder) Hit()        {}
func (nopRecorder) Miss()       {}
func (nopRecorder) CacheError() {}
