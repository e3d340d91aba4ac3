// ABOUTME: Presence & Room Manager: tracks connections per user and per conversation room
// ABOUTME: One RWMutex guards all maps; lookups return de-duplicated snapshots for fan-out

package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrUnknownConnection is returned for a connection ID the manager doesn't hold
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrNotAuthenticated is returned when joining before authentication
	ErrNotAuthenticated = errors.New("connection not authenticated")

	// ErrAlreadyAuthenticated is returned when authenticating a connection twice
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
)

// Authorizer decides whether a user may join a conversation's room.
// *conversation.Registry implements it.
type Authorizer interface {
	Authorize(ctx context.Context, conversationID, userID string) error
}

// Mirror publishes presence for other nodes. Calls are best effort.
type Mirror interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// DisconnectResult describes what a disconnect released.
type DisconnectResult struct {
	UserID      string
	Rooms       []string
	WentOffline bool // the user has no other connection on this node
}

// Stats is a snapshot of manager sizes.
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
}

// Manager owns all connection, presence and room state for this node.
type Manager struct {
	auth   Authorizer
	mirror Mirror
	logger *slog.Logger

	mu        sync.RWMutex
	conns     map[string]*Connection            // conn ID -> conn
	byUser    map[string]map[string]*Connection // user ID -> conn ID -> conn
	rooms     map[string]map[string]*Connection // conversation ID -> conn ID -> conn
	connRooms map[string]map[string]struct{}    // conn ID -> conversation IDs
}

// NewManager creates a manager. mirror may be nil.
func NewManager(auth Authorizer, mirror Mirror, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		auth:      auth,
		mirror:    mirror,
		logger:    logger.With("component", "presence"),
		conns:     make(map[string]*Connection),
		byUser:    make(map[string]map[string]*Connection),
		rooms:     make(map[string]map[string]*Connection),
		connRooms: make(map[string]map[string]struct{}),
	}
}

// NewConnection registers a connection in the CONNECTING state.
func (m *Manager) NewConnection(queueSize int) *Connection {
	c := newConnection(queueSize)

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	return c
}

// Authenticate binds a verified user to a connection and registers presence.
// Reports whether this is the user's first connection on this node.
func (m *Manager) Authenticate(ctx context.Context, c *Connection, userID string) (bool, error) {
	m.mu.Lock()
	if _, ok := m.conns[c.id]; !ok {
		m.mu.Unlock()
		return false, ErrUnknownConnection
	}
	if c.State() != StateConnecting {
		m.mu.Unlock()
		return false, ErrAlreadyAuthenticated
	}

	c.authenticate(userID)
	userConns, ok := m.byUser[userID]
	if !ok {
		userConns = make(map[string]*Connection)
		m.byUser[userID] = userConns
	}
	userConns[c.id] = c
	first := len(userConns) == 1
	m.mu.Unlock()

	if first && m.mirror != nil {
		if err := m.mirror.Online(ctx, userID); err != nil {
			m.logger.Warn("presence mirror online failed", "user_id", userID, "error", err)
		}
	}

	m.logger.Info("connection authenticated", "conn_id", c.id, "user_id", userID)
	return first, nil
}

// Join adds a connection to a conversation's room after checking the user
// is an active participant. Joining twice is a no-op that reports false.
func (m *Manager) Join(ctx context.Context, connID, conversationID string) (bool, error) {
	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return false, ErrUnknownConnection
	}
	userID := c.UserID()
	if userID == "" {
		return false, ErrNotAuthenticated
	}

	// Authorization may hit the store, so it runs without the lock
	if err := m.auth.Authorize(ctx, conversationID, userID); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// the connection may have disconnected while we were authorizing
	if _, ok := m.conns[connID]; !ok {
		return false, ErrUnknownConnection
	}

	joined := m.connRooms[connID]
	if _, already := joined[conversationID]; already {
		return false, nil
	}
	if joined == nil {
		joined = make(map[string]struct{})
		m.connRooms[connID] = joined
	}
	joined[conversationID] = struct{}{}

	room, ok := m.rooms[conversationID]
	if !ok {
		room = make(map[string]*Connection)
		m.rooms[conversationID] = room
	}
	room[connID] = c
	c.setState(StateJoined)

	m.logger.Debug("joined room", "conn_id", connID, "conversation_id", conversationID)
	return true, nil
}

// Leave removes a connection from a room. Reports whether it was a member.
func (m *Manager) Leave(connID, conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(connID, conversationID)
}

// leaveLocked must be called with m.mu held.
func (m *Manager) leaveLocked(connID, conversationID string) bool {
	joined := m.connRooms[connID]
	if _, ok := joined[conversationID]; !ok {
		return false
	}
	delete(joined, conversationID)
	if len(joined) == 0 {
		delete(m.connRooms, connID)
		if c, ok := m.conns[connID]; ok {
			c.setState(StateAuthenticated)
		}
	}

	if room := m.rooms[conversationID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(m.rooms, conversationID)
		}
	}
	return true
}

// Disconnect releases every room and presence registration of a connection
// and closes its queue. Safe to call more than once.
func (m *Manager) Disconnect(ctx context.Context, connID string) DisconnectResult {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return DisconnectResult{}
	}

	var rooms []string
	for conversationID := range m.connRooms[connID] {
		rooms = append(rooms, conversationID)
	}
	sort.Strings(rooms)
	for _, conversationID := range rooms {
		m.leaveLocked(connID, conversationID)
	}
	delete(m.conns, connID)

	userID := c.UserID()
	wentOffline := false
	if userConns, ok := m.byUser[userID]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(m.byUser, userID)
			wentOffline = true
		}
	}
	m.mu.Unlock()

	c.close()

	if wentOffline && m.mirror != nil {
		if err := m.mirror.Offline(ctx, userID); err != nil {
			m.logger.Warn("presence mirror offline failed", "user_id", userID, "error", err)
		}
	}

	m.logger.Info("connection disconnected", "conn_id", connID, "user_id", userID, "rooms", len(rooms), "went_offline", wentOffline)
	return DisconnectResult{UserID: userID, Rooms: rooms, WentOffline: wentOffline}
}

// Refresh renews the user's mirrored presence, called on transport pings.
func (m *Manager) Refresh(ctx context.Context, connID string) {
	if m.mirror == nil {
		return
	}
	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok || c.UserID() == "" {
		return
	}
	if err := m.mirror.Refresh(ctx, c.UserID()); err != nil {
		m.logger.Debug("presence mirror refresh failed", "user_id", c.UserID(), "error", err)
	}
}

// Connection returns a registered connection.
func (m *Manager) Connection(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// ConnectionsFor returns every connection of the given users, excluding one
// connection ID (usually the origin). Each connection appears once.
func (m *Manager) ConnectionsFor(userIDs []string, excludeConnID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*Connection
	for _, userID := range userIDs {
		for id, c := range m.byUser[userID] {
			if id == excludeConnID || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, c)
		}
	}
	sortConnections(out)
	return out
}

// RoomConnections returns the connections joined to a conversation's room.
func (m *Manager) RoomConnections(conversationID, excludeConnID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room := m.rooms[conversationID]
	out := make([]*Connection, 0, len(room))
	for id, c := range room {
		if id == excludeConnID {
			continue
		}
		out = append(out, c)
	}
	sortConnections(out)
	return out
}

// UserConnections returns all connections of one user.
func (m *Manager) UserConnections(userID string) []*Connection {
	return m.ConnectionsFor([]string{userID}, "")
}

// IsOnline reports whether the user has a connection on this node.
func (m *Manager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// IsOnlineAnywhere checks this node first, then the mirror if configured.
func (m *Manager) IsOnlineAnywhere(ctx context.Context, userID string) (bool, error) {
	if m.IsOnline(userID) {
		return true, nil
	}
	if m.mirror == nil {
		return false, nil
	}
	return m.mirror.IsOnline(ctx, userID)
}

// Rooms returns the conversations a connection has joined, sorted.
func (m *Manager) Rooms(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]string, 0, len(m.connRooms[connID]))
	for conversationID := range m.connRooms[connID] {
		rooms = append(rooms, conversationID)
	}
	sort.Strings(rooms)
	return rooms
}

// Stats returns the current number of connections, online users and rooms.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Connections: len(m.conns),
		Users:       len(m.byUser),
		Rooms:       len(m.rooms),
	}
}

// DisconnectAll closes every connection, used on shutdown.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Disconnect(ctx, id)
	}
}

func sortConnections(conns []*Connection) {
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
}
