// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory, with per-method failure injection and call counting

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation           // keyed by conversation ID
	directIndex   map[string]string                  // keyed by DirectKey -> conversation ID
	participants  map[string]map[string]*Participant // conversation ID -> user ID
	messages      map[string]*Message                // keyed by message ID
	byConv        map[string][]string                // conversation ID -> message IDs
	receipts      map[string]map[string]*ReadReceipt // message ID -> user ID

	failures map[string][]error
	calls    map[string]int
	delay    time.Duration
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		directIndex:   make(map[string]string),
		participants:  make(map[string]map[string]*Participant),
		messages:      make(map[string]*Message),
		byConv:        make(map[string][]string),
		receipts:      make(map[string]map[string]*ReadReceipt),
		failures:      make(map[string][]error),
		calls:         make(map[string]int),
	}
}

// FailNext makes the next call to method return err. Calls queue up.
func (m *MockStore) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], err)
}

// SetDelay makes every call sleep for d (or until ctx is done) before running.
func (m *MockStore) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// CallCount returns how many times method has been called.
func (m *MockStore) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// enter records a call and returns any injected failure. Must not hold m.mu.
func (m *MockStore) enter(ctx context.Context, method string) error {
	m.mu.Lock()
	m.calls[method]++
	delay := m.delay
	var injected error
	if queue := m.failures[method]; len(queue) > 0 {
		injected = queue[0]
		m.failures[method] = queue[1:]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return injected
}

// CreateConversation stores a conversation and its participants.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation, participants []*Participant) error {
	if err := m.enter(ctx, "CreateConversation"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrConflict
	}
	if conv.DirectKey != "" {
		if _, exists := m.directIndex[conv.DirectKey]; exists {
			return ErrDuplicateDirect
		}
		m.directIndex[conv.DirectKey] = conv.ID
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c

	members := make(map[string]*Participant, len(participants))
	for _, p := range participants {
		cp := *p
		cp.ConversationID = c.ID
		cp.Active = true
		members[cp.UserID] = &cp
	}
	m.participants[c.ID] = members
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if err := m.enter(ctx, "GetConversation"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// GetDirectConversation retrieves the DIRECT conversation for a user pair.
func (m *MockStore) GetDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	if err := m.enter(ctx, "GetDirectConversation"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.directIndex[DirectKey(userA, userB)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.conversations[id]
	return &c, nil
}

// SetConversationActive archives or restores a conversation.
func (m *MockStore) SetConversationActive(ctx context.Context, id string, active bool) error {
	if err := m.enter(ctx, "SetConversationActive"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Active = active
	return nil
}

// UpsertParticipant adds or reactivates a participant.
func (m *MockStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	if err := m.enter(ctx, "UpsertParticipant"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.participants[p.ConversationID]
	if !ok {
		return ErrNotFound
	}
	cp := *p
	cp.Active = true
	members[cp.UserID] = &cp
	return nil
}

// DeactivateParticipant soft-removes a participant.
func (m *MockStore) DeactivateParticipant(ctx context.Context, conversationID, userID string) error {
	if err := m.enter(ctx, "DeactivateParticipant"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.participants[conversationID][userID]
	if !ok || !p.Active {
		return ErrNotFound
	}
	p.Active = false
	return nil
}

// ListActiveParticipants returns active participants in join order.
func (m *MockStore) ListActiveParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	if err := m.enter(ctx, "ListActiveParticipants"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Participant
	for _, p := range m.participants[conversationID] {
		if p.Active {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].JoinedAt.Equal(result[j].JoinedAt) {
			return result[i].UserID < result[j].UserID
		}
		return result[i].JoinedAt.Before(result[j].JoinedAt)
	})
	return result, nil
}

// CreateMessage stores a message.
func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	if err := m.enter(ctx, "CreateMessage"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if msg.ClientToken != "" {
		for _, id := range m.byConv[msg.ConversationID] {
			existing := m.messages[id]
			if existing.SenderID == msg.SenderID && existing.ClientToken == msg.ClientToken {
				return ErrDuplicateMessage
			}
		}
	}

	cp := *msg
	m.messages[cp.ID] = &cp
	m.byConv[cp.ConversationID] = append(m.byConv[cp.ConversationID], cp.ID)
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	if err := m.enter(ctx, "GetMessage"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// GetMessageByClientToken finds a message by its sender's idempotency token.
func (m *MockStore) GetMessageByClientToken(ctx context.Context, conversationID, senderID, token string) (*Message, error) {
	if err := m.enter(ctx, "GetMessageByClientToken"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.byConv[conversationID] {
		msg := m.messages[id]
		if msg.SenderID == senderID && msg.ClientToken == token {
			return copyMessage(msg), nil
		}
	}
	return nil, ErrNotFound
}

// ListMessages returns a page of non-deleted messages, walking backwards from the cursor.
func (m *MockStore) ListMessages(ctx context.Context, p ListMessagesParams) (*MessagePage, error) {
	if err := m.enter(ctx, "ListMessages"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := NormalizeLimit(p.Limit)

	var cursorTS time.Time
	var cursorID string
	if p.Cursor != "" {
		var err error
		cursorTS, cursorID, err = DecodeCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
	}

	var matching []*Message
	for _, id := range m.byConv[p.ConversationID] {
		msg := m.messages[id]
		if msg.Deleted {
			continue
		}
		if p.Cursor != "" && !olderThan(msg, cursorTS, cursorID) {
			continue
		}
		matching = append(matching, copyMessage(msg))
	}

	// newest first, as the SQL query orders them
	sort.Slice(matching, func(i, j int) bool {
		a, b := matching[i], matching[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if len(matching) > limit+1 {
		matching = matching[:limit+1]
	}

	return buildMessagePage(matching, limit), nil
}

func olderThan(msg *Message, ts time.Time, id string) bool {
	created := msg.CreatedAt.Truncate(time.Nanosecond)
	return created.Before(ts) || (created.Equal(ts) && msg.ID < id)
}

// UpdateMessageContent edits a non-deleted message.
func (m *MockStore) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error {
	if err := m.enter(ctx, "UpdateMessageContent"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.Deleted {
		return ErrNotFound
	}
	msg.Content = content
	t := editedAt
	msg.EditedAt = &t
	return nil
}

// SoftDeleteMessage marks a message deleted.
func (m *MockStore) SoftDeleteMessage(ctx context.Context, id string) error {
	if err := m.enter(ctx, "SoftDeleteMessage"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.Deleted {
		return ErrNotFound
	}
	msg.Deleted = true
	return nil
}

// AdvanceMessageStatus moves a message's status forward.
func (m *MockStore) AdvanceMessageStatus(ctx context.Context, id string, status MessageStatus) (bool, error) {
	if err := m.enter(ctx, "AdvanceMessageStatus"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if msg.Status.Rank() >= status.Rank() {
		return false, nil
	}
	msg.Status = status
	return true, nil
}

// CreateReadReceipt records a read receipt if it doesn't exist yet.
func (m *MockStore) CreateReadReceipt(ctx context.Context, r *ReadReceipt) (bool, error) {
	if err := m.enter(ctx, "CreateReadReceipt"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[r.MessageID]; !ok {
		return false, ErrNotFound
	}
	byUser, ok := m.receipts[r.MessageID]
	if !ok {
		byUser = make(map[string]*ReadReceipt)
		m.receipts[r.MessageID] = byUser
	}
	if _, exists := byUser[r.UserID]; exists {
		return false, nil
	}
	cp := *r
	byUser[cp.UserID] = &cp
	return true, nil
}

// ListReadReceipts returns a message's receipts, earliest first.
func (m *MockStore) ListReadReceipts(ctx context.Context, messageID string) ([]*ReadReceipt, error) {
	if err := m.enter(ctx, "ListReadReceipts"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ReadReceipt
	for _, r := range m.receipts[messageID] {
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ReadAt.Equal(result[j].ReadAt) {
			return result[i].UserID < result[j].UserID
		}
		return result[i].ReadAt.Before(result[j].ReadAt)
	})
	return result, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	if msg.EditedAt != nil {
		t := *msg.EditedAt
		cp.EditedAt = &t
	}
	return &cp
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
