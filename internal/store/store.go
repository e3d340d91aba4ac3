// ABOUTME: Store interface and data types for huddle persistence
// ABOUTME: Defines Conversation, Participant, Message, ReadReceipt and the typed store failures

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint
var ErrConflict = errors.New("constraint violation")

// ErrDuplicateDirect is returned when a DIRECT conversation already exists for the user pair
var ErrDuplicateDirect = fmt.Errorf("direct conversation already exists: %w", ErrConflict)

// ErrDuplicateMessage is returned when a message with the same client token was already stored
var ErrDuplicateMessage = fmt.Errorf("message already exists: %w", ErrConflict)

// ErrUnavailable is returned when the backing database fails or times out
var ErrUnavailable = errors.New("store unavailable")

// ConversationType distinguishes two-party conversations from groups
type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// ParticipantRole is the role of a user within a conversation
type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "OWNER"
	RoleMember ParticipantRole = "MEMBER"
)

// MessageType categorizes message content
type MessageType string

const (
	MessageTypeText       MessageType = "TEXT"
	MessageTypeAttachment MessageType = "ATTACHMENT"
	MessageTypeSystem     MessageType = "SYSTEM"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeAttachment, MessageTypeSystem:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message. It only moves forward.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
)

// Rank orders statuses so updates can be forward-only.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return 0
}

// Conversation is a DIRECT (two users, fixed) or GROUP (mutable membership) conversation
type Conversation struct {
	ID        string
	Type      ConversationType
	Name      string // optional for DIRECT
	Active    bool
	CreatedBy string
	DirectKey string // sorted user pair for DIRECT, empty for GROUP
	CreatedAt time.Time
}

// Participant links a user to a conversation. Removal is soft (Active=false).
type Participant struct {
	ConversationID string
	UserID         string
	Role           ParticipantRole
	Active         bool
	JoinedAt       time.Time
}

// Message is a single chat message
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	Status         MessageStatus
	Deleted        bool
	ClientToken    string // optional idempotency token supplied by the sender
	CreatedAt      time.Time
	EditedAt       *time.Time
}

// ReadReceipt records that a user read a message
type ReadReceipt struct {
	MessageID string
	UserID    string
	ReadAt    time.Time
}

// ListMessagesParams selects a page of conversation history.
// Pages walk backwards in time: an empty cursor returns the newest messages,
// NextCursor returns the page before it.
type ListMessagesParams struct {
	ConversationID string
	Cursor         string
	Limit          int
}

// MessagePage is one page of history, ordered oldest first.
type MessagePage struct {
	Messages   []*Message
	NextCursor string
	HasMore    bool
}

// Page size bounds for ListMessages
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// NormalizeLimit applies the default and cap to a requested page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// DirectKey returns the unordered-pair key for a DIRECT conversation.
func DirectKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// Store is the Durable Store Adapter used by the chat core
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation, participants []*Participant) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	SetConversationActive(ctx context.Context, id string, active bool) error

	// Participants
	UpsertParticipant(ctx context.Context, p *Participant) error
	DeactivateParticipant(ctx context.Context, conversationID, userID string) error
	ListActiveParticipants(ctx context.Context, conversationID string) ([]*Participant, error)

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByClientToken(ctx context.Context, conversationID, senderID, token string) (*Message, error)
	ListMessages(ctx context.Context, params ListMessagesParams) (*MessagePage, error)
	UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error
	SoftDeleteMessage(ctx context.Context, id string) error
	AdvanceMessageStatus(ctx context.Context, id string, status MessageStatus) (bool, error)

	// Read receipts
	CreateReadReceipt(ctx context.Context, receipt *ReadReceipt) (bool, error)
	ListReadReceipts(ctx context.Context, messageID string) ([]*ReadReceipt, error)

	// Close releases any resources held by the store
	Close() error
}
