// ABOUTME: Wire frames exchanged with real-time clients
// ABOUTME: Inbound {type, request_id, conversation_id, payload}; outbound adds a timestamp

package realtime

import (
	"encoding/json"
	"time"

	"github.com/2389/huddle/internal/store"
)

// Inbound frame kinds.
const (
	KindSendMessage   = "send_message"
	KindEditMessage   = "edit_message"
	KindDeleteMessage = "delete_message"
	KindMarkRead      = "mark_message_read"
	KindTypingStart   = "typing_start"
	KindTypingStop    = "typing_stop"
	KindJoin          = "join_conversation"
	KindLeave         = "leave_conversation"
	KindPing          = "ping"
)

// Outbound-only frame kinds. Broadcasts caused by an inbound event reuse
// that event's kind.
const (
	KindAck               = "ack"
	KindError             = "error"
	KindPong              = "pong"
	KindMessageStatus     = "message_status"
	KindParticipantJoined = "participant_joined"
	KindParticipantLeft   = "participant_left"
	KindPresenceOffline   = "presence_offline"
)

// Inbound is a frame received from a client.
type Inbound struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"request_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a frame sent to a client.
type Outbound struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SendPayload is the payload of send_message.
type SendPayload struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type,omitempty"`
	ClientToken string `json:"client_token,omitempty"`
}

// EditPayload is the payload of edit_message.
type EditPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// MessageRef is the payload of mark_message_read and delete_message.
type MessageRef struct {
	MessageID string `json:"message_id"`
}

// MessageView is the client representation of a message.
type MessageView struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content,omitempty"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Deleted        bool       `json:"deleted,omitempty"`
	ClientToken    string     `json:"client_token,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
}

// NewMessageView converts a stored message. Deleted messages carry no content.
func NewMessageView(m *store.Message) MessageView {
	v := MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           string(m.Type),
		Status:         string(m.Status),
		Deleted:        m.Deleted,
		ClientToken:    m.ClientToken,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
	if m.Deleted {
		v.Content = ""
	}
	return v
}

// AckPayload confirms an inbound request to its sender.
type AckPayload struct {
	Message   *MessageView `json:"message,omitempty"`
	Duplicate bool         `json:"duplicate,omitempty"`
	Changed   *bool        `json:"changed,omitempty"` // join/leave/read: whether anything changed
}

// StatusPayload is the payload of message_status.
type StatusPayload struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// ReadPayload is broadcast when a participant reads a message.
type ReadPayload struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
	Status    string    `json:"status"`
}

// UserPayload identifies the user behind typing, join, leave and offline notices.
type UserPayload struct {
	UserID string `json:"user_id"`
}

// ErrorPayload is the payload of error frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func boolPtr(b bool) *bool { return &b }
