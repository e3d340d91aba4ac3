// ABOUTME: Chat Service is the single path for reading history and writing messages
// ABOUTME: Record first, then invalidate: the cache is only touched after the store confirms a write

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/huddle/internal/msgcache"
	"github.com/2389/huddle/internal/store"
)

var (
	// ErrInvalidMessage is returned for empty, oversized or mistyped messages
	ErrInvalidMessage = errors.New("invalid message")

	// ErrNotSender is returned when editing or deleting someone else's message
	ErrNotSender = errors.New("only the sender can modify a message")
)

// MaxContentBytes bounds message content.
const MaxContentBytes = 16 * 1024

// DefaultPersistTimeout bounds each store call made on behalf of a request.
const DefaultPersistTimeout = 5 * time.Second

// ChatStore defines what the service needs from storage
type ChatStore interface {
	CreateMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	GetMessageByClientToken(ctx context.Context, conversationID, senderID, token string) (*store.Message, error)
	ListMessages(ctx context.Context, params store.ListMessagesParams) (*store.MessagePage, error)
	UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error
	SoftDeleteMessage(ctx context.Context, id string) error
	AdvanceMessageStatus(ctx context.Context, id string, status store.MessageStatus) (bool, error)
	CreateReadReceipt(ctx context.Context, receipt *store.ReadReceipt) (bool, error)
	ListReadReceipts(ctx context.Context, messageID string) ([]*store.ReadReceipt, error)
}

// Authorizer checks that a user is an active participant.
// *conversation.Registry implements it.
type Authorizer interface {
	Authorize(ctx context.Context, conversationID, userID string) error
}

// Service reads history through the message cache and performs every
// message write followed by the matching cache invalidation.
type Service struct {
	store          ChatStore
	auth           Authorizer
	cache          *msgcache.Cache
	persistTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	stampMu   sync.Mutex
	lastStamp time.Time

	loads singleflight.Group
}

// New creates a chat service. A zero persistTimeout uses DefaultPersistTimeout.
func New(s ChatStore, auth Authorizer, cache *msgcache.Cache, persistTimeout time.Duration, logger *slog.Logger) *Service {
	if persistTimeout <= 0 {
		persistTimeout = DefaultPersistTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:          s,
		auth:           auth,
		cache:          cache,
		persistTimeout: persistTimeout,
		logger:         logger.With("component", "chat"),
		now:            time.Now,
	}
}

// storeContext detaches from the caller's cancellation so an accepted write
// completes even if the client goes away, while still bounding it.
func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
}

// History is one page of conversation history.
type History struct {
	Messages   []*store.Message
	NextCursor string
	HasMore    bool
	CacheHit   bool
}

// ListMessages returns a page of history, newest page first, each page
// ordered oldest to newest. Served from the cache when possible.
func (s *Service) ListMessages(ctx context.Context, conversationID, userID, cursor string, limit int) (*History, error) {
	if err := s.auth.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if cursor != "" {
		if _, _, err := store.DecodeCursor(cursor); err != nil {
			return nil, err
		}
	}
	limit = store.NormalizeLimit(limit)

	page, ticket, hit := s.cache.Get(conversationID, cursor, limit)
	if hit {
		return historyFrom(page, true), nil
	}

	// Concurrent misses on the same key and version share one store read
	flightKey := fmt.Sprintf("%s|%s|%d|%d", conversationID, cursor, limit, ticket.Version)

	val, err, _ := s.loads.Do(flightKey, func() (any, error) {
		loadCtx, cancel := s.storeContext(ctx)
		defer cancel()

		result, err := s.store.ListMessages(loadCtx, store.ListMessagesParams{
			ConversationID: conversationID,
			Cursor:         cursor,
			Limit:          limit,
		})
		if err != nil {
			return nil, err
		}

		page := &msgcache.Page{
			ConversationID: conversationID,
			Messages:       result.Messages,
			NextCursor:     result.NextCursor,
			HasMore:        result.HasMore,
		}
		s.cache.Put(ticket, page)
		return page, nil
	})
	if err != nil {
		s.logger.Warn("history load failed", "conversation_id", conversationID, "error", err)
		return nil, err
	}

	return historyFrom(val.(*msgcache.Page), false), nil
}

func historyFrom(page *msgcache.Page, hit bool) *History {
	messages := make([]*store.Message, len(page.Messages))
	for i, msg := range page.Messages {
		m := *msg
		messages[i] = &m
	}
	return &History{
		Messages:   messages,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
		CacheHit:   hit,
	}
}

// SendRequest is a new message from a participant.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           store.MessageType
	ClientToken    string // optional; retries with the same token return the original message
}

// SendResult is the stored message.
type SendResult struct {
	Message   *store.Message
	Duplicate bool // the client token matched an earlier send; nothing new was written
}

// SendMessage validates, authorizes and persists a message, then invalidates
// the conversation's cached history. Nothing is invalidated if the write fails.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.Type == "" {
		req.Type = store.MessageTypeText
	}
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrInvalidMessage)
	}
	if err := validateContent(req.Type, req.Content); err != nil {
		return nil, err
	}

	if err := s.auth.Authorize(ctx, req.ConversationID, req.SenderID); err != nil {
		return nil, err
	}

	writeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	if req.ClientToken != "" {
		existing, err := s.store.GetMessageByClientToken(writeCtx, req.ConversationID, req.SenderID, req.ClientToken)
		if err == nil {
			s.logger.Debug("duplicate send absorbed", "message_id", existing.ID, "client_token", req.ClientToken)
			return &SendResult{Message: existing, Duplicate: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Type:           req.Type,
		Status:         store.MessageStatusSent,
		ClientToken:    req.ClientToken,
		CreatedAt:      s.stamp(),
	}

	if err := s.store.CreateMessage(writeCtx, msg); err != nil {
		// A concurrent retry with the same token won the insert
		if errors.Is(err, store.ErrDuplicateMessage) {
			existing, lookupErr := s.store.GetMessageByClientToken(writeCtx, req.ConversationID, req.SenderID, req.ClientToken)
			if lookupErr == nil {
				return &SendResult{Message: existing, Duplicate: true}, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		s.logger.Warn("message persist failed", "conversation_id", req.ConversationID, "error", err)
		return nil, err
	}

	s.cache.Invalidate(req.ConversationID)

	s.logger.Debug("message recorded",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender", msg.SenderID)

	return &SendResult{Message: msg}, nil
}

// stamp returns a creation time later than any this service handed out
// before, so sends made in sequence sort in that sequence.
func (s *Service) stamp() time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()

	t := s.now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = t
	return t
}

func validateContent(msgType store.MessageType, content string) error {
	if !msgType.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msgType)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidMessage, MaxContentBytes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidMessage)
	}
	return nil
}

// loadMessage fetches a live message and checks it belongs to the conversation.
func (s *Service) loadMessage(ctx context.Context, conversationID, messageID string) (*store.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID || msg.Deleted {
		return nil, store.ErrNotFound
	}
	return msg, nil
}

// ReadResult describes the effect of a read.
type ReadResult struct {
	Message       *store.Message
	Receipt       *store.ReadReceipt
	Created       bool     // first time this user read the message
	StatusChanged bool     // the message moved to READ
	Readers       []string // every user who has read the message, earliest first
}

// MarkRead records that userID read a message. The first read by anyone
// other than the sender moves the message to READ.
func (s *Service) MarkRead(ctx context.Context, conversationID, messageID, userID string) (*ReadResult, error) {
	if err := s.auth.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	writeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	msg, err := s.loadMessage(writeCtx, conversationID, messageID)
	if err != nil {
		return nil, err
	}

	result := &ReadResult{Message: msg}
	if msg.SenderID == userID {
		return result, nil
	}

	receipt := &store.ReadReceipt{MessageID: messageID, UserID: userID, ReadAt: s.now().UTC()}
	created, err := s.store.CreateReadReceipt(writeCtx, receipt)
	if err != nil {
		return nil, err
	}
	result.Receipt = receipt
	result.Created = created

	// A receipt left behind by an earlier failed status write still moves
	// the message forward on retry.
	if msg.Status != store.MessageStatusRead {
		changed, err := s.store.AdvanceMessageStatus(writeCtx, messageID, store.MessageStatusRead)
		if err != nil {
			return nil, err
		}
		if changed {
			msg.Status = store.MessageStatusRead
			result.StatusChanged = true
			s.cache.Invalidate(conversationID)
		}
	}

	receipts, err := s.store.ListReadReceipts(writeCtx, messageID)
	if err != nil {
		return nil, err
	}
	for _, r := range receipts {
		result.Readers = append(result.Readers, r.UserID)
	}

	return result, nil
}

// MarkDelivered moves a message to DELIVERED if it is still SENT.
// Reports whether the status changed.
func (s *Service) MarkDelivered(ctx context.Context, conversationID, messageID string) (bool, error) {
	writeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	changed, err := s.store.AdvanceMessageStatus(writeCtx, messageID, store.MessageStatusDelivered)
	if err != nil {
		return false, err
	}
	if changed {
		s.cache.Invalidate(conversationID)
	}
	return changed, nil
}

// EditMessage replaces the content of the caller's own message.
func (s *Service) EditMessage(ctx context.Context, conversationID, messageID, userID, content string) (*store.Message, error) {
	if err := s.auth.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	writeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	msg, err := s.loadMessage(writeCtx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, ErrNotSender
	}
	if err := validateContent(msg.Type, content); err != nil {
		return nil, err
	}

	editedAt := s.now().UTC()
	if err := s.store.UpdateMessageContent(writeCtx, messageID, content, editedAt); err != nil {
		return nil, err
	}
	s.cache.Invalidate(conversationID)

	msg.Content = content
	msg.EditedAt = &editedAt
	return msg, nil
}

// DeleteMessage soft-deletes the caller's own message.
func (s *Service) DeleteMessage(ctx context.Context, conversationID, messageID, userID string) (*store.Message, error) {
	if err := s.auth.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	writeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	msg, err := s.loadMessage(writeCtx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, ErrNotSender
	}

	if err := s.store.SoftDeleteMessage(writeCtx, messageID); err != nil {
		return nil, err
	}
	s.cache.Invalidate(conversationID)

	msg.Deleted = true
	return msg, nil
}
