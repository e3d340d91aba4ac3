// ABOUTME: Real-Time Delivery Engine: validates inbound events, persists, invalidates, fans out
// ABOUTME: Broadcasts happen only after the store confirms a write; slow targets lose only their own frames

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/huddle/internal/chat"
	"github.com/2389/huddle/internal/presence"
	"github.com/2389/huddle/internal/store"
	"github.com/2389/huddle/internal/throttle"
)

// DeliveryPolicy chooses which connections receive conversation events.
type DeliveryPolicy string

const (
	// PolicyParticipants delivers to every connection of every active participant.
	PolicyParticipants DeliveryPolicy = "participants"

	// PolicyRooms delivers only to connections joined to the conversation's room.
	PolicyRooms DeliveryPolicy = "rooms"
)

// DefaultTypingInterval is the minimum gap between relayed typing_start
// events from one user in one conversation.
const DefaultTypingInterval = 2 * time.Second

// Config holds engine settings.
type Config struct {
	QueueSize      int
	DeliveryPolicy DeliveryPolicy
	TypingInterval time.Duration
}

// Participants resolves and checks conversation membership.
// *conversation.Registry implements it.
type Participants interface {
	Authorize(ctx context.Context, conversationID, userID string) error
	ResolveParticipants(ctx context.Context, conversationID string) ([]string, error)
}

// Recorder counts fan-out outcomes. *metrics.Collector implements it.
type Recorder interface {
	Delivered()
	Dropped()
}

// Origin identifies the connection and request that caused an event. The
// zero value means the request did not come over the real-time transport.
type Origin struct {
	ConnID    string
	RequestID string
}

// Engine turns inbound client events into persisted state and outbound frames.
type Engine struct {
	chat         *chat.Service
	participants Participants
	presence     *presence.Manager
	metrics      Recorder
	typing       *throttle.Window
	lanes        *sequencer
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time
}

// New creates an engine. Call Close when done.
func New(chatSvc *chat.Service, participants Participants, mgr *presence.Manager, recorder Recorder, cfg Config, logger *slog.Logger) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = presence.DefaultQueueSize
	}
	if cfg.DeliveryPolicy == "" {
		cfg.DeliveryPolicy = PolicyParticipants
	}
	if cfg.TypingInterval < 0 {
		cfg.TypingInterval = 0
	} else if cfg.TypingInterval == 0 {
		cfg.TypingInterval = DefaultTypingInterval
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		chat:         chatSvc,
		participants: participants,
		presence:     mgr,
		metrics:      recorder,
		typing:       throttle.New(cfg.TypingInterval, throttle.DefaultMaxKeys),
		lanes:        newSequencer(),
		cfg:          cfg,
		logger:       logger.With("component", "realtime"),
		now:          time.Now,
	}
}

// Close releases background resources.
func (e *Engine) Close() {
	e.typing.Close()
	e.lanes.wait()
}

// Connect registers a new connection for a verified user.
func (e *Engine) Connect(ctx context.Context, userID string) (*presence.Connection, error) {
	c := e.presence.NewConnection(e.cfg.QueueSize)
	if _, err := e.presence.Authenticate(ctx, c, userID); err != nil {
		e.presence.Disconnect(ctx, c.ID())
		return nil, err
	}
	return c, nil
}

// Disconnect releases a connection's rooms and presence. Writes it already
// started are not cancelled. When the user has no connections left, other
// members of the released rooms get presence_offline.
func (e *Engine) Disconnect(ctx context.Context, connID string) presence.DisconnectResult {
	res := e.presence.Disconnect(ctx, connID)
	if !res.WentOffline || len(res.Rooms) == 0 {
		return res
	}

	seen := make(map[string]bool)
	var targets []*presence.Connection
	for _, conversationID := range res.Rooms {
		for _, c := range e.presence.RoomConnections(conversationID, "") {
			if seen[c.ID()] {
				continue
			}
			seen[c.ID()] = true
			targets = append(targets, c)
		}
	}
	e.fanout(targets, Outbound{Type: KindPresenceOffline, Payload: UserPayload{UserID: res.UserID}})
	return res
}

// Handle processes one raw inbound frame from conn. Failures are reported to
// conn as an error frame and nowhere else.
func (e *Engine) Handle(ctx context.Context, conn *presence.Connection, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		e.replyError(conn, in, fmt.Errorf("%w: malformed frame", ErrInvalidFrame))
		return
	}
	if err := e.dispatch(ctx, conn, in); err != nil {
		e.replyError(conn, in, err)
	}
}

func (e *Engine) dispatch(ctx context.Context, conn *presence.Connection, in Inbound) error {
	userID := conn.UserID()
	if userID == "" {
		return presence.ErrNotAuthenticated
	}
	if in.Type == KindPing {
		e.presence.Refresh(ctx, conn.ID())
		e.reply(conn, Outbound{Type: KindPong, RequestID: in.RequestID})
		return nil
	}
	if in.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidFrame)
	}

	origin := Origin{ConnID: conn.ID(), RequestID: in.RequestID}

	switch in.Type {
	case KindSendMessage:
		var p SendPayload
		if err := decodePayload(in.Payload, &p); err != nil {
			return err
		}
		_, err := e.SendMessage(ctx, origin, chat.SendRequest{
			ConversationID: in.ConversationID,
			SenderID:       userID,
			Content:        p.Content,
			Type:           store.MessageType(strings.ToUpper(p.MessageType)),
			ClientToken:    p.ClientToken,
		})
		return err

	case KindEditMessage:
		var p EditPayload
		if err := decodePayload(in.Payload, &p); err != nil {
			return err
		}
		if p.MessageID == "" {
			return fmt.Errorf("%w: message_id is required", ErrInvalidFrame)
		}
		_, err := e.EditMessage(ctx, origin, in.ConversationID, p.MessageID, userID, p.Content)
		return err

	case KindDeleteMessage, KindMarkRead:
		var p MessageRef
		if err := decodePayload(in.Payload, &p); err != nil {
			return err
		}
		if p.MessageID == "" {
			return fmt.Errorf("%w: message_id is required", ErrInvalidFrame)
		}
		if in.Type == KindDeleteMessage {
			_, err := e.DeleteMessage(ctx, origin, in.ConversationID, p.MessageID, userID)
			return err
		}
		_, err := e.MarkRead(ctx, origin, in.ConversationID, p.MessageID, userID)
		return err

	case KindTypingStart, KindTypingStop:
		return e.Typing(ctx, in.ConversationID, userID, conn.ID(), in.Type == KindTypingStart)

	case KindJoin:
		added, err := e.presence.Join(ctx, conn.ID(), in.ConversationID)
		if err != nil {
			return err
		}
		e.ack(origin, in.ConversationID, AckPayload{Changed: boolPtr(added)})
		if added {
			e.fanout(e.presence.RoomConnections(in.ConversationID, conn.ID()), Outbound{
				Type:           KindParticipantJoined,
				ConversationID: in.ConversationID,
				Payload:        UserPayload{UserID: userID},
			})
		}
		return nil

	case KindLeave:
		removed := e.presence.Leave(conn.ID(), in.ConversationID)
		e.ack(origin, in.ConversationID, AckPayload{Changed: boolPtr(removed)})
		if removed {
			e.fanout(e.presence.RoomConnections(in.ConversationID, conn.ID()), Outbound{
				Type:           KindParticipantLeft,
				ConversationID: in.ConversationID,
				Payload:        UserPayload{UserID: userID},
			})
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, in.Type)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidFrame)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	return nil
}

// SendMessage persists a message and, once the store has confirmed it,
// broadcasts send_message to every target connection except the origin.
// If any recipient connection accepted the frame the message becomes
// DELIVERED and the sender's connections get message_status.
//
// Sends to one conversation are persisted and broadcast one at a time, so
// every recipient sees them in history order.
func (e *Engine) SendMessage(ctx context.Context, origin Origin, req chat.SendRequest) (*chat.SendResult, error) {
	var (
		res       *chat.SendResult
		delivered []*presence.Connection
		err       error
	)
	e.lanes.do(req.ConversationID, func() {
		res, delivered, err = e.persistAndBroadcast(ctx, origin, req)
	})
	if err != nil || res.Duplicate {
		return res, err
	}

	reachedRecipient := false
	for _, c := range delivered {
		if c.UserID() != req.SenderID {
			reachedRecipient = true
			break
		}
	}
	if !reachedRecipient {
		return res, nil
	}

	// The write is durable; the status update must not depend on the requester staying connected
	changed, err := e.chat.MarkDelivered(context.WithoutCancel(ctx), req.ConversationID, res.Message.ID)
	if err != nil {
		e.logger.Warn("marking message delivered failed", "message_id", res.Message.ID, "error", err)
		return res, nil
	}
	if changed {
		res.Message.Status = store.MessageStatusDelivered
		e.fanout(e.connectionsFor(req.ConversationID, []string{req.SenderID}, ""), Outbound{
			Type:           KindMessageStatus,
			ConversationID: req.ConversationID,
			Payload:        StatusPayload{MessageID: res.Message.ID, Status: string(store.MessageStatusDelivered)},
		})
	}
	return res, nil
}

// persistAndBroadcast records the message, acks the origin and fans the
// message out. It returns the connections that accepted the frame.
func (e *Engine) persistAndBroadcast(ctx context.Context, origin Origin, req chat.SendRequest) (*chat.SendResult, []*presence.Connection, error) {
	res, err := e.chat.SendMessage(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	view := NewMessageView(res.Message)
	e.ack(origin, req.ConversationID, AckPayload{Message: &view, Duplicate: res.Duplicate})
	if res.Duplicate {
		return res, nil, nil
	}

	targets, err := e.targets(context.WithoutCancel(ctx), req.ConversationID, origin.ConnID, "")
	if err != nil {
		e.logger.Warn("resolving send targets failed", "conversation_id", req.ConversationID, "message_id", res.Message.ID, "error", err)
		return res, nil, nil
	}

	delivered := e.fanout(targets, Outbound{
		Type:           KindSendMessage,
		ConversationID: req.ConversationID,
		Payload:        view,
	})
	return res, delivered, nil
}

// EditMessage changes the content of the caller's message and broadcasts the
// new version.
func (e *Engine) EditMessage(ctx context.Context, origin Origin, conversationID, messageID, userID, content string) (*store.Message, error) {
	var (
		msg *store.Message
		err error
	)
	e.lanes.do(conversationID, func() {
		msg, err = e.chat.EditMessage(ctx, conversationID, messageID, userID, content)
		if err == nil {
			e.announceMessage(ctx, origin, KindEditMessage, msg)
		}
	})
	return msg, err
}

// DeleteMessage soft-deletes the caller's message and broadcasts the tombstone.
func (e *Engine) DeleteMessage(ctx context.Context, origin Origin, conversationID, messageID, userID string) (*store.Message, error) {
	var (
		msg *store.Message
		err error
	)
	e.lanes.do(conversationID, func() {
		msg, err = e.chat.DeleteMessage(ctx, conversationID, messageID, userID)
		if err == nil {
			e.announceMessage(ctx, origin, KindDeleteMessage, msg)
		}
	})
	return msg, err
}

func (e *Engine) announceMessage(ctx context.Context, origin Origin, kind string, msg *store.Message) {
	view := NewMessageView(msg)
	e.ack(origin, msg.ConversationID, AckPayload{Message: &view})

	targets, err := e.targets(context.WithoutCancel(ctx), msg.ConversationID, origin.ConnID, "")
	if err != nil {
		e.logger.Warn("resolving targets failed", "conversation_id", msg.ConversationID, "type", kind, "error", err)
		return
	}
	e.fanout(targets, Outbound{Type: kind, ConversationID: msg.ConversationID, Payload: view})
}

// MarkRead records a read receipt. The sender and earlier readers are told
// about the first read by each user; repeated reads are acknowledged only.
func (e *Engine) MarkRead(ctx context.Context, origin Origin, conversationID, messageID, userID string) (*chat.ReadResult, error) {
	res, err := e.chat.MarkRead(ctx, conversationID, messageID, userID)
	if err != nil {
		return nil, err
	}

	changed := res.Created || res.StatusChanged
	e.ack(origin, conversationID, AckPayload{Changed: boolPtr(changed)})
	if !changed {
		return res, nil
	}

	notify := make([]string, 0, len(res.Readers)+1)
	notify = append(notify, res.Message.SenderID)
	for _, reader := range res.Readers {
		if reader != userID && reader != res.Message.SenderID {
			notify = append(notify, reader)
		}
	}

	e.fanout(e.connectionsFor(conversationID, notify, origin.ConnID), Outbound{
		Type:           KindMarkRead,
		ConversationID: conversationID,
		Payload: ReadPayload{
			MessageID: messageID,
			UserID:    userID,
			ReadAt:    res.Receipt.ReadAt,
			Status:    string(res.Message.Status),
		},
	})
	return res, nil
}

// Typing relays a typing indicator to the other participants. Nothing is
// persisted. Repeated typing_start events within the typing interval are
// dropped; typing_stop always passes.
func (e *Engine) Typing(ctx context.Context, conversationID, userID, originConnID string, start bool) error {
	if err := e.participants.Authorize(ctx, conversationID, userID); err != nil {
		return err
	}

	key := conversationID + "|" + userID
	kind := KindTypingStop
	if start {
		if !e.typing.Allow(key) {
			return nil
		}
		kind = KindTypingStart
	} else {
		e.typing.Reset(key)
	}

	targets, err := e.targets(ctx, conversationID, originConnID, userID)
	if err != nil {
		return err
	}
	e.fanout(targets, Outbound{Type: kind, ConversationID: conversationID, Payload: UserPayload{UserID: userID}})
	return nil
}

// targets resolves the connections that should see a conversation event.
func (e *Engine) targets(ctx context.Context, conversationID, excludeConnID, excludeUserID string) ([]*presence.Connection, error) {
	users, err := e.participants.ResolveParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if excludeUserID != "" {
		kept := users[:0]
		for _, u := range users {
			if u != excludeUserID {
				kept = append(kept, u)
			}
		}
		users = kept
	}
	return e.connectionsFor(conversationID, users, excludeConnID), nil
}

// connectionsFor applies the delivery policy to a set of users.
func (e *Engine) connectionsFor(conversationID string, users []string, excludeConnID string) []*presence.Connection {
	if e.cfg.DeliveryPolicy != PolicyRooms {
		return e.presence.ConnectionsFor(users, excludeConnID)
	}

	allowed := make(map[string]bool, len(users))
	for _, u := range users {
		allowed[u] = true
	}
	var out []*presence.Connection
	for _, c := range e.presence.RoomConnections(conversationID, excludeConnID) {
		if allowed[c.UserID()] {
			out = append(out, c)
		}
	}
	return out
}

// fanout enqueues one frame on each target and returns those that accepted it.
func (e *Engine) fanout(targets []*presence.Connection, frame Outbound) []*presence.Connection {
	if len(targets) == 0 {
		return nil
	}
	payload, err := e.encode(frame)
	if err != nil {
		e.logger.Error("encoding frame", "type", frame.Type, "error", err)
		return nil
	}

	delivered := make([]*presence.Connection, 0, len(targets))
	for _, c := range targets {
		if err := c.Enqueue(payload); err != nil {
			e.metrics.Dropped()
			e.logger.Warn("dropped frame for connection",
				"conn_id", c.ID(),
				"user_id", c.UserID(),
				"type", frame.Type,
				"conversation_id", frame.ConversationID,
				"error", err)
			continue
		}
		e.metrics.Delivered()
		delivered = append(delivered, c)
	}

	e.logger.Debug("fanned out frame", "type", frame.Type, "conversation_id", frame.ConversationID, "targets", len(targets), "delivered", len(delivered))
	return delivered
}

func (e *Engine) ack(origin Origin, conversationID string, payload AckPayload) {
	if origin.ConnID == "" {
		return
	}
	c, ok := e.presence.Connection(origin.ConnID)
	if !ok {
		return
	}
	e.reply(c, Outbound{Type: KindAck, ConversationID: conversationID, RequestID: origin.RequestID, Payload: payload})
}

func (e *Engine) replyError(conn *presence.Connection, in Inbound, err error) {
	code := ErrorCode(err)
	if code == CodeInternal || code == CodeUnavailable {
		e.logger.Error("request failed", "type", in.Type, "conversation_id", in.ConversationID, "user_id", conn.UserID(), "error", err)
	} else {
		e.logger.Debug("request rejected", "type", in.Type, "conversation_id", in.ConversationID, "code", code, "error", err)
	}
	e.reply(conn, Outbound{
		Type:           KindError,
		ConversationID: in.ConversationID,
		RequestID:      in.RequestID,
		Payload:        ErrorPayload{Code: code, Message: ClientMessage(code, err)},
	})
}

// reply sends a frame to one connection. Replies are not counted as deliveries.
func (e *Engine) reply(conn *presence.Connection, frame Outbound) {
	payload, err := e.encode(frame)
	if err != nil {
		e.logger.Error("encoding frame", "type", frame.Type, "error", err)
		return
	}
	if err := conn.Enqueue(payload); err != nil {
		e.logger.Debug("reply not enqueued", "conn_id", conn.ID(), "type", frame.Type, "error", err)
	}
}

func (e *Engine) encode(frame Outbound) ([]byte, error) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = e.now().UTC()
	}
	return json.Marshal(frame)
}

type nopRecorder struct{}

func (nopRecorder) Delivered() {}
func (nopRecorder) Dropped()   {}
