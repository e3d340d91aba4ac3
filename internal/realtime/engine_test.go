// ABOUTME: Tests for the Real-Time Delivery Engine against the mock store
// ABOUTME: Covers persist-then-broadcast ordering, authorization, slow consumers, receipts, typing and rooms

package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/huddle/internal/chat"
	"github.com/2389/huddle/internal/conversation"
	"github.com/2389/huddle/internal/metrics"
	"github.com/2389/huddle/internal/msgcache"
	"github.com/2389/huddle/internal/presence"
	"github.com/2389/huddle/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	store    *store.MockStore
	registry *conversation.Registry
	cache    *msgcache.Cache
	metrics  *metrics.Collector
	chat     *chat.Service
	presence *presence.Manager
	engine   *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	s := store.NewMockStore()
	registry, err := conversation.NewRegistry(s, conversation.Config{}, nil)
	require.NoError(t, err)
	collector := metrics.NewCollector(0)
	cache, err := msgcache.New(64, collector, nil)
	require.NoError(t, err)
	chatSvc := chat.New(s, registry, cache, time.Second, nil)
	mgr := presence.NewManager(registry, nil, nil)

	engine := New(chatSvc, registry, mgr, collector, cfg, nil)
	t.Cleanup(engine.Close)

	return &harness{
		store:    s,
		registry: registry,
		cache:    cache,
		metrics:  collector,
		chat:     chatSvc,
		presence: mgr,
		engine:   engine,
	}
}

func (h *harness) connect(t *testing.T, userID string) *presence.Connection {
	t.Helper()
	c, err := h.engine.Connect(t.Context(), userID)
	require.NoError(t, err)
	return c
}

func (h *harness) group(t *testing.T, owner string, members ...string) string {
	t.Helper()
	conv, err := h.registry.CreateGroup(t.Context(), owner, "test", members)
	require.NoError(t, err)
	return conv.ID
}

func (h *harness) handle(t *testing.T, c *presence.Connection, in Inbound) {
	t.Helper()
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	h.engine.Handle(t.Context(), c, raw)
}

func (h *harness) send(t *testing.T, c *presence.Connection, convID, content string) {
	t.Helper()
	h.handle(t, c, Inbound{
		Type:           KindSendMessage,
		RequestID:      "req-" + content,
		ConversationID: convID,
		Payload:        mustJSON(t, SendPayload{Content: content}),
	})
}

func (h *harness) join(t *testing.T, c *presence.Connection, convID string) {
	t.Helper()
	h.handle(t, c, Inbound{Type: KindJoin, ConversationID: convID})
	ack := next(t, c)
	require.Equal(t, KindAck, ack.Type)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// received is an outbound frame as a client decodes it.
type received struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	RequestID      string          `json:"request_id"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

func (r received) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Payload, v))
}

// next returns the frame already queued on c. Engine calls enqueue
// synchronously, so nothing is ever in flight when a test looks.
func next(t *testing.T, c *presence.Connection) received {
	t.Helper()
	select {
	case raw, ok := <-c.Outbound():
		require.True(t, ok, "connection closed")
		var r received
		require.NoError(t, json.Unmarshal(raw, &r))
		return r
	default:
		require.FailNow(t, "expected a queued frame")
		return received{}
	}
}

func expectNone(t *testing.T, c *presence.Connection) {
	t.Helper()
	select {
	case raw, ok := <-c.Outbound():
		if ok {
			assert.Failf(t, "unexpected frame", "%s", raw)
		}
	default:
	}
}

func drain(c *presence.Connection) {
	for {
		select {
		case _, ok := <-c.Outbound():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func TestSendMessage_PersistsThenBroadcasts(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := t.Context()

	conv, _, err := h.registry.GetOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	h.join(t, bob, conv.ID)

	h.send(t, alice, conv.ID, "hello")

	ack := next(t, alice)
	assert.Equal(t, KindAck, ack.Type)
	assert.Equal(t, "req-hello", ack.RequestID)
	var ackPayload AckPayload
	ack.decode(t, &ackPayload)
	require.NotNil(t, ackPayload.Message)
	assert.Equal(t, "hello", ackPayload.Message.Content)
	assert.Equal(t, string(store.MessageStatusSent), ackPayload.Message.Status)

	event := next(t, bob)
	assert.Equal(t, KindSendMessage, event.Type)
	assert.Equal(t, conv.ID, event.ConversationID)
	var view MessageView
	event.decode(t, &view)
	assert.Equal(t, "hello", view.Content)
	assert.Equal(t, "alice", view.SenderID)

	// the message was durable before bob saw it
	stored, err := h.store.GetMessage(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)

	status := next(t, alice)
	assert.Equal(t, KindMessageStatus, status.Type)
	var sp StatusPayload
	status.decode(t, &sp)
	assert.Equal(t, StatusPayload{MessageID: view.ID, Status: string(store.MessageStatusDelivered)}, sp)
	assert.Equal(t, store.MessageStatusDelivered, mustMessage(t, h, view.ID).Status)

	expectNone(t, alice)
	expectNone(t, bob)

	history, err := h.chat.ListMessages(ctx, conv.ID, "bob", "", 0)
	require.NoError(t, err)
	assert.False(t, history.CacheHit)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, view.ID, history.Messages[0].ID)
}

func mustMessage(t *testing.T, h *harness, id string) *store.Message {
	t.Helper()
	msg, err := h.store.GetMessage(t.Context(), id)
	require.NoError(t, err)
	return msg
}

func TestSendMessage_InvalidatesAfterCacheHit(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := t.Context()
	convID := h.group(t, "alice", "bob")
	alice := h.connect(t, "alice")

	h.send(t, alice, convID, "first")
	drain(alice)

	first, err := h.chat.ListMessages(ctx, convID, "alice", "", 20)
	require.NoError(t, err)
	second, err := h.chat.ListMessages(ctx, convID, "alice", "", 20)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Messages, second.Messages)

	h.send(t, alice, convID, "second")
	drain(alice)

	third, err := h.chat.ListMessages(ctx, convID, "alice", "", 20)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	require.Len(t, third.Messages, 2)
	assert.Equal(t, "second", third.Messages[1].Content)
}

func TestSendMessage_NonParticipantIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	convID := h.group(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")
	version := h.cache.Version(convID)

	h.send(t, carol, convID, "let me in")

	errFrame := next(t, carol)
	assert.Equal(t, KindError, errFrame.Type)
	assert.Equal(t, "req-let me in", errFrame.RequestID)
	var ep ErrorPayload
	errFrame.decode(t, &ep)
	assert.Equal(t, CodeForbidden, ep.Code)

	assert.Equal(t, 0, h.store.CallCount("CreateMessage"))
	assert.Equal(t, version, h.cache.Version(convID))
	expectNone(t, alice)
	expectNone(t, bob)
	expectNone(t, carol)
}

func TestSendMessage_StoreFailureOnlyReachesOrigin(t *testing.T) {
	h := newHarness(t, Config{})
	convID := h.group(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	version := h.cache.Version(convID)

	h.store.FailNext("CreateMessage", store.ErrUnavailable)
	h.send(t, alice, convID, "doomed")

	errFrame := next(t, alice)
	assert.Equal(t, KindError, errFrame.Type)
	var ep ErrorPayload
	errFrame.decode(t, &ep)
	assert.Equal(t, CodeUnavailable, ep.Code)

	expectNone(t, alice)
	expectNone(t, bob)
	assert.Equal(t, version, h.cache.Version(convID))
}

func TestSendMessage_SlowConsumerDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 2})
	convID := h.group(t, "alice", "bob", "carol")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")

	for _, content := range []string{"one", "two", "three"} {
		h.send(t, alice, convID, content)
		drain(alice)

		event := next(t, carol)
		var view MessageView
		event.decode(t, &view)
		assert.Equal(t, content, view.Content)
	}

	// bob never drained: his queue holds the first two, the third was dropped
	assert.Equal(t, uint64(1), h.metrics.Snapshot().Dropped)
	var view MessageView
	next(t, bob).decode(t, &view)
	assert.Equal(t, "one", view.Content)
	next(t, bob).decode(t, &view)
	assert.Equal(t, "two", view.Content)
	expectNone(t, bob)
}

func TestSendMessage_SyncsSendersOtherConnections(t *testing.T) {
	h := newHarness(t, Config{})
	convID := h.group(t, "alice", "bob")
	phone := h.connect(t, "alice")
	laptop := h.connect(t, "alice")

	h.send(t, phone, convID, "from phone")

	assert.Equal(t, KindAck, next(t, phone).Type)
	expectNone(t, phone)

	event := next(t, laptop)
	assert.Equal(t, KindSendMessage, event.Type)
	expectNone(t, laptop)

	// only the sender's own devices saw it, so it is not delivered yet
	history, err := h.chat.ListMessages(t.Context(), convID, "alice", "", 0)
	require.NoError(t, err)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, store.MessageStatusSent, history.Messages[0].Status)
}

func TestSendMessage_ClientTokenRetryIsNotRebroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	convID := h.group(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	frame := Inbound{
		Type:           KindSendMessage,
		RequestID:      "r1",
		ConversationID: convID,
		Payload:        mustJSON(t, SendPayload{Content: "once", ClientToken: "tok"}),
	}
	h.handle(t, alice, frame)
	drain(alice)
	assert.Equal(t, KindSendMessage, next(t, bob).Type)

	frame.RequestID = "r2"
	h.handle(t, alice, frame)

	ack := next(t, alice)
	var payload AckPayload
	ack.decode(t, &payload)
	assert.True(t, payload.Duplicate)
	assert.Equal(t, "r2", ack.RequestID)
	expectNone(t, bob)
	assert.Equal(t, 1, h.store.CallCount("CreateMessage"))
}

func TestSendMessage_SurvivesOriginDisconnect(t *testing.T) {
	h := newHarness(t, Config{})
	convID := h.group(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	// warm the participant index so only the write is slow
	require.NoError(t, h.registry.Authorize(t.Context(), convID, "alice"))
	h.store.SetDelay(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	raw, err := json.Marshal(Inbound{
		Type:           KindSendMessage,
		ConversationID: convID,
		Payload:        mustJSON(t, SendPayload{Content: "in flight"}),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.Handle(ctx, alice, raw)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	h.engine.Disconnect(t.Context(), alice.ID())
	<-done

	event := next(t, bob)
	assert.Equal(t, KindSendMessage, event.Type)
	var view MessageView
	event.decode(t, &view)
	assert.Equal(t, "in flight", view.Content)
	assert.Equal(t, store.MessageStatusDelivered, mustMessage(t, h, view.ID).Status)
}

// gatedStore parks the insert of one message after it commits until released.
type gatedStore struct {
	*store.MockStore
	hold      string
	committed chan struct{}
	release   chan struct{}
}

func (g *gatedStore) CreateMessage(ctx context.Context, msg *store.Message) error {
	if err := g.MockStore.CreateMessage(ctx, msg); err != nil {
		return err
	}
	if msg.Content == g.hold {
		close(g.committed)
		<-g.release
	}
	return nil
}

func TestSendMessage_LiveOrderMatchesHistory(t *testing.T) {
	ctx := t.Context()
	s := store.NewMockStore()
	gated := &gatedStore{MockStore: s, hold: "first", committed: make(chan struct{}), release: make(chan struct{})}
	registry, err := conversation.NewRegistry(s, conversation.Config{}, nil)
	require.NoError(t, err)
	collector := metrics.NewCollector(0)
	cache, err := msgcache.New(64, collector, nil)
	require.NoError(t, err)
	chatSvc := chat.New(gated, registry, cache, 5*time.Second, nil)
	engine := New(chatSvc, registry, presence.NewManager(registry, nil, nil), collector, Config{}, nil)
	t.Cleanup(engine.Close)

	conv, err := registry.CreateGroup(ctx, "alice", "trio", []string{"bob", "carol"})
	require.NoError(t, err)
	carol, err := engine.Connect(ctx, "carol")
	require.NoError(t, err)

	sendAs := func(wg *sync.WaitGroup, sender, content string) {
		defer wg.Done()
		_, err := engine.SendMessage(ctx, Origin{}, chat.SendRequest{ConversationID: conv.ID, SenderID: sender, Content: content})
		assert.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go sendAs(&wg, "alice", "first")
	<-gated.committed

	// "first" is durable but not yet broadcast; "second" must queue behind it
	go sendAs(&wg, "bob", "second")
	require.Eventually(t, func() bool { return engine.lanes.waiting(conv.ID) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, s.CallCount("CreateMessage"))

	close(gated.release)
	wg.Wait()

	var live []string
	for range 2 {
		frame := next(t, carol)
		require.Equal(t, KindSendMessage, frame.Type)
		var view MessageView
		frame.decode(t, &view)
		live = append(live, view.Content)
	}
	expectNone(t, carol)

	history, err := chatSvc.ListMessages(ctx, conv.ID, "carol", "", 0)
	require.NoError(t, err)
	var stored []string
	for _, m := range history.Messages {
		stored = append(stored, m.Content)
	}
	assert.Equal(t, []string{"first", "second"}, live)
	assert.Equal(t, stored, live)
}

func TestMarkRead_RetryAfterFailedStatusIsBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := t.Context()
	convID := h.group(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	res, err := h.engine.SendMessage(ctx, Origin{}, chat.SendRequest{ConversationID: convID, SenderID: "alice", Content: "hello"})
	require.NoError(t, err)
	drain(alice)
	drain(bob)

	h.store.FailNext("AdvanceMessageStatus", store.ErrUnavailable)
	_, err = h.engine.MarkRead(ctx, Origin{}, convID, res.Message.ID, "bob")
	require.ErrorIs(t, err, store.ErrUnavailable)
	expectNone(t, alice)

	retry, err := h.engine.MarkRead(ctx, Origin{}, convID, res.Message.ID, "bob")
	require.NoError(t, err)
	assert.True(t, retry.StatusChanged)

	frame := next(t, alice)
	assert.Equal(t, KindMarkRead, frame.Type)
	var rp ReadPayload
	frame.decode(t, &rp)
	assert.Equal(t, "bob", rp.UserID)
	assert.Equal(t, string(store.MessageStatusRead), rp.Status)
}

func TestTyping_RelayedAndThrottled(t *testing.T) {
	h := newHarness(t, Config{TypingInterval: time.Minute})
	convID := h.group(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")

	typing := func(c *presence.Connection, kind string) {
		h.handle(t, c, Inbound{Type: kind, ConversationID: convID})
	}

	typing(alice, KindTypingStart)
	event := next(t, bob)
	assert.Equal(t, KindTypingStart, event.Type)
	var up UserPayload
	event.decode(t, &up)
	assert.Equal(t, "alice", up.UserID)
	expectNone(t, alice)

	typing(alice, KindTypingStart)
	expectNone(t, bob)

	typing(alice, KindTypingStop)
	assert.Equal(t, KindTypingStop, next(t, bob).Type)

	typing(alice, KindTypingStart)
	assert.Equal(t, KindTypingStart, next(t, bob).Type)

	// nothing persisted
	assert.Equal(t, 0, h.store.CallCount("CreateMessage"))

	typing(carol, KindTypingStart)
	errFrame := next(t, carol)
	var ep ErrorPayload
	errFrame.decode(t, &ep)
	assert.Equal(t, CodeForbidden, ep.Code)
	expectNone(t, bob)
}

func TestMarkRead_NotifiesSenderAndEarlierReaders(t *testing.T) {
	h := newHarness(t, Config{})
	convID := h.group(t, "alice", "bob", "carol")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")

	h.send(t, alice, convID, "read me")
	var view MessageView
	next(t, bob).decode(t, &view)
	drain(alice)
	drain(carol)

	read := func(c *presence.Connection) AckPayload {
		h.handle(t, c, Inbound{
			Type:           KindMarkRead,
			ConversationID: convID,
			Payload:        mustJSON(t, MessageRef{MessageID: view.ID}),
		})
		var ack AckPayload
		frame := next(t, c)
		require.Equal(t, KindAck, frame.Type)
		frame.decode(t, &ack)
		return ack
	}

	ack := read(bob)
	require.NotNil(t, ack.Changed)
	assert.True(t, *ack.Changed)

	receipt := next(t, alice)
	assert.Equal(t, KindMarkRead, receipt.Type)
	var rp ReadPayload
	receipt.decode(t, &rp)
	assert.Equal(t, "bob", rp.UserID)
	assert.Equal(t, string(store.MessageStatusRead), rp.Status)
	expectNone(t, carol)

	read(carol)
	next(t, alice).decode(t, &rp)
	assert.Equal(t, "carol", rp.UserID)
	next(t, bob).decode(t, &rp)
	assert.Equal(t, "carol", rp.UserID)

	ack = read(bob)
	assert.False(t, *ack.Changed)
	expectNone(t, alice)
	expectNone(t, carol)

	assert.Equal(t, store.MessageStatusRead, mustMessage(t, h, view.ID).Status)
}

func TestEditAndDelete_Broadcast(t *testing.T) {
	h := newHarness(t, Config{})
	convID := h.group(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	h.send(t, alice, convID, "typo")
	var view MessageView
	next(t, bob).decode(t, &view)
	drain(alice)

	h.handle(t, bob, Inbound{
		Type:           KindEditMessage,
		ConversationID: convID,
		Payload:        mustJSON(t, EditPayload{MessageID: view.ID, Content: "mine now"}),
	})
	var ep ErrorPayload
	next(t, bob).decode(t, &ep)
	assert.Equal(t, CodeForbidden, ep.Code)

	h.handle(t, alice, Inbound{
		Type:           KindEditMessage,
		ConversationID: convID,
		Payload:        mustJSON(t, EditPayload{MessageID: view.ID, Content: "fixed"}),
	})
	assert.Equal(t, KindAck, next(t, alice).Type)
	edited := next(t, bob)
	assert.Equal(t, KindEditMessage, edited.Type)
	edited.decode(t, &view)
	assert.Equal(t, "fixed", view.Content)
	assert.NotNil(t, view.EditedAt)

	h.handle(t, alice, Inbound{
		Type:           KindDeleteMessage,
		ConversationID: convID,
		Payload:        mustJSON(t, MessageRef{MessageID: view.ID}),
	})
	assert.Equal(t, KindAck, next(t, alice).Type)
	deleted := next(t, bob)
	assert.Equal(t, KindDeleteMessage, deleted.Type)
	var tombstone MessageView
	deleted.decode(t, &tombstone)
	assert.True(t, tombstone.Deleted)
	assert.Empty(t, tombstone.Content)
}

func TestJoinLeave_NotifiesRoom(t *testing.T) {
	h := newHarness(t, Config{})
	convID := h.group(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	mallory := h.connect(t, "mallory")

	h.join(t, alice, convID)
	h.join(t, bob, convID)

	joined := next(t, alice)
	assert.Equal(t, KindParticipantJoined, joined.Type)
	var up UserPayload
	joined.decode(t, &up)
	assert.Equal(t, "bob", up.UserID)

	// joining twice changes nothing
	h.handle(t, bob, Inbound{Type: KindJoin, ConversationID: convID})
	var ack AckPayload
	next(t, bob).decode(t, &ack)
	assert.False(t, *ack.Changed)
	expectNone(t, alice)

	h.handle(t, mallory, Inbound{Type: KindJoin, ConversationID: convID})
	var ep ErrorPayload
	next(t, mallory).decode(t, &ep)
	assert.Equal(t, CodeForbidden, ep.Code)

	h.handle(t, bob, Inbound{Type: KindLeave, ConversationID: convID})
	next(t, bob).decode(t, &ack)
	assert.True(t, *ack.Changed)
	left := next(t, alice)
	assert.Equal(t, KindParticipantLeft, left.Type)
}

func TestDisconnect_NotifiesRoomsWhenUserGoesOffline(t *testing.T) {
	h := newHarness(t, Config{})
	convA := h.group(t, "alice", "bob")
	convB := h.group(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	h.join(t, alice, convA)
	h.join(t, alice, convB)
	h.join(t, bob, convA)
	h.join(t, bob, convB)
	drain(alice)

	res := h.engine.Disconnect(t.Context(), bob.ID())
	assert.True(t, res.WentOffline)
	assert.ElementsMatch(t, []string{convA, convB}, res.Rooms)

	// one notice even though alice shares two rooms with bob
	offline := next(t, alice)
	assert.Equal(t, KindPresenceOffline, offline.Type)
	var up UserPayload
	offline.decode(t, &up)
	assert.Equal(t, "bob", up.UserID)
	expectNone(t, alice)

	_, open := <-bob.Outbound()
	assert.False(t, open)
	assert.Empty(t, h.presence.Rooms(bob.ID()))
}

func TestRoomsPolicy_OnlyJoinedConnectionsReceive(t *testing.T) {
	h := newHarness(t, Config{DeliveryPolicy: PolicyRooms})
	convID := h.group(t, "alice", "bob", "carol")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")
	h.join(t, carol, convID)

	h.send(t, alice, convID, "rooms only")
	drain(alice)

	assert.Equal(t, KindSendMessage, next(t, carol).Type)
	expectNone(t, bob)
}

func TestHandle_RejectsBadFrames(t *testing.T) {
	h := newHarness(t, Config{})
	alice := h.connect(t, "alice")

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{nope`},
		{"no type", `{"conversation_id":"c1"}`},
		{"unknown type", `{"type":"dance","conversation_id":"c1"}`},
		{"no conversation", `{"type":"send_message","payload":{"content":"x"}}`},
		{"no payload", `{"type":"send_message","conversation_id":"c1"}`},
		{"no message id", `{"type":"mark_message_read","conversation_id":"c1","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.engine.Handle(t.Context(), alice, []byte(tt.raw))
			frame := next(t, alice)
			assert.Equal(t, KindError, frame.Type)
			var ep ErrorPayload
			frame.decode(t, &ep)
			assert.Equal(t, CodeInvalidRequest, ep.Code)
		})
	}
}

func TestHandle_Ping(t *testing.T) {
	h := newHarness(t, Config{})
	alice := h.connect(t, "alice")

	h.handle(t, alice, Inbound{Type: KindPing, RequestID: "p1"})
	pong := next(t, alice)
	assert.Equal(t, KindPong, pong.Type)
	assert.Equal(t, "p1", pong.RequestID)
	assert.False(t, pong.Timestamp.IsZero())
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{conversation.ErrNotParticipant, CodeForbidden},
		{chat.ErrNotSender, CodeForbidden},
		{store.ErrNotFound, CodeNotFound},
		{store.ErrUnavailable, CodeUnavailable},
		{context.DeadlineExceeded, CodeUnavailable},
		{chat.ErrInvalidMessage, CodeInvalidRequest},
		{store.ErrInvalidCursor, CodeInvalidRequest},
		{conversation.ErrDirectImmutable, CodeInvalidRequest},
		{assert.AnError, CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, ErrorCode(tt.err), tt.err.Error())
	}
}
