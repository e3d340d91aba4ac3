package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachStore runs the same behavioral test against SQLite and the mock,
// so the mock can't drift from the real thing.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, setupTestStore(t))
	})
	t.Run("mock", func(t *testing.T) {
		fn(t, NewMockStore())
	})
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seedGroup(t *testing.T, s Store, id string, members ...string) *Conversation {
	t.Helper()
	conv := &Conversation{
		ID:        id,
		Type:      ConversationGroup,
		Name:      "group " + id,
		Active:    true,
		CreatedBy: members[0],
		CreatedAt: baseTime,
	}
	var participants []*Participant
	for i, m := range members {
		role := RoleMember
		if i == 0 {
			role = RoleOwner
		}
		participants = append(participants, &Participant{
			ConversationID: id,
			UserID:         m,
			Role:           role,
			JoinedAt:       baseTime.Add(time.Duration(i) * time.Millisecond),
		})
	}
	require.NoError(t, s.CreateConversation(t.Context(), conv, participants))
	return conv
}

func seedMessages(t *testing.T, s Store, convID string, n int) []*Message {
	t.Helper()
	var msgs []*Message
	for i := 0; i < n; i++ {
		msg := &Message{
			ID:             fmt.Sprintf("msg-%03d", i),
			ConversationID: convID,
			SenderID:       "alice",
			Content:        fmt.Sprintf("message %d", i),
			Type:           MessageTypeText,
			Status:         MessageStatusSent,
			CreatedAt:      baseTime.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.CreateMessage(t.Context(), msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestDirectKey_IsOrderIndependent(t *testing.T) {
	assert.Equal(t, DirectKey("alice", "bob"), DirectKey("bob", "alice"))
	assert.NotEqual(t, DirectKey("alice", "bob"), DirectKey("alice", "carol"))
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultPageSize},
		{-5, DefaultPageSize},
		{10, 10},
		{MaxPageSize, MaxPageSize},
		{MaxPageSize + 1, MaxPageSize},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeLimit(tt.in), "limit %d", tt.in)
	}
}

func TestMessageStatus_Rank(t *testing.T) {
	assert.Less(t, MessageStatusSent.Rank(), MessageStatusDelivered.Rank())
	assert.Less(t, MessageStatusDelivered.Rank(), MessageStatusRead.Rank())
	assert.Equal(t, 0, MessageStatus("bogus").Rank())
}

func TestDuplicateErrorsAreConflicts(t *testing.T) {
	assert.ErrorIs(t, ErrDuplicateDirect, ErrConflict)
	assert.ErrorIs(t, ErrDuplicateMessage, ErrConflict)
	assert.NotErrorIs(t, ErrDuplicateDirect, ErrDuplicateMessage)
}

func TestStore_DirectConversation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		conv := &Conversation{
			ID:        "dm-1",
			Type:      ConversationDirect,
			Active:    true,
			CreatedBy: "alice",
			DirectKey: DirectKey("alice", "bob"),
			CreatedAt: baseTime,
		}
		participants := []*Participant{
			{UserID: "alice", Role: RoleMember, JoinedAt: baseTime},
			{UserID: "bob", Role: RoleMember, JoinedAt: baseTime},
		}
		require.NoError(t, s.CreateConversation(ctx, conv, participants))

		got, err := s.GetDirectConversation(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, "dm-1", got.ID)
		assert.Equal(t, ConversationDirect, got.Type)
		assert.True(t, got.Active)
		assert.True(t, got.CreatedAt.Equal(baseTime))

		// Same pair in the other order collides on the direct key
		dup := *conv
		dup.ID = "dm-2"
		err = s.CreateConversation(ctx, &dup, participants)
		assert.ErrorIs(t, err, ErrDuplicateDirect)
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.GetConversation(ctx, "dm-2")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetDirectConversation(ctx, "alice", "carol")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Participants(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		seedGroup(t, s, "g-1", "alice", "bob", "carol")

		active, err := s.ListActiveParticipants(ctx, "g-1")
		require.NoError(t, err)
		require.Len(t, active, 3)
		assert.Equal(t, "alice", active[0].UserID)
		assert.Equal(t, RoleOwner, active[0].Role)

		require.NoError(t, s.DeactivateParticipant(ctx, "g-1", "bob"))
		assert.ErrorIs(t, s.DeactivateParticipant(ctx, "g-1", "bob"), ErrNotFound, "second removal finds no active row")

		active, err = s.ListActiveParticipants(ctx, "g-1")
		require.NoError(t, err)
		assert.Len(t, active, 2)

		// Re-adding reactivates the existing row rather than duplicating it
		require.NoError(t, s.UpsertParticipant(ctx, &Participant{
			ConversationID: "g-1",
			UserID:         "bob",
			Role:           RoleMember,
			JoinedAt:       baseTime.Add(time.Minute),
		}))
		require.NoError(t, s.UpsertParticipant(ctx, &Participant{
			ConversationID: "g-1",
			UserID:         "bob",
			Role:           RoleMember,
			JoinedAt:       baseTime.Add(time.Minute),
		}))
		active, err = s.ListActiveParticipants(ctx, "g-1")
		require.NoError(t, err)
		assert.Len(t, active, 3)
		assert.Equal(t, "bob", active[2].UserID)

		err = s.UpsertParticipant(ctx, &Participant{ConversationID: "missing", UserID: "x", Role: RoleMember, JoinedAt: baseTime})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_MessagePagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		seedGroup(t, s, "g-1", "alice", "bob")
		seedMessages(t, s, "g-1", 5)

		page, err := s.ListMessages(ctx, ListMessagesParams{ConversationID: "g-1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, page.Messages, 2)
		assert.Equal(t, "msg-003", page.Messages[0].ID, "newest page is ordered oldest first")
		assert.Equal(t, "msg-004", page.Messages[1].ID)
		assert.True(t, page.HasMore)
		require.NotEmpty(t, page.NextCursor)

		page, err = s.ListMessages(ctx, ListMessagesParams{ConversationID: "g-1", Limit: 2, Cursor: page.NextCursor})
		require.NoError(t, err)
		require.Len(t, page.Messages, 2)
		assert.Equal(t, "msg-001", page.Messages[0].ID)
		assert.Equal(t, "msg-002", page.Messages[1].ID)
		assert.True(t, page.HasMore)

		page, err = s.ListMessages(ctx, ListMessagesParams{ConversationID: "g-1", Limit: 2, Cursor: page.NextCursor})
		require.NoError(t, err)
		require.Len(t, page.Messages, 1)
		assert.Equal(t, "msg-000", page.Messages[0].ID)
		assert.False(t, page.HasMore)
		assert.Empty(t, page.NextCursor)
	})
}

func TestStore_MessagePagination_TiesBrokenByID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		seedGroup(t, s, "g-1", "alice")
		for _, id := range []string{"b", "a", "c"} {
			require.NoError(t, s.CreateMessage(ctx, &Message{
				ID: id, ConversationID: "g-1", SenderID: "alice", Content: id,
				Type: MessageTypeText, Status: MessageStatusSent, CreatedAt: baseTime,
			}))
		}

		page, err := s.ListMessages(ctx, ListMessagesParams{ConversationID: "g-1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, page.Messages, 2)
		assert.Equal(t, []string{"b", "c"}, []string{page.Messages[0].ID, page.Messages[1].ID})

		page, err = s.ListMessages(ctx, ListMessagesParams{ConversationID: "g-1", Limit: 2, Cursor: page.NextCursor})
		require.NoError(t, err)
		require.Len(t, page.Messages, 1)
		assert.Equal(t, "a", page.Messages[0].ID)
	})
}

func TestStore_ListMessages_InvalidCursor(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedGroup(t, s, "g-1", "alice")
		_, err := s.ListMessages(t.Context(), ListMessagesParams{ConversationID: "g-1", Cursor: "not base64!"})
		assert.ErrorIs(t, err, ErrInvalidCursor)
	})
}

func TestStore_ClientTokenDedup(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		seedGroup(t, s, "g-1", "alice", "bob")

		msg := &Message{
			ID: "m-1", ConversationID: "g-1", SenderID: "alice", Content: "hi",
			Type: MessageTypeText, Status: MessageStatusSent, ClientToken: "tok-1", CreatedAt: baseTime,
		}
		require.NoError(t, s.CreateMessage(ctx, msg))

		retry := *msg
		retry.ID = "m-2"
		assert.ErrorIs(t, s.CreateMessage(ctx, &retry), ErrDuplicateMessage)

		// Same token from a different sender is a different message
		other := *msg
		other.ID = "m-3"
		other.SenderID = "bob"
		require.NoError(t, s.CreateMessage(ctx, &other))

		// Messages without a token never collide
		for _, id := range []string{"m-4", "m-5"} {
			require.NoError(t, s.CreateMessage(ctx, &Message{
				ID: id, ConversationID: "g-1", SenderID: "alice", Content: "x",
				Type: MessageTypeText, Status: MessageStatusSent, CreatedAt: baseTime,
			}))
		}

		got, err := s.GetMessageByClientToken(ctx, "g-1", "alice", "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "m-1", got.ID)
	})
}

func TestStore_CreateMessage_UnknownConversation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		err := s.CreateMessage(t.Context(), &Message{
			ID: "m-1", ConversationID: "nope", SenderID: "alice", Content: "hi",
			Type: MessageTypeText, Status: MessageStatusSent, CreatedAt: baseTime,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_EditAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		seedGroup(t, s, "g-1", "alice")
		seedMessages(t, s, "g-1", 2)

		editedAt := baseTime.Add(time.Hour)
		require.NoError(t, s.UpdateMessageContent(ctx, "msg-000", "edited", editedAt))

		got, err := s.GetMessage(ctx, "msg-000")
		require.NoError(t, err)
		assert.Equal(t, "edited", got.Content)
		require.NotNil(t, got.EditedAt)
		assert.True(t, got.EditedAt.Equal(editedAt))

		require.NoError(t, s.SoftDeleteMessage(ctx, "msg-000"))
		assert.ErrorIs(t, s.SoftDeleteMessage(ctx, "msg-000"), ErrNotFound)
		assert.ErrorIs(t, s.UpdateMessageContent(ctx, "msg-000", "again", editedAt), ErrNotFound)

		got, err = s.GetMessage(ctx, "msg-000")
		require.NoError(t, err)
		assert.True(t, got.Deleted)

		page, err := s.ListMessages(ctx, ListMessagesParams{ConversationID: "g-1"})
		require.NoError(t, err)
		require.Len(t, page.Messages, 1, "deleted messages are hidden from history")
		assert.Equal(t, "msg-001", page.Messages[0].ID)
	})
}

func TestStore_SetConversationActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		seedGroup(t, s, "g-1", "alice")

		require.NoError(t, s.SetConversationActive(ctx, "g-1", false))
		conv, err := s.GetConversation(ctx, "g-1")
		require.NoError(t, err)
		assert.False(t, conv.Active)

		require.NoError(t, s.SetConversationActive(ctx, "g-1", true))
		conv, err = s.GetConversation(ctx, "g-1")
		require.NoError(t, err)
		assert.True(t, conv.Active)

		assert.ErrorIs(t, s.SetConversationActive(ctx, "missing", true), ErrNotFound)
	})
}

func TestStore_AdvanceMessageStatus_ForwardOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		seedGroup(t, s, "g-1", "alice")
		seedMessages(t, s, "g-1", 1)

		changed, err := s.AdvanceMessageStatus(ctx, "msg-000", MessageStatusDelivered)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.AdvanceMessageStatus(ctx, "msg-000", MessageStatusDelivered)
		require.NoError(t, err)
		assert.False(t, changed, "same status is not a change")

		changed, err = s.AdvanceMessageStatus(ctx, "msg-000", MessageStatusRead)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.AdvanceMessageStatus(ctx, "msg-000", MessageStatusDelivered)
		require.NoError(t, err)
		assert.False(t, changed, "status never moves backwards")

		got, err := s.GetMessage(ctx, "msg-000")
		require.NoError(t, err)
		assert.Equal(t, MessageStatusRead, got.Status)

		_, err = s.AdvanceMessageStatus(ctx, "missing", MessageStatusRead)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ReadReceipts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		seedGroup(t, s, "g-1", "alice", "bob", "carol")
		seedMessages(t, s, "g-1", 1)

		created, err := s.CreateReadReceipt(ctx, &ReadReceipt{MessageID: "msg-000", UserID: "bob", ReadAt: baseTime})
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.CreateReadReceipt(ctx, &ReadReceipt{MessageID: "msg-000", UserID: "bob", ReadAt: baseTime.Add(time.Second)})
		require.NoError(t, err)
		assert.False(t, created, "duplicate receipt is absorbed")

		created, err = s.CreateReadReceipt(ctx, &ReadReceipt{MessageID: "msg-000", UserID: "carol", ReadAt: baseTime.Add(time.Second)})
		require.NoError(t, err)
		assert.True(t, created)

		receipts, err := s.ListReadReceipts(ctx, "msg-000")
		require.NoError(t, err)
		require.Len(t, receipts, 2)
		assert.Equal(t, "bob", receipts[0].UserID)
		assert.True(t, receipts[0].ReadAt.Equal(baseTime), "first receipt keeps its original time")
		assert.Equal(t, "carol", receipts[1].UserID)

		_, err = s.CreateReadReceipt(ctx, &ReadReceipt{MessageID: "missing", UserID: "bob", ReadAt: baseTime})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
