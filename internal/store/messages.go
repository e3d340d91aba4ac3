// ABOUTME: Message and read receipt persistence for SQLStore
// ABOUTME: Provides backward cursor pagination and forward-only status updates

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded
var ErrInvalidCursor = errors.New("invalid cursor")

// CreateMessage persists a new message.
// Returns ErrDuplicateMessage if the sender already stored a message with the same client token,
// and ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := s.exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, type, status, deleted, client_token, created_at, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Content,
		string(msg.Type),
		string(msg.Status),
		boolInt(msg.Deleted),
		nullString(msg.ClientToken),
		formatTime(msg.CreatedAt),
		nullTime(msg.EditedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return unavailable("inserting message", err)
	}

	s.logger.Debug("created message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

const messageColumns = `id, conversation_id, sender_id, content, type, status, deleted, client_token, created_at, edited_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var msgType, status, createdAt string
	var deleted int
	var clientToken, editedAt sql.NullString

	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msgType,
		&status,
		&deleted,
		&clientToken,
		&createdAt,
		&editedAt,
	); err != nil {
		return nil, err
	}

	msg.Type = MessageType(msgType)
	msg.Status = MessageStatus(status)
	msg.Deleted = deleted == 1
	msg.ClientToken = clientToken.String

	var err error
	msg.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if editedAt.Valid {
		t, err := parseTime(editedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing edited_at: %w", err)
		}
		msg.EditedAt = &t
	}
	return &msg, nil
}

func (s *SQLStore) getMessage(ctx context.Context, where string, args ...any) (*Message, error) {
	row := s.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying message", err)
	}
	return msg, nil
}

// GetMessage retrieves a message by ID, including soft-deleted ones.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.getMessage(ctx, `id = ?`, id)
}

// GetMessageByClientToken finds the message a sender stored under an idempotency token.
func (s *SQLStore) GetMessageByClientToken(ctx context.Context, conversationID, senderID, token string) (*Message, error) {
	return s.getMessage(ctx, `conversation_id = ? AND sender_id = ? AND client_token = ?`, conversationID, senderID, token)
}

// ListMessages returns one page of non-deleted messages, walking backwards from the cursor.
// The page itself is ordered oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, p ListMessagesParams) (*MessagePage, error) {
	if p.ConversationID == "" {
		return nil, errors.New("conversation_id required")
	}
	limit := NormalizeLimit(p.Limit)

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND deleted = 0`
	args := []any{p.ConversationID}

	if p.Cursor != "" {
		cursorTS, cursorID, err := DecodeCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		ts := formatTime(cursorTS)
		args = append(args, ts, ts, cursorID)
	}

	// Fetch one extra to detect whether an older page exists
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("querying messages", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, unavailable("scanning message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating messages", err)
	}

	return buildMessagePage(messages, limit), nil
}

// buildMessagePage trims a newest-first result set to limit and flips it to oldest-first.
func buildMessagePage(newestFirst []*Message, limit int) *MessagePage {
	hasMore := len(newestFirst) > limit
	if hasMore {
		newestFirst = newestFirst[:limit]
	}

	page := &MessagePage{
		Messages: make([]*Message, len(newestFirst)),
		HasMore:  hasMore,
	}
	for i, msg := range newestFirst {
		page.Messages[len(newestFirst)-1-i] = msg
	}
	if hasMore && len(page.Messages) > 0 {
		oldest := page.Messages[0]
		page.NextCursor = EncodeCursor(oldest.CreatedAt, oldest.ID)
	}
	return page
}

// UpdateMessageContent replaces the content of a non-deleted message.
func (s *SQLStore) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error {
	result, err := s.exec(ctx, `
		UPDATE messages SET content = ?, edited_at = ?
		WHERE id = ? AND deleted = 0
	`, content, formatTime(editedAt), id)
	if err != nil {
		return unavailable("updating message", err)
	}
	return expectRow(result)
}

// SoftDeleteMessage marks a message deleted. Deleting twice returns ErrNotFound.
func (s *SQLStore) SoftDeleteMessage(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `UPDATE messages SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return unavailable("deleting message", err)
	}
	return expectRow(result)
}

// AdvanceMessageStatus moves a message to status if that is a forward move.
// Reports whether the status changed.
func (s *SQLStore) AdvanceMessageStatus(ctx context.Context, id string, status MessageStatus) (bool, error) {
	result, err := s.exec(ctx, `
		UPDATE messages SET status = ?
		WHERE id = ? AND (CASE status WHEN 'SENT' THEN 1 WHEN 'DELIVERED' THEN 2 WHEN 'READ' THEN 3 ELSE 0 END) < ?
	`, string(status), id, status.Rank())
	if err != nil {
		return false, unavailable("advancing message status", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, unavailable("checking rows affected", err)
	}
	if rows > 0 {
		return true, nil
	}

	// Distinguish "already there" from "no such message"
	if _, err := s.GetMessage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// CreateReadReceipt records that a user read a message.
// Reports false, without error, when the receipt already existed.
func (s *SQLStore) CreateReadReceipt(ctx context.Context, r *ReadReceipt) (bool, error) {
	result, err := s.exec(ctx, `
		INSERT INTO read_receipts (message_id, user_id, read_at)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, r.MessageID, r.UserID, formatTime(r.ReadAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, ErrNotFound
		}
		return false, unavailable("inserting read receipt", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, unavailable("checking rows affected", err)
	}
	return rows > 0, nil
}

// ListReadReceipts returns the receipts for a message, earliest first.
func (s *SQLStore) ListReadReceipts(ctx context.Context, messageID string) ([]*ReadReceipt, error) {
	rows, err := s.query(ctx, `
		SELECT message_id, user_id, read_at
		FROM read_receipts
		WHERE message_id = ?
		ORDER BY read_at ASC, user_id ASC
	`, messageID)
	if err != nil {
		return nil, unavailable("querying read receipts", err)
	}
	defer rows.Close()

	var receipts []*ReadReceipt
	for rows.Next() {
		var r ReadReceipt
		var readAt string
		if err := rows.Scan(&r.MessageID, &r.UserID, &readAt); err != nil {
			return nil, unavailable("scanning read receipt", err)
		}
		r.ReadAt, err = parseTime(readAt)
		if err != nil {
			return nil, fmt.Errorf("parsing read_at: %w", err)
		}
		receipts = append(receipts, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating read receipts", err)
	}
	return receipts, nil
}

func expectRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable("checking rows affected", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// EncodeCursor creates an opaque cursor string from a timestamp and message ID.
// Format is base64(timestamp|message_id)
func EncodeCursor(ts time.Time, id string) string {
	data := formatTime(ts) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// DecodeCursor parses an opaque cursor string into a timestamp and message ID.
func DecodeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: bad encoding", ErrInvalidCursor)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("%w: expected timestamp|message_id", ErrInvalidCursor)
	}

	ts, err := parseTime(parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	return ts, parts[1], nil
}
