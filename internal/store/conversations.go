// ABOUTME: Conversation and participant persistence for SQLStore
// ABOUTME: DIRECT conversations are unique per sorted user pair; participant removal is soft

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateConversation inserts a conversation and its initial participants atomically.
// Returns ErrDuplicateDirect if a DIRECT conversation already exists for the pair.
func (s *SQLStore) CreateConversation(ctx context.Context, conv *Conversation, participants []*Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO conversations (id, type, name, active, created_by, direct_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`),
		conv.ID,
		string(conv.Type),
		conv.Name,
		boolInt(conv.Active),
		conv.CreatedBy,
		nullString(conv.DirectKey),
		formatTime(conv.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			if conv.Type == ConversationDirect {
				return ErrDuplicateDirect
			}
			return ErrConflict
		}
		return unavailable("inserting conversation", err)
	}

	for _, p := range participants {
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO participants (conversation_id, user_id, role, active, joined_at)
			VALUES (?, ?, ?, 1, ?)
		`),
			conv.ID,
			p.UserID,
			string(p.Role),
			formatTime(p.JoinedAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("participant %s listed twice: %w", p.UserID, ErrConflict)
			}
			return unavailable("inserting participant", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isConstraintViolation(err) && conv.Type == ConversationDirect {
			return ErrDuplicateDirect
		}
		return unavailable("committing conversation", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "type", conv.Type, "participants", len(participants))
	return nil
}

const conversationColumns = `id, type, name, active, created_by, direct_key, created_at`

func scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var convType, createdAt string
	var active int
	var directKey sql.NullString

	err := row.Scan(&conv.ID, &convType, &conv.Name, &active, &conv.CreatedBy, &directKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying conversation", err)
	}

	conv.Type = ConversationType(convType)
	conv.Active = active == 1
	conv.DirectKey = directKey.String
	conv.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by ID, active or not.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetDirectConversation retrieves the DIRECT conversation between two users,
// regardless of argument order.
func (s *SQLStore) GetDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	row := s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE direct_key = ?`, DirectKey(userA, userB))
	return scanConversation(row)
}

// UpsertParticipant adds a user to a conversation, or reactivates a removed one.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	_, err := s.exec(ctx, `
		INSERT INTO participants (conversation_id, user_id, role, active, joined_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET active = 1, role = excluded.role, joined_at = excluded.joined_at
	`,
		p.ConversationID,
		p.UserID,
		string(p.Role),
		formatTime(p.JoinedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return unavailable("upserting participant", err)
	}
	return nil
}

// SetConversationActive archives or restores a conversation.
// Returns ErrNotFound if it does not exist.
func (s *SQLStore) SetConversationActive(ctx context.Context, id string, active bool) error {
	result, err := s.exec(ctx, `UPDATE conversations SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return unavailable("updating conversation", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable("checking rows affected", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateParticipant soft-removes a user from a conversation.
// Returns ErrNotFound if the user is not an active participant.
func (s *SQLStore) DeactivateParticipant(ctx context.Context, conversationID, userID string) error {
	result, err := s.exec(ctx, `
		UPDATE participants SET active = 0
		WHERE conversation_id = ? AND user_id = ? AND active = 1
	`, conversationID, userID)
	if err != nil {
		return unavailable("deactivating participant", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable("checking rows affected", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveParticipants returns the active participants of a conversation in join order.
func (s *SQLStore) ListActiveParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	rows, err := s.query(ctx, `
		SELECT conversation_id, user_id, role, joined_at
		FROM participants
		WHERE conversation_id = ? AND active = 1
		ORDER BY joined_at ASC, user_id ASC
	`, conversationID)
	if err != nil {
		return nil, unavailable("querying participants", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		var role, joinedAt string
		if err := rows.Scan(&p.ConversationID, &p.UserID, &role, &joinedAt); err != nil {
			return nil, unavailable("scanning participant", err)
		}
		p.Role = ParticipantRole(role)
		p.Active = true
		p.JoinedAt, err = parseTime(joinedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
		}
		participants = append(participants, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating participants", err)
	}

	return participants, nil
}
