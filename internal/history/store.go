// Package history owns persisted conversations and messages and serves the
// REST surface the sync client consumes.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trailtalk/chatsync"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureDirectConversation returns the direct conversation between two users,
// creating it on first contact.
func (s *Store) EnsureDirectConversation(ctx context.Context, userA, userB int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id
		FROM conversations c
		JOIN participants pa ON pa.conversation_id = c.id AND pa.user_id = $1
		JOIN participants pb ON pb.conversation_id = c.id AND pb.user_id = $2
		WHERE c.type = 'DIRECT'
		LIMIT 1
	`, userA, userB).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO conversations (type) VALUES ('DIRECT') RETURNING id`,
	).Scan(&id); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2), ($1, $3)`,
		id, userA, userB,
	); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// ListConversations returns every conversation the user participates in with
// the derived fields the client caches: title, counterpart, last message and
// the unread counter.
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]chatsync.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.type,
		       CASE WHEN c.type = 'DIRECT' THEN COALESCE(other.username, '') ELSE c.title END,
		       COALESCE(other.id, 0),
		       COALESCE(last.content, ''),
		       COALESCE(last.created_at, c.created_at),
		       COALESCE(unread.n, 0)
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id AND p.user_id = $1
		LEFT JOIN LATERAL (
			SELECT u.id, u.username
			FROM participants p2
			JOIN users u ON u.id = p2.user_id
			WHERE p2.conversation_id = c.id AND p2.user_id <> $1
			LIMIT 1
		) other ON c.type = 'DIRECT'
		LEFT JOIN LATERAL (
			SELECT m.content, m.created_at
			FROM messages m
			WHERE m.conversation_id = c.id
			ORDER BY m.created_at DESC
			LIMIT 1
		) last ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS n
			FROM messages m
			WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND NOT m.is_read
		) unread ON TRUE
		ORDER BY COALESCE(last.created_at, c.created_at) DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatsync.Conversation
	for rows.Next() {
		var c chatsync.Conversation
		if err := rows.Scan(&c.ID, &c.Type, &c.Title, &c.OtherUserID,
			&c.LastMessage, &c.LastMessageAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListMessages returns a conversation's history in send order.
func (s *Store) ListMessages(ctx context.Context, conversationID int64) ([]chatsync.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, is_read, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatsync.Message
	for rows.Next() {
		var m chatsync.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveMessage persists one message. The client message id is the dedup key:
// a repeat delivery returns the already stored row with duplicate set.
func (s *Store) SaveMessage(ctx context.Context, conversationID, senderID int64, content, clientMessageID string) (*chatsync.Message, bool, error) {
	var clientID sql.NullString
	if clientMessageID != "" {
		clientID = sql.NullString{String: clientMessageID, Valid: true}
	}

	m := &chatsync.Message{ConversationID: conversationID, SenderID: senderID, Content: content}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, client_message_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_message_id) WHERE client_message_id IS NOT NULL DO NOTHING
		RETURNING id, created_at
	`, conversationID, senderID, content, clientID).Scan(&m.ID, &m.CreatedAt)
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	// Conflict path: hand back the original row.
	err = s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, is_read, created_at
		FROM messages
		WHERE client_message_id = $1
	`, clientMessageID).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.IsRead, &m.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("dedup lookup for %q: %w", clientMessageID, err)
	}
	return m, true, nil
}

// MarkRead flags everything the counterpart sent in a conversation as read.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read
	`, conversationID, userID)
	return err
}

// IsParticipant reports whether the user belongs to the conversation.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
