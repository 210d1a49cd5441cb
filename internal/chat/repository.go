package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = "id, participant_a, participant_b, last_message_text, last_message_at, unread_count, created_at"

// Repository is the Postgres implementation of ConversationStore and
// MessageStore.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var (
	_ ConversationStore = (*Repository)(nil)
	_ MessageStore      = (*Repository)(nil)
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, extra ...any) (*Conversation, error) {
	var (
		c      Conversation
		lastAt sql.NullTime
	)
	dest := append([]any{&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessageText, &lastAt, &c.UnreadCount, &c.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if lastAt.Valid {
		t := lastAt.Time
		c.LastMessageAt = &t
	}
	return &c, nil
}

func (r *Repository) GetOrCreate(ctx context.Context, a, b string) (*Conversation, error) {
	if !validID(a) || !validID(b) || a == b {
		return nil, fmt.Errorf("%w: participants must be two distinct user ids", ErrValidation)
	}
	lo, hi := OrderedPair(a, b)

	insert := `INSERT INTO conversations (id, participant_a, participant_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_a, participant_b) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, insert, uuid.NewString(), lo, hi); err != nil {
		return nil, fmt.Errorf("%w: create conversation: %w", ErrStorage, err)
	}

	query := "SELECT " + conversationColumns + " FROM conversations WHERE participant_a = $1 AND participant_b = $2"
	conv, err := scanConversation(r.db.QueryRowContext(ctx, query, lo, hi))
	if err != nil {
		return nil, fmt.Errorf("%w: load conversation: %w", ErrStorage, err)
	}
	return conv, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Conversation, error) {
	if !validID(id) {
		return nil, ErrConversationNotFound
	}
	query := "SELECT " + conversationColumns + " FROM conversations WHERE id = $1"
	conv, err := scanConversation(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get conversation: %w", ErrStorage, err)
	}
	return conv, nil
}

func (r *Repository) ListForUser(ctx context.Context, userID string) ([]ConversationSummary, error) {
	query := `
		SELECT c.id, c.participant_a, c.participant_b, c.last_message_text, c.last_message_at, c.unread_count, c.created_at,
			u.id, u.username
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.participant_a = $1 THEN c.participant_b ELSE c.participant_a END
		WHERE c.participant_a = $1 OR c.participant_b = $1
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`
	if !validID(userID) {
		return []ConversationSummary{}, nil
	}
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %w", ErrStorage, err)
	}
	defer rows.Close()

	out := []ConversationSummary{}
	for rows.Next() {
		var other UserRef
		conv, err := scanConversation(rows, &other.ID, &other.Username)
		if err != nil {
			return nil, fmt.Errorf("%w: scan conversation: %w", ErrStorage, err)
		}
		out = append(out, ConversationSummary{Conversation: *conv, OtherUser: other})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list conversations: %w", ErrStorage, err)
	}
	return out, nil
}

func (r *Repository) RecordMessage(ctx context.Context, id, preview string, at time.Time) (int, error) {
	query := `UPDATE conversations
		SET last_message_text = $2, last_message_at = $3, unread_count = unread_count + 1
		WHERE id = $1
		RETURNING unread_count`
	var unread int
	err := r.db.QueryRowContext(ctx, query, id, preview, at).Scan(&unread)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConversationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: record message: %w", ErrStorage, err)
	}
	return unread, nil
}

func (r *Repository) ResetUnread(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE conversations SET unread_count = 0 WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("%w: reset unread: %w", ErrStorage, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (r *Repository) Clear(ctx context.Context, id string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin clear: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = $1", id)
	if err != nil {
		return 0, fmt.Errorf("%w: delete messages: %w", ErrStorage, err)
	}
	deleted, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_text = '', last_message_at = NULL, unread_count = 0 WHERE id = $1", id)
	if err != nil {
		return 0, fmt.Errorf("%w: reset summary: %w", ErrStorage, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, ErrConversationNotFound
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit clear: %w", ErrStorage, err)
	}
	return deleted, nil
}

func (r *Repository) Create(ctx context.Context, msg *Message) error {
	if msg.Attachments == nil {
		msg.Attachments = []Attachment{}
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("%w: encode attachments: %v", ErrValidation, err)
	}

	query := `INSERT INTO messages (id, conversation_id, sender_id, text, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)`
	if _, err := r.db.ExecContext(ctx, query, msg.ID, msg.ConversationID, msg.SenderID, msg.Text, string(attachments), msg.CreatedAt); err != nil {
		return fmt.Errorf("%w: save message: %w", ErrStorage, err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context, conversationID string, limit, skip int) ([]Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.text, m.attachments, m.read_by, m.created_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %w", ErrStorage, err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m                   Message
			attachments, readBy []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderUsername, &m.Text, &attachments, &readBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan message: %w", ErrStorage, err)
		}
		if err := decodeJSONList(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("%w: decode attachments: %w", ErrStorage, err)
		}
		if err := decodeJSONList(readBy, &m.ReadBy); err != nil {
			return nil, fmt.Errorf("%w: decode read_by: %w", ErrStorage, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list messages: %w", ErrStorage, err)
	}
	return out, nil
}

func (r *Repository) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	query := `UPDATE messages
		SET read_by = read_by || jsonb_build_array($2::text)
		WHERE conversation_id = $1
			AND sender_id::text <> $2
			AND NOT read_by @> jsonb_build_array($2::text)`
	res, err := r.db.ExecContext(ctx, query, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("%w: mark read: %w", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func decodeJSONList[T any](raw []byte, out *[]T) error {
	*out = []T{}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
