//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mock_store_test.go -package=chat
package chat

import (
	"context"
	"time"
)

// ConversationStore owns conversations and their summaries. Implementations
// make every method a single atomic update.
type ConversationStore interface {
	// GetOrCreate returns the conversation of the unordered pair {a, b},
	// creating it on first contact.
	GetOrCreate(ctx context.Context, a, b string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	// ListForUser returns userID's conversations, most recent activity first.
	ListForUser(ctx context.Context, userID string) ([]ConversationSummary, error)
	// RecordMessage sets the summary and increments the unread counter,
	// returning the new count.
	RecordMessage(ctx context.Context, id, preview string, at time.Time) (int, error)
	ResetUnread(ctx context.Context, id string) error
	// Clear purges every message of the conversation and resets its summary,
	// returning the number of deleted messages.
	Clear(ctx context.Context, id string) (int64, error)
}

type MessageStore interface {
	Create(ctx context.Context, msg *Message) error
	// List returns a page of messages ordered by creation time, oldest first.
	List(ctx context.Context, conversationID string, limit, skip int) ([]Message, error)
	// MarkRead adds readerID to readBy of every message it did not send.
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
}
