package store

import (
	"context"

	"msg_relay/server/relay/domain"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Gateway is the persistence boundary of the relay. Implementations must make
// status updates monotonic: a message never moves back from read to delivered
// or from delivered to sent.
type Gateway interface {
	SaveMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	FindMessage(ctx context.Context, id string) (domain.Message, bool, error)
	MarkMessageRead(ctx context.Context, id string) (domain.Message, bool, error)
	MarkMessagesDelivered(ctx context.Context, ids []string) error
	// MarkMessagesRead marks every unread message addressed to reader in the
	// conversation as read and returns the messages that changed.
	MarkMessagesRead(ctx context.Context, conversationID string, reader domain.UserID) ([]domain.Message, error)
	// FindMessagesByConversation pages newest first; page starts at 1.
	FindMessagesByConversation(ctx context.Context, conversationID string, page, limit int) ([]domain.Message, error)

	FindConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	FindOrCreateDirectConversation(ctx context.Context, a, b domain.UserID) (domain.Conversation, error)
	UpdateConversationLastMessage(ctx context.Context, conversationID string, msg domain.Message) error
	IncrementUnread(ctx context.Context, conversationID string, user domain.UserID) error
	ResetUnread(ctx context.Context, conversationID string, user domain.UserID) error
	ListConversations(ctx context.Context, user domain.UserID) ([]domain.Conversation, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}
