package service

import (
	"context"
	"fmt"
	"strings"

	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/store"
	"msg_relay/server/relay/wire"
)

// History serves pull-based catch-up for clients that were offline.
type History struct {
	store  store.Gateway
	signer AttachmentSigner
}

func NewHistory(gw store.Gateway, signer AttachmentSigner) *History {
	return &History{store: gw, signer: signer}
}

func (h *History) Conversations(ctx context.Context, reader domain.UserID) ([]domain.Conversation, error) {
	convs, err := h.store.ListConversations(ctx, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %w", domain.ErrPersistence, err)
	}
	return convs, nil
}

// Messages returns one page of a conversation, newest first. Only
// participants may read it.
func (h *History) Messages(ctx context.Context, reader domain.UserID, conversationID string, page, limit int) ([]wire.MessageView, error) {
	conversationID = strings.TrimSpace(conversationID)
	if err := h.Authorize(ctx, reader, conversationID); err != nil {
		return nil, err
	}
	msgs, err := h.store.FindMessagesByConversation(ctx, conversationID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: find messages: %w", domain.ErrPersistence, err)
	}
	views := make([]wire.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, wire.NewMessageView(signAttachments(ctx, h.signer, m), m.SenderID == reader))
	}
	return views, nil
}

// Authorize reports whether reader may act on the conversation.
func (h *History) Authorize(ctx context.Context, reader domain.UserID, conversationID string) error {
	conv, found, err := h.store.FindConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("%w: find conversation: %w", domain.ErrPersistence, err)
	}
	if !found {
		return fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	}
	if !conv.HasParticipant(reader) {
		return domain.ErrNotParticipant
	}
	return nil
}
