package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"msg_relay/server/common/log"
	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/metrics"
	"msg_relay/server/relay/presence"
	"msg_relay/server/relay/store"
	"msg_relay/server/relay/wire"
)

// Receipts applies read acknowledgements and tells each affected sender once.
type Receipts struct {
	store     store.Gateway
	registry  *presence.Registry
	publisher EventPublisher
	now       func() time.Time
}

func NewReceipts(gw store.Gateway, registry *presence.Registry, publisher EventPublisher) *Receipts {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Receipts{store: gw, registry: registry, publisher: publisher, now: time.Now}
}

// MarkRead handles a read acknowledgement from reader. A messageId marks that
// message; otherwise a conversationId marks everything addressed to reader in
// it and clears the reader's unread counter. Unknown targets are no-ops. The
// return value is the number of messages that changed state.
func (r *Receipts) MarkRead(ctx context.Context, reader domain.UserID, req wire.MarkRead) (int, error) {
	if id := strings.TrimSpace(req.MessageID); id != "" {
		return r.markMessage(ctx, reader, id)
	}
	if id := strings.TrimSpace(req.ConversationID); id != "" {
		return r.markConversation(ctx, reader, id)
	}
	return 0, fmt.Errorf("%w: messageId or conversationId is required", domain.ErrBadRequest)
}

func (r *Receipts) markMessage(ctx context.Context, reader domain.UserID, messageID string) (int, error) {
	msg, found, err := r.store.FindMessage(ctx, messageID)
	if err != nil {
		return 0, fmt.Errorf("%w: find message: %w", domain.ErrPersistence, err)
	}
	if !found || msg.ReceiverID != reader || msg.Status == domain.MessageStatusRead {
		return 0, nil
	}
	updated, changed, err := r.store.MarkMessageRead(ctx, messageID)
	if err != nil {
		return 0, fmt.Errorf("%w: mark message read: %w", domain.ErrPersistence, err)
	}
	if !changed {
		return 0, nil
	}
	r.notifySenders(ctx, updated.ConversationID, reader, []domain.Message{updated})
	metrics.ObserveRead(1)
	return 1, nil
}

func (r *Receipts) markConversation(ctx context.Context, reader domain.UserID, conversationID string) (int, error) {
	conv, found, err := r.store.FindConversation(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("%w: find conversation: %w", domain.ErrPersistence, err)
	}
	if !found || !conv.HasParticipant(reader) {
		return 0, nil
	}
	changed, err := r.store.MarkMessagesRead(ctx, conv.ID, reader)
	if err != nil {
		return 0, fmt.Errorf("%w: mark messages read: %w", domain.ErrPersistence, err)
	}
	if err := r.store.ResetUnread(ctx, conv.ID, reader); err != nil {
		return 0, fmt.Errorf("%w: reset unread: %w", domain.ErrPersistence, err)
	}
	if len(changed) > 0 {
		r.notifySenders(ctx, conv.ID, reader, changed)
		metrics.ObserveRead(len(changed))
	}
	log.Debugf("event=relay_receipt action=mark_conversation status=ok conversation_id=%s reader_id=%s changed=%d", conv.ID, reader, len(changed))
	return len(changed), nil
}

// notifySenders groups msgs by sender and emits one read notification per
// sender.
func (r *Receipts) notifySenders(ctx context.Context, conversationID string, reader domain.UserID, msgs []domain.Message) {
	readAt := r.now().UTC()
	bySender := map[domain.UserID][]string{}
	for _, m := range msgs {
		bySender[m.SenderID] = append(bySender[m.SenderID], m.ID)
	}
	senders := make([]domain.UserID, 0, len(bySender))
	for s := range bySender {
		senders = append(senders, s)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })

	var all []string
	for _, sender := range senders {
		ids := bySender[sender]
		all = append(all, ids...)
		conn, online := r.registry.Lookup(sender)
		if !online {
			continue
		}
		payload := wire.MessagesRead{ConversationID: conversationID, ReaderID: string(reader), MessageIDs: ids, ReadAt: readAt}
		if err := conn.Send(wire.KindMessagesRead, payload); err != nil {
			log.Warnf("event=relay_receipt action=notify status=failed sender_id=%s error=%v", sender, err)
		}
	}

	if err := r.publisher.Publish(ctx, RoutingMessageRead, messageReadEvent{
		Event:          RoutingMessageRead,
		ConversationID: conversationID,
		ReaderID:       string(reader),
		MessageIDs:     all,
		ReadAt:         readAt,
	}); err != nil {
		log.Warnf("event=relay_publish action=%s status=failed error=%v", RoutingMessageRead, err)
	}
}
