package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"msg_relay/server/common/log"
	"msg_relay/server/relay/dedup"
	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/identity"
	"msg_relay/server/relay/metrics"
	"msg_relay/server/relay/presence"
	"msg_relay/server/relay/store"
	"msg_relay/server/relay/wire"
)

// Router accepts message submissions, persists them once and pushes them to
// the sender and, when online, the receiver.
type Router struct {
	store     store.Gateway
	registry  *presence.Registry
	window    *dedup.Window
	publisher EventPublisher
	signer    AttachmentSigner
	locks     *keyedMutex
	now       func() time.Time
}

type RouterOption func(*Router)

func WithPublisher(p EventPublisher) RouterOption {
	return func(r *Router) {
		if p != nil {
			r.publisher = p
		}
	}
}

func WithAttachmentSigner(s AttachmentSigner) RouterOption {
	return func(r *Router) { r.signer = s }
}

func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRouter(gw store.Gateway, registry *presence.Registry, window *dedup.Window, opts ...RouterOption) *Router {
	r := &Router{
		store:     gw,
		registry:  registry,
		window:    window,
		publisher: NopPublisher{},
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func pairKey(a, b domain.UserID) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

// Submit runs one submission through dedup, persistence and fan-out.
// Submissions for the same pair of users are serialised; other pairs proceed
// in parallel.
func (r *Router) Submit(ctx context.Context, in wire.SendMessage) domain.SubmitResult {
	sender, ok := identity.Normalize(in.SenderID)
	if !ok {
		return domain.SubmitResult{Err: fmt.Errorf("%w: sender", domain.ErrInvalidIdentity)}
	}
	receiver, ok := identity.Normalize(in.Receiver())
	if !ok {
		return domain.SubmitResult{Err: fmt.Errorf("%w: receiver", domain.ErrInvalidIdentity)}
	}

	unlock := r.locks.Lock(pairKey(sender, receiver))
	defer unlock()

	startedAt := time.Now()
	stamp := in.TimestampKey()
	if in.ClientID() == "" && stamp == "" {
		stamp = dedup.ReceiveKey(r.now())
	}
	fp := dedup.Fingerprint(in.ClientID(), sender, receiver, stamp, in.Text())
	existing, found, err := r.window.Acquire(ctx, fp)
	if err != nil {
		return domain.SubmitResult{Err: err}
	}
	if found {
		current := r.refresh(ctx, existing)
		r.echo(ctx, current)
		metrics.ObserveSubmit(metrics.ResultDuplicate)
		log.Infof("event=relay_message action=submit status=duplicate sender_id=%s receiver_id=%s message_id=%s", sender, receiver, current.ID)
		return domain.SubmitResult{Accepted: true, Duplicate: true, Message: &current}
	}

	msg, err := r.persist(ctx, sender, receiver, in)
	if err != nil {
		r.window.Release(fp)
		metrics.ObserveSubmit(metrics.ResultFailed)
		log.Errorf("event=relay_message action=persist status=failed sender_id=%s receiver_id=%s client_msg_id_present=%t latency_ms=%d error=%v", sender, receiver, in.ClientID() != "", time.Since(startedAt).Milliseconds(), err)
		return domain.SubmitResult{Err: err}
	}
	r.window.Commit(fp, msg)

	r.echo(ctx, msg)
	delivered := false
	if !msg.IsSelf() {
		delivered = r.deliver(ctx, &msg)
		if delivered {
			r.window.Update(fp, msg)
		}
	}

	r.publish(ctx, RoutingMessageCreated, messageCreatedEvent{
		Event:          RoutingMessageCreated,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       string(msg.SenderID),
		ReceiverID:     string(msg.ReceiverID),
		Status:         string(msg.Status),
		CreatedAt:      msg.CreatedAt,
	})
	metrics.ObserveSubmit(metrics.ResultOK)
	log.Infof("event=relay_message action=submit status=ok sender_id=%s receiver_id=%s message_id=%s delivered=%t latency_ms=%d", sender, receiver, msg.ID, delivered, time.Since(startedAt).Milliseconds())
	return domain.SubmitResult{Accepted: true, Delivered: delivered, Message: &msg}
}

func (r *Router) persist(ctx context.Context, sender, receiver domain.UserID, in wire.SendMessage) (domain.Message, error) {
	conv, err := r.resolveConversation(ctx, sender, receiver, in.ConversationID)
	if err != nil {
		return domain.Message{}, err
	}

	msg, err := r.store.SaveMessage(ctx, domain.Message{
		ConversationID:  conv.ID,
		SenderID:        sender,
		ReceiverID:      receiver,
		Content:         in.Text(),
		FileURL:         strings.TrimSpace(in.FileURL),
		Attachments:     in.Attachments,
		Status:          domain.MessageStatusSent,
		ClientMessageID: in.ClientID(),
		CreatedAt:       r.now().UTC(),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: save message: %w", domain.ErrPersistence, err)
	}

	// The message is stored; failures below are only logged.
	if err := r.store.UpdateConversationLastMessage(ctx, conv.ID, msg); err != nil {
		log.Warnf("event=relay_conversation action=update_last_message status=failed conversation_id=%s message_id=%s error=%v", conv.ID, msg.ID, err)
	}
	if !msg.IsSelf() {
		if err := r.store.IncrementUnread(ctx, conv.ID, receiver); err != nil {
			log.Warnf("event=relay_conversation action=increment_unread status=failed conversation_id=%s user_id=%s error=%v", conv.ID, receiver, err)
		}
	}
	return msg, nil
}

func (r *Router) resolveConversation(ctx context.Context, sender, receiver domain.UserID, supplied string) (domain.Conversation, error) {
	if id := strings.TrimSpace(supplied); id != "" {
		conv, found, err := r.store.FindConversation(ctx, id)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("%w: find conversation: %w", domain.ErrPersistence, err)
		}
		if found && conv.HasParticipant(sender) && conv.HasParticipant(receiver) {
			return conv, nil
		}
	}
	conv, err := r.store.FindOrCreateDirectConversation(ctx, sender, receiver)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: find or create conversation: %w", domain.ErrPersistence, err)
	}
	return conv, nil
}

// deliver pushes msg to an online receiver and, on success, advances it to
// delivered and tells the sender.
func (r *Router) deliver(ctx context.Context, msg *domain.Message) bool {
	conn, online := r.registry.Lookup(msg.ReceiverID)
	if !online {
		return false
	}
	if err := conn.Send(wire.KindReceiveMessage, wire.NewMessageView(r.present(ctx, *msg), false)); err != nil {
		log.Warnf("event=relay_message action=deliver status=failed receiver_id=%s message_id=%s error=%v", msg.ReceiverID, msg.ID, err)
		return false
	}
	metrics.ObserveDelivered()
	if err := r.store.MarkMessagesDelivered(ctx, []string{msg.ID}); err != nil {
		log.Warnf("event=relay_message action=mark_delivered status=failed message_id=%s error=%v", msg.ID, err)
	}
	now := r.now().UTC()
	msg.Status = msg.Status.Advance(domain.MessageStatusDelivered)
	msg.DeliveredAt = &now
	r.notify(msg.SenderID, wire.KindMessageStatus, wire.NewMessageStatus(*msg, now))
	return true
}

// echo sends the stored message and its current status back to the sender.
func (r *Router) echo(ctx context.Context, msg domain.Message) {
	r.notify(msg.SenderID, wire.KindReceiveMessage, wire.NewMessageView(r.present(ctx, msg), true))
	r.notify(msg.SenderID, wire.KindMessageStatus, wire.NewMessageStatus(msg, r.now().UTC()))
}

// refresh re-reads a remembered message so a duplicate ack reports the
// current status.
func (r *Router) refresh(ctx context.Context, msg domain.Message) domain.Message {
	current, found, err := r.store.FindMessage(ctx, msg.ID)
	if err != nil || !found {
		return msg
	}
	current.Status = msg.Status.Advance(current.Status)
	return current
}

func (r *Router) present(ctx context.Context, msg domain.Message) domain.Message {
	return signAttachments(ctx, r.signer, msg)
}

func (r *Router) notify(id domain.UserID, kind wire.Kind, payload any) {
	conn, ok := r.registry.Lookup(id)
	if !ok {
		return
	}
	if err := conn.Send(kind, payload); err != nil {
		log.Warnf("event=relay_notify action=%s status=failed user_id=%s error=%v", kind, id, err)
	}
}

func (r *Router) publish(ctx context.Context, key string, payload any) {
	if err := r.publisher.Publish(ctx, key, payload); err != nil {
		log.Warnf("event=relay_publish action=%s status=failed error=%v", key, err)
	}
}
