package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"msg_relay/server/relay/domain"
)

// MemoryGateway keeps everything in process. It backs tests and the
// STORE_DRIVER=memory mode.
type MemoryGateway struct {
	mu            sync.RWMutex
	messages      map[string]domain.Message
	order         map[string][]string
	conversations map[string]*domain.Conversation
	direct        map[string]string
	now           func() time.Time
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		messages:      map[string]domain.Message{},
		order:         map[string][]string{},
		conversations: map[string]*domain.Conversation{},
		direct:        map[string]string{},
		now:           time.Now,
	}
}

func directKey(a, b domain.UserID) string {
	parts := domain.DirectParticipants(a, b)
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = string(p)
	}
	return strings.Join(ids, "|")
}

func (g *MemoryGateway) SaveMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = g.now()
	}
	if !msg.Status.Valid() {
		msg.Status = domain.MessageStatusSent
	}
	if _, exists := g.messages[msg.ID]; !exists {
		g.order[msg.ConversationID] = append(g.order[msg.ConversationID], msg.ID)
	}
	g.messages[msg.ID] = cloneMessage(msg)
	return msg, nil
}

func (g *MemoryGateway) FindMessage(_ context.Context, id string) (domain.Message, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	msg, ok := g.messages[id]
	if !ok {
		return domain.Message{}, false, nil
	}
	return cloneMessage(msg), true, nil
}

func (g *MemoryGateway) MarkMessageRead(_ context.Context, id string) (domain.Message, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	msg, ok := g.messages[id]
	if !ok {
		return domain.Message{}, false, nil
	}
	if msg.Status == domain.MessageStatusRead {
		return cloneMessage(msg), false, nil
	}
	g.markReadLocked(&msg)
	return cloneMessage(msg), true, nil
}

func (g *MemoryGateway) markReadLocked(msg *domain.Message) {
	now := g.now()
	msg.Status = msg.Status.Advance(domain.MessageStatusRead)
	msg.ReadAt = &now
	if msg.DeliveredAt == nil {
		msg.DeliveredAt = &now
	}
	g.messages[msg.ID] = *msg
}

func (g *MemoryGateway) MarkMessagesDelivered(_ context.Context, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for _, id := range ids {
		msg, ok := g.messages[id]
		if !ok || msg.Status != domain.MessageStatusSent {
			continue
		}
		msg.Status = domain.MessageStatusDelivered
		msg.DeliveredAt = &now
		g.messages[id] = msg
	}
	return nil
}

func (g *MemoryGateway) MarkMessagesRead(_ context.Context, conversationID string, reader domain.UserID) ([]domain.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var changed []domain.Message
	for _, id := range g.order[conversationID] {
		msg := g.messages[id]
		if msg.ReceiverID != reader || msg.SenderID == reader || msg.Status == domain.MessageStatusRead {
			continue
		}
		g.markReadLocked(&msg)
		changed = append(changed, cloneMessage(msg))
	}
	return changed, nil
}

func (g *MemoryGateway) FindMessagesByConversation(_ context.Context, conversationID string, page, limit int) ([]domain.Message, error) {
	page, limit = normalizePage(page, limit)
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.order[conversationID]
	all := make([]domain.Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		all = append(all, cloneMessage(g.messages[ids[i]]))
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	start := (page - 1) * limit
	if start >= len(all) {
		return []domain.Message{}, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (g *MemoryGateway) FindConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conversations[id]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return cloneConversation(*c), true, nil
}

func (g *MemoryGateway) FindOrCreateDirectConversation(_ context.Context, a, b domain.UserID) (domain.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := directKey(a, b)
	if id, ok := g.direct[key]; ok {
		return cloneConversation(*g.conversations[id]), nil
	}
	now := g.now()
	c := &domain.Conversation{
		ID:           uuid.NewString(),
		Participants: domain.DirectParticipants(a, b),
		Unread:       map[domain.UserID]int64{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	g.conversations[c.ID] = c
	g.direct[key] = c.ID
	return cloneConversation(*c), nil
}

func (g *MemoryGateway) UpdateConversationLastMessage(_ context.Context, conversationID string, msg domain.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conversations[conversationID]
	if !ok {
		return nil
	}
	at := msg.CreatedAt
	c.LastMessageID = msg.ID
	c.LastMessageText = msg.Content
	c.LastMessageAt = &at
	c.UpdatedAt = g.now()
	return nil
}

func (g *MemoryGateway) IncrementUnread(_ context.Context, conversationID string, user domain.UserID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conversations[conversationID]; ok {
		if c.Unread == nil {
			c.Unread = map[domain.UserID]int64{}
		}
		c.Unread[user]++
	}
	return nil
}

func (g *MemoryGateway) ResetUnread(_ context.Context, conversationID string, user domain.UserID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conversations[conversationID]; ok && c.Unread != nil {
		c.Unread[user] = 0
	}
	return nil
}

func (g *MemoryGateway) ListConversations(_ context.Context, user domain.UserID) ([]domain.Conversation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.Conversation, 0)
	for _, c := range g.conversations {
		if c.HasParticipant(user) {
			out = append(out, cloneConversation(*c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (g *MemoryGateway) Ping(context.Context) error { return nil }

func (g *MemoryGateway) Close(context.Context) error { return nil }

func cloneMessage(m domain.Message) domain.Message {
	if m.Attachments != nil {
		m.Attachments = append([]string(nil), m.Attachments...)
	}
	return m
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	c.Participants = append([]domain.UserID(nil), c.Participants...)
	unread := make(map[domain.UserID]int64, len(c.Unread))
	for k, v := range c.Unread {
		unread[k] = v
	}
	c.Unread = unread
	return c
}
