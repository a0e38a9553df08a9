package domain

import (
	"sort"
	"time"
)

// UserID is the canonical user identifier produced by the identity normalizer.
type UserID string

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	return s.rank() > 0
}

// Before reports whether s precedes next in sent -> delivered -> read.
func (s MessageStatus) Before(next MessageStatus) bool {
	return s.rank() < next.rank()
}

// Advance returns the later of s and next. Status never regresses.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if s.Before(next) {
		return next
	}
	return s
}

type Message struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversation_id"`
	SenderID        UserID        `json:"sender_id"`
	ReceiverID      UserID        `json:"receiver_id"`
	Content         string        `json:"content"`
	FileURL         string        `json:"file_url,omitempty"`
	Attachments     []string      `json:"attachments,omitempty"`
	Status          MessageStatus `json:"status"`
	ClientMessageID string        `json:"client_message_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	DeliveredAt     *time.Time    `json:"delivered_at,omitempty"`
	ReadAt          *time.Time    `json:"read_at,omitempty"`
}

// IsSelf reports whether the sender addressed the message to themselves.
func (m Message) IsSelf() bool {
	return m.SenderID == m.ReceiverID
}

type Conversation struct {
	ID              string           `json:"id"`
	Participants    []UserID         `json:"participants"`
	LastMessageID   string           `json:"last_message_id,omitempty"`
	LastMessageText string           `json:"last_message_text,omitempty"`
	LastMessageAt   *time.Time       `json:"last_message_at,omitempty"`
	Unread          map[UserID]int64 `json:"unread"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// HasParticipant reports whether id belongs to the conversation.
func (c Conversation) HasParticipant(id UserID) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

func (c Conversation) UnreadFor(id UserID) int64 {
	if c.Unread == nil {
		return 0
	}
	return c.Unread[id]
}

// DirectParticipants returns the sorted, deduplicated participant pair used to
// key a direct conversation. A self conversation has a single participant.
func DirectParticipants(a, b UserID) []UserID {
	if a == b {
		return []UserID{a}
	}
	pair := []UserID{a, b}
	sort.Slice(pair, func(i, j int) bool { return pair[i] < pair[j] })
	return pair
}

type PresenceEntry struct {
	UserID   UserID    `json:"user_id"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceSnapshot is a read-only view of the connected users.
type PresenceSnapshot struct {
	Users       []PresenceEntry `json:"users"`
	GeneratedAt time.Time       `json:"generated_at"`
}

func (s PresenceSnapshot) UserIDs() []UserID {
	ids := make([]UserID, 0, len(s.Users))
	for _, u := range s.Users {
		ids = append(ids, u.UserID)
	}
	return ids
}

func (s PresenceSnapshot) Contains(id UserID) bool {
	for _, u := range s.Users {
		if u.UserID == id {
			return true
		}
	}
	return false
}

// SubmitResult is the outcome of a single message submission.
type SubmitResult struct {
	Accepted  bool
	Duplicate bool
	Delivered bool
	Message   *Message
	Err       error
}
