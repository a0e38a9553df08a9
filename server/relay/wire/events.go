package wire

import (
	"encoding/json"
	"strings"
	"time"

	"msg_relay/server/relay/domain"
)

type Kind string

// Inbound kinds.
const (
	KindJoin        Kind = "join"
	KindSendMessage Kind = "sendMessage"
	KindMarkRead    Kind = "markRead"
	KindTyping      Kind = "typing"
	KindPing        Kind = "ping"
)

// Outbound kinds.
const (
	KindReceiveMessage Kind = "receiveMessage"
	KindMessageStatus  Kind = "messageStatus"
	KindMessagesRead   Kind = "messages_read"
	KindUserTyping     Kind = "userTyping"
	KindPresence       Kind = "userList"
	KindJoined         Kind = "joined"
	KindError          Kind = "error"
	KindPong           Kind = "pong"
)

// Envelope is the frame carried by every websocket text message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Join carries the raw identity the client claims. Clients send either the
// id itself or an object holding it.
type Join struct {
	Identity any
}

func (j *Join) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if obj, ok := v.(map[string]any); ok {
		for _, key := range []string{"userId", "user_id", "user"} {
			if inner, ok := obj[key]; ok {
				j.Identity = inner
				return nil
			}
		}
	}
	j.Identity = v
	return nil
}

type SendMessage struct {
	SenderID        any             `json:"senderId,omitempty"`
	ReceiverID      any             `json:"receiverId,omitempty"`
	RecipientID     any             `json:"recipientId,omitempty"`
	ConversationID  string          `json:"conversationId,omitempty"`
	Content         *string         `json:"content,omitempty"`
	Message         *string         `json:"message,omitempty"`
	FileURL         string          `json:"fileUrl,omitempty"`
	Attachments     []string        `json:"attachments,omitempty"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
	TempID          string          `json:"tempId,omitempty"`
	Timestamp       json.RawMessage `json:"timestamp,omitempty"`
}

// Receiver returns receiverId, falling back to recipientId.
func (m SendMessage) Receiver() any {
	if m.ReceiverID != nil {
		return m.ReceiverID
	}
	return m.RecipientID
}

// Text returns content, falling back to message, and "" when neither is set.
func (m SendMessage) Text() string {
	if m.Content != nil {
		return *m.Content
	}
	if m.Message != nil {
		return *m.Message
	}
	return ""
}

func (m SendMessage) ClientID() string {
	if id := strings.TrimSpace(m.ClientMessageID); id != "" {
		return id
	}
	return strings.TrimSpace(m.TempID)
}

// TimestampKey is the client timestamp in its raw textual form.
func (m SendMessage) TimestampKey() string {
	return strings.Trim(string(m.Timestamp), `"`)
}

type MarkRead struct {
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	ReaderID       any    `json:"userId,omitempty"`
}

type Typing struct {
	ReceiverID     any    `json:"receiverId,omitempty"`
	RecipientID    any    `json:"recipientId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

func (t Typing) Receiver() any {
	if t.ReceiverID != nil {
		return t.ReceiverID
	}
	return t.RecipientID
}

// MessageView is the client-facing message shape. Both id spellings and both
// body spellings are emitted so older clients keep working.
type MessageView struct {
	ID              string               `json:"id"`
	MongoID         string               `json:"_id"`
	ConversationID  string               `json:"conversationId"`
	SenderID        string               `json:"senderId"`
	ReceiverID      string               `json:"receiverId"`
	Content         string               `json:"content"`
	Message         string               `json:"message"`
	FileURL         string               `json:"fileUrl,omitempty"`
	Attachments     []string             `json:"attachments,omitempty"`
	Status          domain.MessageStatus `json:"status"`
	ClientMessageID string               `json:"clientMessageId,omitempty"`
	TempID          string               `json:"tempId,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
	IsEcho          bool                 `json:"isEcho,omitempty"`
}

func NewMessageView(m domain.Message, echo bool) MessageView {
	return MessageView{
		ID:              m.ID,
		MongoID:         m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        string(m.SenderID),
		ReceiverID:      string(m.ReceiverID),
		Content:         m.Content,
		Message:         m.Content,
		FileURL:         m.FileURL,
		Attachments:     m.Attachments,
		Status:          m.Status,
		ClientMessageID: m.ClientMessageID,
		TempID:          m.ClientMessageID,
		CreatedAt:       m.CreatedAt,
		IsEcho:          echo,
	}
}

// MessageStatus reports a status change to the sender. Timestamp and At
// carry the same instant; At is kept for clients that read the older name.
type MessageStatus struct {
	MessageID       string               `json:"messageId"`
	ClientMessageID string               `json:"clientMessageId,omitempty"`
	ConversationID  string               `json:"conversationId"`
	RecipientID     string               `json:"recipientId"`
	Status          domain.MessageStatus `json:"status"`
	Timestamp       time.Time            `json:"timestamp"`
	At              time.Time            `json:"at"`
}

func NewMessageStatus(m domain.Message, at time.Time) MessageStatus {
	return MessageStatus{
		MessageID:       m.ID,
		ClientMessageID: m.ClientMessageID,
		ConversationID:  m.ConversationID,
		RecipientID:     string(m.ReceiverID),
		Status:          m.Status,
		Timestamp:       at,
		At:              at,
	}
}

type MessagesRead struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

type UserTyping struct {
	UserID         string `json:"userId"`
	ReceiverID     string `json:"receiverId"`
	ConversationID string `json:"conversationId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

type Presence struct {
	Users   []string               `json:"users"`
	Entries []domain.PresenceEntry `json:"entries"`
	At      time.Time              `json:"at"`
}

func NewPresence(s domain.PresenceSnapshot) Presence {
	users := make([]string, 0, len(s.Users))
	for _, u := range s.Users {
		users = append(users, string(u.UserID))
	}
	entries := s.Users
	if entries == nil {
		entries = []domain.PresenceEntry{}
	}
	return Presence{Users: users, Entries: entries, At: s.GeneratedAt}
}

// UserPresence answers a single-user presence lookup. LastSeen is omitted
// for users never seen.
type UserPresence struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func NewUserPresence(id domain.UserID, online bool, lastSeen time.Time) UserPresence {
	p := UserPresence{UserID: string(id), Online: online}
	if !lastSeen.IsZero() {
		at := lastSeen.UTC()
		p.LastSeen = &at
	}
	return p
}

type Joined struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

func NewError(err error, ref string) Error {
	return Error{Code: domain.ErrorCode(err), Message: err.Error(), Ref: ref}
}

type Pong struct {
	At time.Time `json:"at"`
}
