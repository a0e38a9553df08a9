package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"msg_relay/server/relay/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS relay_conversations (
	id                TEXT PRIMARY KEY,
	pair_key          TEXT UNIQUE,
	last_message_id   TEXT,
	last_message_text TEXT,
	last_message_at   TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS relay_conversation_members (
	conversation_id TEXT NOT NULL REFERENCES relay_conversations(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL,
	unread          BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS relay_conversation_members_user_idx ON relay_conversation_members(user_id);
CREATE TABLE IF NOT EXISTS relay_messages (
	id                TEXT PRIMARY KEY,
	conversation_id   TEXT NOT NULL REFERENCES relay_conversations(id) ON DELETE CASCADE,
	sender_id         TEXT NOT NULL,
	receiver_id       TEXT NOT NULL,
	content           TEXT NOT NULL DEFAULT '',
	file_url          TEXT NOT NULL DEFAULT '',
	attachments       TEXT[] NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL DEFAULT 'sent',
	client_message_id TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	delivered_at      TIMESTAMPTZ,
	read_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS relay_messages_conversation_idx ON relay_messages(conversation_id, created_at DESC);
CREATE INDEX IF NOT EXISTS relay_messages_unread_idx ON relay_messages(conversation_id, receiver_id, status);
`

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, file_url, attachments, status, client_message_id, created_at, delivered_at, read_at`

// PostgresGateway stores the relay data in three tables; per-user unread
// counters live on the membership rows.
type PostgresGateway struct {
	pool *pgxpool.Pool
}

func NewPostgresGateway(pool *pgxpool.Pool) *PostgresGateway {
	return &PostgresGateway{pool: pool}
}

func (g *PostgresGateway) EnsureSchema(ctx context.Context) error {
	if _, err := g.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure relay schema: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m        domain.Message
		sender   string
		receiver string
		status   string
	)
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&sender,
		&receiver,
		&m.Content,
		&m.FileURL,
		&m.Attachments,
		&status,
		&m.ClientMessageID,
		&m.CreatedAt,
		&m.DeliveredAt,
		&m.ReadAt,
	)
	if err != nil {
		return domain.Message{}, err
	}
	m.SenderID = domain.UserID(sender)
	m.ReceiverID = domain.UserID(receiver)
	m.Status = domain.MessageStatus(status)
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]domain.Message, error) {
	defer rows.Close()
	out := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (g *PostgresGateway) SaveMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if !msg.Status.Valid() {
		msg.Status = domain.MessageStatusSent
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	saved, err := scanMessage(g.pool.QueryRow(ctx, `
		INSERT INTO relay_messages(id, conversation_id, sender_id, receiver_id, content, file_url, attachments, status, client_message_id, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+messageColumns,
		msg.ID, msg.ConversationID, string(msg.SenderID), string(msg.ReceiverID), msg.Content, msg.FileURL,
		attachments, string(msg.Status), msg.ClientMessageID, msg.CreatedAt,
	))
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return saved, nil
}

func (g *PostgresGateway) FindMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	m, err := scanMessage(g.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM relay_messages WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("find message: %w", err)
	}
	return m, true, nil
}

func (g *PostgresGateway) MarkMessageRead(ctx context.Context, id string) (domain.Message, bool, error) {
	m, err := scanMessage(g.pool.QueryRow(ctx, `
		UPDATE relay_messages
		SET status='read', read_at=NOW(), delivered_at=COALESCE(delivered_at, NOW())
		WHERE id=$1 AND status <> 'read'
		RETURNING `+messageColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		current, _, err := g.FindMessage(ctx, id)
		return current, false, err
	}
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("mark message read: %w", err)
	}
	return m, true, nil
}

func (g *PostgresGateway) MarkMessagesDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := g.pool.Exec(ctx, `
		UPDATE relay_messages
		SET status='delivered', delivered_at=NOW()
		WHERE id = ANY($1) AND status='sent'
	`, ids)
	if err != nil {
		return fmt.Errorf("mark messages delivered: %w", err)
	}
	return nil
}

func (g *PostgresGateway) MarkMessagesRead(ctx context.Context, conversationID string, reader domain.UserID) ([]domain.Message, error) {
	rows, err := g.pool.Query(ctx, `
		UPDATE relay_messages
		SET status='read', read_at=NOW(), delivered_at=COALESCE(delivered_at, NOW())
		WHERE conversation_id=$1 AND receiver_id=$2 AND sender_id <> $2 AND status <> 'read'
		RETURNING `+messageColumns, conversationID, string(reader))
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	return msgs, nil
}

func (g *PostgresGateway) FindMessagesByConversation(ctx context.Context, conversationID string, page, limit int) ([]domain.Message, error) {
	page, limit = normalizePage(page, limit)
	rows, err := g.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM relay_messages
		WHERE conversation_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	return msgs, nil
}

func (g *PostgresGateway) loadConversation(ctx context.Context, q pgx.Row) (domain.Conversation, error) {
	var (
		c        domain.Conversation
		lastID   *string
		lastText *string
	)
	if err := q.Scan(&c.ID, &lastID, &lastText, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Conversation{}, err
	}
	if lastID != nil {
		c.LastMessageID = *lastID
	}
	if lastText != nil {
		c.LastMessageText = *lastText
	}

	rows, err := g.pool.Query(ctx, `
		SELECT user_id, unread FROM relay_conversation_members
		WHERE conversation_id=$1
		ORDER BY user_id
	`, c.ID)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer rows.Close()
	c.Unread = map[domain.UserID]int64{}
	for rows.Next() {
		var (
			user   string
			unread int64
		)
		if err := rows.Scan(&user, &unread); err != nil {
			return domain.Conversation{}, err
		}
		c.Participants = append(c.Participants, domain.UserID(user))
		c.Unread[domain.UserID(user)] = unread
	}
	return c, rows.Err()
}

const conversationColumns = `id, last_message_id, last_message_text, last_message_at, created_at, updated_at`

func (g *PostgresGateway) FindConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	c, err := g.loadConversation(ctx, g.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM relay_conversations WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, false, nil
	}
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("find conversation: %w", err)
	}
	return c, true, nil
}

func (g *PostgresGateway) FindOrCreateDirectConversation(ctx context.Context, a, b domain.UserID) (domain.Conversation, error) {
	key := directKey(a, b)

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("begin conversation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO relay_conversations(id, pair_key)
		VALUES($1, $2)
		ON CONFLICT (pair_key) DO UPDATE SET pair_key=EXCLUDED.pair_key
		RETURNING id
	`, uuid.NewString(), key).Scan(&id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("upsert conversation: %w", err)
	}
	for _, p := range domain.DirectParticipants(a, b) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO relay_conversation_members(conversation_id, user_id)
			VALUES($1, $2)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, id, string(p)); err != nil {
			return domain.Conversation{}, fmt.Errorf("insert conversation member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Conversation{}, fmt.Errorf("commit conversation tx: %w", err)
	}

	c, found, err := g.FindConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !found {
		return domain.Conversation{}, fmt.Errorf("conversation %s vanished after upsert", id)
	}
	return c, nil
}

func (g *PostgresGateway) UpdateConversationLastMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE relay_conversations
		SET last_message_id=$2, last_message_text=$3, last_message_at=$4, updated_at=NOW()
		WHERE id=$1
	`, conversationID, msg.ID, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	return nil
}

func (g *PostgresGateway) IncrementUnread(ctx context.Context, conversationID string, user domain.UserID) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO relay_conversation_members(conversation_id, user_id, unread)
		VALUES($1, $2, 1)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET unread = relay_conversation_members.unread + 1
	`, conversationID, string(user))
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

func (g *PostgresGateway) ResetUnread(ctx context.Context, conversationID string, user domain.UserID) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE relay_conversation_members SET unread=0
		WHERE conversation_id=$1 AND user_id=$2
	`, conversationID, string(user))
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

func (g *PostgresGateway) ListConversations(ctx context.Context, user domain.UserID) ([]domain.Conversation, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT c.id
		FROM relay_conversations c
		JOIN relay_conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id=$1
		ORDER BY c.updated_at DESC
	`, string(user))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]domain.Conversation, 0, len(ids))
	for _, id := range ids {
		c, found, err := g.FindConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, c)
		}
	}
	return out, nil
}

func (g *PostgresGateway) Ping(ctx context.Context) error {
	return g.pool.Ping(ctx)
}

func (g *PostgresGateway) Close(context.Context) error {
	g.pool.Close()
	return nil
}
