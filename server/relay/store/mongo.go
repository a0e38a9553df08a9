package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/identity"
)

const (
	messagesCollection      = "messages"
	conversationsCollection = "conversations"
)

type messageDoc struct {
	ID              primitive.ObjectID `bson:"_id"`
	ConversationID  primitive.ObjectID `bson:"conversationId"`
	Sender          string             `bson:"sender"`
	Receiver        string             `bson:"receiver"`
	Content         string             `bson:"content"`
	FileURL         string             `bson:"fileUrl,omitempty"`
	Attachments     []string           `bson:"attachments,omitempty"`
	Status          string             `bson:"status"`
	ClientMessageID string             `bson:"clientMessageId,omitempty"`
	CreatedAt       time.Time          `bson:"createdAt"`
	DeliveredAt     *time.Time         `bson:"deliveredAt,omitempty"`
	ReadAt          *time.Time         `bson:"readAt,omitempty"`
}

type lastMessageDoc struct {
	ID   primitive.ObjectID `bson:"id"`
	Text string             `bson:"text"`
	At   time.Time          `bson:"at"`
}

type conversationDoc struct {
	ID           primitive.ObjectID `bson:"_id"`
	PairKey      string             `bson:"pairKey,omitempty"`
	Participants []any              `bson:"participants"`
	LastMessage  *lastMessageDoc    `bson:"lastMessage,omitempty"`
	Unread       map[string]int64   `bson:"unread"`
	CreatedAt    time.Time          `bson:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt"`
}

// MongoGateway stores messages and conversations in two collections.
// Participant ids may be stored as ObjectIDs or strings by older writers; the
// identity normalizer reduces both on the way out.
type MongoGateway struct {
	db            *mongo.Database
	messages      *mongo.Collection
	conversations *mongo.Collection
}

func NewMongoGateway(db *mongo.Database) *MongoGateway {
	return &MongoGateway{
		db:            db,
		messages:      db.Collection(messagesCollection),
		conversations: db.Collection(conversationsCollection),
	}
}

// EnsureIndexes creates the indexes the gateway's queries rely on.
func (g *MongoGateway) EnsureIndexes(ctx context.Context) error {
	_, err := g.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "receiver", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	_, err = g.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pairKey", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create conversation indexes: %w", err)
	}
	return nil
}

func objectID(id string) (primitive.ObjectID, bool) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, false
	}
	return oid, true
}

func (g *MongoGateway) SaveMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	convID, ok := objectID(msg.ConversationID)
	if !ok {
		return domain.Message{}, fmt.Errorf("save message: invalid conversation id %q", msg.ConversationID)
	}
	doc := messageDoc{
		ID:              primitive.NewObjectID(),
		ConversationID:  convID,
		Sender:          string(msg.SenderID),
		Receiver:        string(msg.ReceiverID),
		Content:         msg.Content,
		FileURL:         msg.FileURL,
		Attachments:     msg.Attachments,
		Status:          string(msg.Status),
		ClientMessageID: msg.ClientMessageID,
		CreatedAt:       msg.CreatedAt,
	}
	if existing, ok := objectID(msg.ID); ok {
		doc.ID = existing
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if !msg.Status.Valid() {
		doc.Status = string(domain.MessageStatusSent)
	}
	if _, err := g.messages.InsertOne(ctx, doc); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return doc.toDomain(), nil
}

func (g *MongoGateway) FindMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	oid, ok := objectID(id)
	if !ok {
		return domain.Message{}, false, nil
	}
	var doc messageDoc
	err := g.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("find message: %w", err)
	}
	return doc.toDomain(), true, nil
}

func (g *MongoGateway) MarkMessageRead(ctx context.Context, id string) (domain.Message, bool, error) {
	oid, ok := objectID(id)
	if !ok {
		return domain.Message{}, false, nil
	}
	now := time.Now().UTC()
	var doc messageDoc
	err := g.messages.FindOneAndUpdate(ctx,
		bson.M{"_id": oid, "status": bson.M{"$ne": string(domain.MessageStatusRead)}},
		bson.M{"$set": bson.M{"status": string(domain.MessageStatusRead), "readAt": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		msg, _, err := g.FindMessage(ctx, id)
		return msg, false, err
	}
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("mark message read: %w", err)
	}
	return doc.toDomain(), true, nil
}

func (g *MongoGateway) MarkMessagesDelivered(ctx context.Context, ids []string) error {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, ok := objectID(id); ok {
			oids = append(oids, oid)
		}
	}
	if len(oids) == 0 {
		return nil
	}
	_, err := g.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": oids}, "status": string(domain.MessageStatusSent)},
		bson.M{"$set": bson.M{"status": string(domain.MessageStatusDelivered), "deliveredAt": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("mark messages delivered: %w", err)
	}
	return nil
}

func (g *MongoGateway) MarkMessagesRead(ctx context.Context, conversationID string, reader domain.UserID) ([]domain.Message, error) {
	convID, ok := objectID(conversationID)
	if !ok {
		return nil, nil
	}
	filter := bson.M{
		"conversationId": convID,
		"receiver":       string(reader),
		"sender":         bson.M{"$ne": string(reader)},
		"status":         bson.M{"$ne": string(domain.MessageStatusRead)},
	}
	cur, err := g.messages.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find unread messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode unread messages: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	oids := make([]primitive.ObjectID, len(docs))
	for i, d := range docs {
		oids[i] = d.ID
	}
	if _, err := g.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": oids}, "status": bson.M{"$ne": string(domain.MessageStatusRead)}},
		bson.M{"$set": bson.M{"status": string(domain.MessageStatusRead), "readAt": now}},
	); err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}

	out := make([]domain.Message, len(docs))
	for i, d := range docs {
		d.Status = string(domain.MessageStatusRead)
		d.ReadAt = &now
		out[i] = d.toDomain()
	}
	return out, nil
}

func (g *MongoGateway) FindMessagesByConversation(ctx context.Context, conversationID string, page, limit int) ([]domain.Message, error) {
	convID, ok := objectID(conversationID)
	if !ok {
		return []domain.Message{}, nil
	}
	page, limit = normalizePage(page, limit)
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))
	cur, err := g.messages.Find(ctx, bson.M{"conversationId": convID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	out := make([]domain.Message, len(docs))
	for i, d := range docs {
		out[i] = d.toDomain()
	}
	return out, nil
}

func (g *MongoGateway) FindConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	oid, ok := objectID(id)
	if !ok {
		return domain.Conversation{}, false, nil
	}
	var doc conversationDoc
	err := g.conversations.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Conversation{}, false, nil
	}
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("find conversation: %w", err)
	}
	return doc.toDomain(), true, nil
}

func (g *MongoGateway) FindOrCreateDirectConversation(ctx context.Context, a, b domain.UserID) (domain.Conversation, error) {
	pair := domain.DirectParticipants(a, b)
	participants := make([]any, len(pair))
	for i, p := range pair {
		participants[i] = string(p)
	}
	now := time.Now().UTC()

	var doc conversationDoc
	err := g.conversations.FindOneAndUpdate(ctx,
		bson.M{"pairKey": directKey(a, b)},
		bson.M{"$setOnInsert": bson.M{
			"_id":          primitive.NewObjectID(),
			"participants": participants,
			"unread":       bson.M{},
			"createdAt":    now,
			"updatedAt":    now,
		}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("find or create conversation: %w", err)
	}
	return doc.toDomain(), nil
}

func (g *MongoGateway) UpdateConversationLastMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	convID, ok := objectID(conversationID)
	if !ok {
		return nil
	}
	msgID, _ := objectID(msg.ID)
	_, err := g.conversations.UpdateByID(ctx, convID, bson.M{"$set": bson.M{
		"lastMessage": lastMessageDoc{ID: msgID, Text: msg.Content, At: msg.CreatedAt},
		"updatedAt":   time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	return nil
}

// Unread counters are keyed by user id inside one document, so ids are escaped
// to keep dots and dollar signs out of the field path.
var (
	unreadKeyEscaper   = strings.NewReplacer("%", "%25", ".", "%2E", "$", "%24")
	unreadKeyUnescaper = strings.NewReplacer("%2E", ".", "%24", "$", "%25", "%")
)

func unreadKey(user domain.UserID) string { return unreadKeyEscaper.Replace(string(user)) }

func unreadUser(key string) domain.UserID { return domain.UserID(unreadKeyUnescaper.Replace(key)) }

func unreadField(user domain.UserID) string {
	return "unread." + unreadKey(user)
}

func (g *MongoGateway) IncrementUnread(ctx context.Context, conversationID string, user domain.UserID) error {
	convID, ok := objectID(conversationID)
	if !ok {
		return nil
	}
	if _, err := g.conversations.UpdateByID(ctx, convID, bson.M{"$inc": bson.M{unreadField(user): 1}}); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

func (g *MongoGateway) ResetUnread(ctx context.Context, conversationID string, user domain.UserID) error {
	convID, ok := objectID(conversationID)
	if !ok {
		return nil
	}
	if _, err := g.conversations.UpdateByID(ctx, convID, bson.M{"$set": bson.M{unreadField(user): 0}}); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

func (g *MongoGateway) ListConversations(ctx context.Context, user domain.UserID) ([]domain.Conversation, error) {
	filter := bson.M{"participants": string(user)}
	if oid, ok := objectID(string(user)); ok {
		filter = bson.M{"participants": bson.M{"$in": bson.A{string(user), oid}}}
	}
	cur, err := g.conversations.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	out := make([]domain.Conversation, len(docs))
	for i, d := range docs {
		out[i] = d.toDomain()
	}
	return out, nil
}

func (g *MongoGateway) Ping(ctx context.Context) error {
	return g.db.Client().Ping(ctx, nil)
}

func (g *MongoGateway) Close(ctx context.Context) error {
	return g.db.Client().Disconnect(ctx)
}

func (d messageDoc) toDomain() domain.Message {
	sender, _ := identity.Normalize(d.Sender)
	receiver, _ := identity.Normalize(d.Receiver)
	return domain.Message{
		ID:              d.ID.Hex(),
		ConversationID:  d.ConversationID.Hex(),
		SenderID:        sender,
		ReceiverID:      receiver,
		Content:         d.Content,
		FileURL:         d.FileURL,
		Attachments:     d.Attachments,
		Status:          domain.MessageStatus(d.Status),
		ClientMessageID: d.ClientMessageID,
		CreatedAt:       d.CreatedAt,
		DeliveredAt:     d.DeliveredAt,
		ReadAt:          d.ReadAt,
	}
}

func (d conversationDoc) toDomain() domain.Conversation {
	c := domain.Conversation{
		ID:        d.ID.Hex(),
		Unread:    make(map[domain.UserID]int64, len(d.Unread)),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, p := range d.Participants {
		if id, ok := identity.Normalize(p); ok {
			c.Participants = append(c.Participants, id)
		}
	}
	for k, v := range d.Unread {
		c.Unread[unreadUser(k)] = v
	}
	if d.LastMessage != nil {
		at := d.LastMessage.At
		c.LastMessageID = d.LastMessage.ID.Hex()
		c.LastMessageText = d.LastMessage.Text
		c.LastMessageAt = &at
	}
	return c
}
