package presence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"msg_relay/server/relay/domain"
)

const (
	presenceKeyPrefix = "relay:presence:"
	lastSeenKeyPrefix = "relay:lastseen:"
	presenceTTL       = 3 * time.Minute
	lastSeenTTL       = 7 * 24 * time.Hour
	mirrorTimeout     = 2 * time.Second
)

type mirrorRecord struct {
	UserID   string    `json:"user_id"`
	ConnID   string    `json:"conn_id"`
	NodeID   string    `json:"node_id"`
	OnlineAt time.Time `json:"online_at"`
}

// RedisMirror keeps a per-user presence key in redis so other processes can
// answer "is this user online" without asking the relay.
type RedisMirror struct {
	client *redis.Client
	nodeID string
}

func NewRedisMirror(client *redis.Client, nodeID string) *RedisMirror {
	return &RedisMirror{client: client, nodeID: nodeID}
}

func presenceKey(id domain.UserID) string { return presenceKeyPrefix + string(id) }

func lastSeenKey(id domain.UserID) string { return lastSeenKeyPrefix + string(id) }

func (m *RedisMirror) Online(ctx context.Context, id domain.UserID, connID string) error {
	data, err := json.Marshal(mirrorRecord{UserID: string(id), ConnID: connID, NodeID: m.nodeID, OnlineAt: time.Now()})
	if err != nil {
		return err
	}
	return m.client.Set(ctx, presenceKey(id), data, presenceTTL).Err()
}

// Offline removes the presence key only when it still belongs to connID, so a
// late disconnect cannot mark a reconnected user offline.
func (m *RedisMirror) Offline(ctx context.Context, id domain.UserID, connID string) error {
	raw, err := m.client.Get(ctx, presenceKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	var rec mirrorRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return err
	}
	if rec.ConnID != connID || rec.NodeID != m.nodeID {
		return nil
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, lastSeenKey(id), time.Now().Unix(), lastSeenTTL)
	pipe.Del(ctx, presenceKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

// Refresh extends the presence TTL for id.
func (m *RedisMirror) Refresh(ctx context.Context, id domain.UserID) error {
	return m.client.Expire(ctx, presenceKey(id), presenceTTL).Err()
}

// LastSeen returns the unix time id was last seen going offline, or zero.
func (m *RedisMirror) LastSeen(ctx context.Context, id domain.UserID) (time.Time, error) {
	sec, err := m.client.Get(ctx, lastSeenKey(id)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}
