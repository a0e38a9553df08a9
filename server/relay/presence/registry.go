package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"msg_relay/server/common/log"
	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/wire"
)

// Conn is a live client connection as seen by the relay core.
type Conn interface {
	ID() string
	Send(kind wire.Kind, payload any) error
	Close() error
}

// Mirror publishes presence changes outside the process.
type Mirror interface {
	Online(ctx context.Context, id domain.UserID, connID string) error
	Offline(ctx context.Context, id domain.UserID, connID string) error
	Refresh(ctx context.Context, id domain.UserID) error
	LastSeen(ctx context.Context, id domain.UserID) (time.Time, error)
}

type slot struct {
	conn     Conn
	joinedAt time.Time
	lastSeen time.Time
}

// Registry maps each user to at most one live connection. A newer
// registration for the same user replaces the older one.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[domain.UserID]*slot
	byConn   map[string]domain.UserID
	departed map[domain.UserID]time.Time
	onChange []func()
	mirror   Mirror
	now      func() time.Time
}

type RegistryOption func(*Registry)

func WithMirror(m Mirror) RegistryOption {
	return func(r *Registry) { r.mirror = m }
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byUser:   map[domain.UserID]*slot{},
		byConn:   map[string]domain.UserID{},
		departed: map[domain.UserID]time.Time{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange registers fn to run after every membership change. It must be
// called before the registry is shared.
func (r *Registry) OnChange(fn func()) {
	r.onChange = append(r.onChange, fn)
}

// Register associates conn with id and returns the connection it replaced,
// if any. The caller owns closing the replaced connection.
func (r *Registry) Register(id domain.UserID, conn Conn) Conn {
	now := r.now()

	r.mu.Lock()
	var replaced Conn
	if prev, ok := r.byUser[id]; ok && prev.conn != conn {
		replaced = prev.conn
		delete(r.byConn, prev.conn.ID())
	}
	// A connection re-joining under a different identity leaves its old one.
	var left domain.UserID
	if oldID, ok := r.byConn[conn.ID()]; ok && oldID != id {
		if s, ok := r.byUser[oldID]; ok && s.conn == conn {
			delete(r.byUser, oldID)
			r.departed[oldID] = now
			left = oldID
		}
	}
	r.byUser[id] = &slot{conn: conn, joinedAt: now, lastSeen: now}
	r.byConn[conn.ID()] = id
	delete(r.departed, id)
	r.mu.Unlock()

	if left != "" {
		r.mirrorOffline(left, conn.ID())
	}
	r.mirrorOnline(id, conn.ID())
	r.changed()
	return replaced
}

// Unregister removes id only if it is still bound to conn, so a stale
// disconnect cannot evict a newer connection.
func (r *Registry) Unregister(id domain.UserID, conn Conn) bool {
	r.mu.Lock()
	s, ok := r.byUser[id]
	if !ok || s.conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.byUser, id)
	delete(r.byConn, conn.ID())
	r.departed[id] = r.now()
	r.mu.Unlock()

	r.mirrorOffline(id, conn.ID())
	r.changed()
	return true
}

// UnregisterByHandle is Unregister keyed by the connection alone.
func (r *Registry) UnregisterByHandle(conn Conn) (domain.UserID, bool) {
	r.mu.RLock()
	id, ok := r.byConn[conn.ID()]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !r.Unregister(id, conn) {
		return "", false
	}
	return id, true
}

func (r *Registry) Lookup(id domain.UserID) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[id]
	if !ok {
		return nil, false
	}
	return s.conn, true
}

// IdentityOf returns the user conn is currently registered under.
func (r *Registry) IdentityOf(conn Conn) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	if s := r.byUser[id]; s == nil || s.conn != conn {
		return "", false
	}
	return id, true
}

func (r *Registry) IsOnline(id domain.UserID) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Touch refreshes the last-seen time of id without triggering a broadcast.
func (r *Registry) Touch(id domain.UserID) {
	now := r.now()
	r.mu.Lock()
	s, ok := r.byUser[id]
	if ok {
		s.lastSeen = now
	}
	r.mu.Unlock()
	if ok {
		r.mirrorRefresh(id)
	}
}

// LastSeen reports whether id is online and when it was last seen. Users
// that left this process are answered locally; others fall back to the
// mirror. A zero time means never seen.
func (r *Registry) LastSeen(ctx context.Context, id domain.UserID) (time.Time, bool, error) {
	r.mu.RLock()
	if s, ok := r.byUser[id]; ok {
		at := s.lastSeen
		r.mu.RUnlock()
		return at, true, nil
	}
	at, ok := r.departed[id]
	r.mu.RUnlock()
	if ok || r.mirror == nil {
		return at, false, nil
	}
	at, err := r.mirror.LastSeen(ctx, id)
	return at, false, err
}

func (r *Registry) Snapshot() domain.PresenceSnapshot {
	r.mu.RLock()
	users := make([]domain.PresenceEntry, 0, len(r.byUser))
	for id, s := range r.byUser {
		users = append(users, domain.PresenceEntry{UserID: id, LastSeen: s.lastSeen})
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return domain.PresenceSnapshot{Users: users, GeneratedAt: r.now()}
}

func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.byUser))
	for _, s := range r.byUser {
		conns = append(conns, s.conn)
	}
	return conns
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) changed() {
	for _, fn := range r.onChange {
		fn()
	}
}

func (r *Registry) mirrorOnline(id domain.UserID, connID string) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.Online(ctx, id, connID); err != nil {
		log.Warnf("event=presence_mirror action=online status=failed user_id=%s error=%v", id, err)
	}
}

func (r *Registry) mirrorRefresh(id domain.UserID) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.Refresh(ctx, id); err != nil {
		log.Debugf("event=presence_mirror action=refresh status=failed user_id=%s error=%v", id, err)
	}
}

func (r *Registry) mirrorOffline(id domain.UserID, connID string) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.Offline(ctx, id, connID); err != nil {
		log.Warnf("event=presence_mirror action=offline status=failed user_id=%s error=%v", id, err)
	}
}
