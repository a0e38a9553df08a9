package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"msg_relay/server/common/log"
	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/identity"
	"msg_relay/server/relay/presence"
	"msg_relay/server/relay/wire"
)

const DefaultTypingTTL = 3 * time.Second

type ConnState int

const (
	StateUnknown ConnState = iota
	StateConnecting
	StateJoined
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type typingKey struct {
	from domain.UserID
	to   domain.UserID
}

// Lifecycle owns the per-connection state machine and dispatches decoded
// client frames to the router and the receipt propagator.
type Lifecycle struct {
	registry  *presence.Registry
	router    *Router
	receipts  *Receipts
	typingTTL time.Duration
	now       func() time.Time

	mu     sync.Mutex
	states map[string]ConnState
	typing map[typingKey]*time.Timer
}

func NewLifecycle(registry *presence.Registry, router *Router, receipts *Receipts, typingTTL time.Duration) *Lifecycle {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	return &Lifecycle{
		registry:  registry,
		router:    router,
		receipts:  receipts,
		typingTTL: typingTTL,
		now:       time.Now,
		states:    map[string]ConnState{},
		typing:    map[typingKey]*time.Timer{},
	}
}

func (l *Lifecycle) setState(conn presence.Conn, s ConnState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s == StateDisconnected {
		delete(l.states, conn.ID())
		return
	}
	l.states[conn.ID()] = s
}

func (l *Lifecycle) State(conn presence.Conn) ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[conn.ID()]; ok {
		return s
	}
	return StateDisconnected
}

// Open records a freshly accepted connection.
func (l *Lifecycle) Open(conn presence.Conn) {
	l.setState(conn, StateConnecting)
	log.Debugf("event=relay_conn action=open status=ok conn_id=%s", conn.ID())
}

// Join binds conn to the identity in raw. A connection that fails to
// normalize stays unassociated and receives an error event.
func (l *Lifecycle) Join(conn presence.Conn, raw any) (domain.UserID, error) {
	id, err := identity.MustNormalize(raw)
	if err != nil {
		sendError(conn, err, "")
		log.Warnf("event=relay_conn action=join status=rejected conn_id=%s error=%v", conn.ID(), err)
		return "", err
	}

	previous, rejoined := l.registry.IdentityOf(conn)
	if replaced := l.registry.Register(id, conn); replaced != nil {
		l.setState(replaced, StateDisconnected)
		if err := replaced.Close(); err != nil {
			log.Debugf("event=relay_conn action=close_replaced status=failed conn_id=%s error=%v", replaced.ID(), err)
		}
		log.Infof("event=relay_conn action=join status=replaced user_id=%s old_conn_id=%s conn_id=%s", id, replaced.ID(), conn.ID())
	}
	if rejoined && previous != id {
		l.clearTyping(previous)
		log.Infof("event=relay_conn action=join status=identity_changed old_user_id=%s user_id=%s conn_id=%s", previous, id, conn.ID())
	}
	l.setState(conn, StateJoined)
	if err := conn.Send(wire.KindJoined, wire.Joined{UserID: string(id), ConnectionID: conn.ID()}); err != nil {
		log.Warnf("event=relay_conn action=join_ack status=failed user_id=%s error=%v", id, err)
	}
	log.Infof("event=relay_conn action=join status=ok user_id=%s conn_id=%s", id, conn.ID())
	return id, nil
}

// Disconnect releases conn. The registry entry is removed only while it still
// points at conn; typing indicators the user left running are cleared.
func (l *Lifecycle) Disconnect(conn presence.Conn) {
	l.setState(conn, StateDisconnected)
	id, ok := l.registry.UnregisterByHandle(conn)
	if !ok {
		log.Debugf("event=relay_conn action=disconnect status=stale conn_id=%s", conn.ID())
		return
	}
	l.clearTyping(id)
	log.Infof("event=relay_conn action=disconnect status=ok user_id=%s conn_id=%s", id, conn.ID())
}

func (l *Lifecycle) identityOf(conn presence.Conn) (domain.UserID, bool) {
	return l.registry.IdentityOf(conn)
}

// Typing forwards a typing indicator to the receiver. A started indicator is
// stopped by the server after the typing TTL unless refreshed.
func (l *Lifecycle) Typing(conn presence.Conn, req wire.Typing) error {
	from, ok := l.identityOf(conn)
	if !ok {
		return domain.ErrNotJoined
	}
	to, ok := identity.Normalize(req.Receiver())
	if !ok {
		return fmt.Errorf("%w: receiver", domain.ErrInvalidIdentity)
	}
	key := typingKey{from: from, to: to}

	l.mu.Lock()
	if t, ok := l.typing[key]; ok {
		t.Stop()
		delete(l.typing, key)
	}
	if req.IsTyping {
		l.typing[key] = time.AfterFunc(l.typingTTL, func() { l.expireTyping(key, req.ConversationID) })
	}
	l.mu.Unlock()

	l.sendTyping(key, req.ConversationID, req.IsTyping)
	return nil
}

func (l *Lifecycle) expireTyping(key typingKey, conversationID string) {
	l.mu.Lock()
	if _, ok := l.typing[key]; !ok {
		l.mu.Unlock()
		return
	}
	delete(l.typing, key)
	l.mu.Unlock()
	l.sendTyping(key, conversationID, false)
}

func (l *Lifecycle) clearTyping(from domain.UserID) {
	l.mu.Lock()
	var stopped []typingKey
	for key, t := range l.typing {
		if key.from == from {
			t.Stop()
			delete(l.typing, key)
			stopped = append(stopped, key)
		}
	}
	l.mu.Unlock()
	for _, key := range stopped {
		l.sendTyping(key, "", false)
	}
}

func (l *Lifecycle) sendTyping(key typingKey, conversationID string, isTyping bool) {
	conn, ok := l.registry.Lookup(key.to)
	if !ok {
		return
	}
	payload := wire.UserTyping{UserID: string(key.from), ReceiverID: string(key.to), ConversationID: conversationID, IsTyping: isTyping}
	if err := conn.Send(wire.KindUserTyping, payload); err != nil {
		log.Debugf("event=relay_typing action=send status=failed receiver_id=%s error=%v", key.to, err)
	}
}

// Ping answers with pong and refreshes the caller's last-seen time.
func (l *Lifecycle) Ping(conn presence.Conn) {
	if id, ok := l.identityOf(conn); ok {
		l.registry.Touch(id)
	}
	_ = conn.Send(wire.KindPong, wire.Pong{At: l.now().UTC()})
}

// Handle decodes one client frame and dispatches it. A panic while handling a
// frame is logged and reported to that connection only.
func (l *Lifecycle) Handle(ctx context.Context, conn presence.Conn, frame []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Exceptionf("event=relay_conn action=handle status=panic conn_id=%s panic=%v stack=%s", conn.ID(), rec, debug.Stack())
			sendError(conn, errors.New("internal error"), "")
		}
	}()

	in, err := wire.Decode(frame)
	if err != nil {
		sendError(conn, fmt.Errorf("%w: %w", domain.ErrBadRequest, err), "")
		return
	}

	switch in.Kind {
	case wire.KindJoin:
		var req wire.Join
		if err := in.Bind(&req); err != nil {
			sendError(conn, err, "")
			return
		}
		_, _ = l.Join(conn, req.Identity)
	case wire.KindSendMessage:
		var req wire.SendMessage
		if err := in.Bind(&req); err != nil {
			sendError(conn, err, "")
			return
		}
		l.handleSend(ctx, conn, req)
	case wire.KindMarkRead:
		var req wire.MarkRead
		if err := in.Bind(&req); err != nil {
			sendError(conn, err, "")
			return
		}
		l.handleMarkRead(ctx, conn, req)
	case wire.KindTyping:
		var req wire.Typing
		if err := in.Bind(&req); err != nil {
			sendError(conn, err, "")
			return
		}
		if err := l.Typing(conn, req); err != nil {
			sendError(conn, err, "")
		}
	case wire.KindPing:
		l.Ping(conn)
	}
}

// handleSend binds the sender to the connection's joined identity. A
// connection that has not joined yet is joined implicitly as the claimed
// sender.
func (l *Lifecycle) handleSend(ctx context.Context, conn presence.Conn, req wire.SendMessage) {
	if id, ok := l.identityOf(conn); ok {
		req.SenderID = string(id)
	} else if _, err := l.Join(conn, req.SenderID); err != nil {
		return
	}
	res := l.router.Submit(ctx, req)
	if res.Err != nil {
		sendError(conn, res.Err, req.ClientID())
	}
}

func (l *Lifecycle) handleMarkRead(ctx context.Context, conn presence.Conn, req wire.MarkRead) {
	reader, ok := l.identityOf(conn)
	if !ok {
		sendError(conn, domain.ErrNotJoined, "")
		return
	}
	if _, err := l.receipts.MarkRead(ctx, reader, req); err != nil {
		sendError(conn, err, req.MessageID)
	}
}

func sendError(conn presence.Conn, err error, ref string) {
	if sendErr := conn.Send(wire.KindError, wire.NewError(err, ref)); sendErr != nil {
		log.Debugf("event=relay_conn action=send_error status=failed conn_id=%s error=%v", conn.ID(), sendErr)
	}
}
