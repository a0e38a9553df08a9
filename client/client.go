package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"msg_relay/server/common/log"
	"msg_relay/server/relay/wire"
)

const (
	defaultPingInterval   = 25 * time.Second
	defaultMaxRetries     = 10
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	writeWait             = 10 * time.Second
)

var ErrNotConnected = errors.New("client is not connected")

type Options struct {
	URL    string
	Token  string
	UserID string

	PingInterval   time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Retry          RetryPolicy
	Dialer         *websocket.Dialer
}

// Handlers receive server events. A server may send an event under its
// canonical name, one of the older alias names, or both; each logical event
// reaches a handler once.
type Handlers struct {
	OnMessage    func(wire.MessageView)
	OnSendState  func(Entry)
	OnRead       func(wire.MessagesRead)
	OnPresence   func(wire.Presence)
	OnTyping     func(wire.UserTyping)
	OnError      func(wire.Error)
	OnConnect    func()
	OnDisconnect func(error)
}

// Client keeps one websocket session alive, re-joining with the stored
// identity after every reconnect and replaying unacknowledged sends.
type Client struct {
	opts     Options
	handlers Handlers
	outbox   *Outbox
	seen     *recentKeys

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed bool
}

func New(opts Options, handlers Handlers) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	c := &Client{opts: opts, handlers: handlers, seen: newRecentKeys(seenCapacity)}
	c.outbox = NewOutbox(opts.Retry, func(req wire.SendMessage) error {
		return c.write(wire.KindSendMessage, req)
	})
	c.outbox.OnChange(handlers.OnSendState)
	return c
}

func (c *Client) Outbox() *Outbox { return c.outbox }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and serves until ctx is cancelled, Close is called, or the
// reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		log.Warnf("event=relay_client action=disconnect status=reconnecting user_id=%s error=%v", c.opts.UserID, err)
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(err)
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.InitialBackoff
	exp.MaxInterval = c.opts.MaxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, c.opts.MaxRetries), ctx)

	var conn *websocket.Conn
	op := func() error {
		ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(fmt.Errorf("dial %s: unauthorized", c.opts.URL))
			}
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Infof("event=relay_client action=dial status=retry user_id=%s wait_ms=%d error=%v", c.opts.UserID, wait.Milliseconds(), err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	sessionCtx, stop := context.WithCancel(ctx)
	defer func() {
		stop()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	if c.opts.UserID != "" {
		if err := c.write(wire.KindJoin, map[string]string{"userId": c.opts.UserID}); err != nil {
			return err
		}
	}
	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}
	if n := c.outbox.Resume(); n > 0 {
		log.Infof("event=relay_client action=resume status=ok user_id=%s pending=%d", c.opts.UserID, n)
	}
	go c.keepAlive(sessionCtx)

	readTimeout := 2*c.opts.PingInterval + writeWait
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(frame)
	}
}

func (c *Client) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(wire.KindPing, struct{}{}); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(frame []byte) {
	kind, data, _, err := wire.ParseOutbound(frame)
	if err != nil {
		log.Debugf("event=relay_client action=parse status=skipped error=%v", err)
		return
	}
	switch kind {
	case wire.KindReceiveMessage:
		var v wire.MessageView
		if decode(data, &v) && c.seen.Add(messageKey(v)) {
			if v.IsEcho {
				c.outbox.Ack(v)
			}
			if c.handlers.OnMessage != nil {
				c.handlers.OnMessage(v)
			}
		}
	case wire.KindMessageStatus:
		var v wire.MessageStatus
		if decode(data, &v) && c.seen.Add("s|"+v.MessageID+"|"+v.ClientMessageID+"|"+string(v.Status)) {
			c.outbox.UpdateStatus(v)
		}
	case wire.KindMessagesRead:
		var v wire.MessagesRead
		if decode(data, &v) && c.seen.Add(readKey(v)) {
			c.outbox.MarkRead(v)
			if c.handlers.OnRead != nil {
				c.handlers.OnRead(v)
			}
		}
	case wire.KindPresence:
		var v wire.Presence
		if decode(data, &v) && c.seen.Add("p|"+string(data)) && c.handlers.OnPresence != nil {
			c.handlers.OnPresence(v)
		}
	case wire.KindUserTyping:
		var v wire.UserTyping
		if decode(data, &v) && c.handlers.OnTyping != nil {
			c.handlers.OnTyping(v)
		}
	case wire.KindError:
		var v wire.Error
		if decode(data, &v) {
			c.outbox.Reject(v)
			if c.handlers.OnError != nil {
				c.handlers.OnError(v)
			}
		}
	}
}

func messageKey(v wire.MessageView) string {
	id := v.ID
	if id == "" {
		id = v.ClientMessageID
	}
	return "m|" + id + "|" + strconv.FormatBool(v.IsEcho) + "|" + string(v.Status)
}

func readKey(v wire.MessagesRead) string {
	return "r|" + v.ConversationID + "|" + v.ReaderID + "|" + v.ReadAt.UTC().Format(time.RFC3339Nano) + "|" + strings.Join(v.MessageIDs, ",")
}

func decode(data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Debugf("event=relay_client action=decode status=failed error=%v", err)
		return false
	}
	return true
}

// Send tracks the message as pending and writes it. A write failure leaves
// the entry pending; it is replayed after the next reconnect.
func (c *Client) Send(receiverID, content string) Entry {
	body := content
	entry := c.outbox.Track(wire.SendMessage{
		SenderID:   c.opts.UserID,
		ReceiverID: receiverID,
		Content:    &body,
	})
	if err := c.write(wire.KindSendMessage, entry.Request); err != nil {
		log.Debugf("event=relay_client action=send status=deferred client_message_id=%s error=%v", entry.ClientMessageID, err)
	}
	return entry
}

func (c *Client) MarkRead(conversationID string) error {
	return c.write(wire.KindMarkRead, wire.MarkRead{ConversationID: conversationID})
}

func (c *Client) Typing(receiverID string, isTyping bool) error {
	return c.write(wire.KindTyping, wire.Typing{ReceiverID: receiverID, IsTyping: isTyping})
}

func (c *Client) write(kind wire.Kind, payload any) error {
	frame, err := wire.EncodeRequest(kind, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close ends Run and stops pending retries.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.outbox.Close()
}
