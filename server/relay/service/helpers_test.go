package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"msg_relay/server/relay/dedup"
	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/presence"
	"msg_relay/server/relay/store"
	"msg_relay/server/relay/wire"
)

type sentEvent struct {
	kind    wire.Kind
	payload any
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []sentEvent
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(kind wire.Kind, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.events = append(c.events, sentEvent{kind: kind, payload: payload})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) all(kind wire.Kind) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, e := range c.events {
		if e.kind == kind {
			out = append(out, e.payload)
		}
	}
	return out
}

func (c *fakeConn) count(kind wire.Kind) int {
	return len(c.all(kind))
}

func (c *fakeConn) statuses() []domain.MessageStatus {
	var out []domain.MessageStatus
	for _, p := range c.all(wire.KindMessageStatus) {
		out = append(out, p.(wire.MessageStatus).Status)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// flakyGateway fails SaveMessage while failing is set.
type flakyGateway struct {
	*store.MemoryGateway
	failing atomic.Bool
	saves   atomic.Int32
}

func (g *flakyGateway) SaveMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if g.failing.Load() {
		return domain.Message{}, errors.New("connection refused")
	}
	g.saves.Add(1)
	return g.MemoryGateway.SaveMessage(ctx, msg)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == key {
			n++
		}
	}
	return n
}

type harness struct {
	gw        *flakyGateway
	registry  *presence.Registry
	router    *Router
	receipts  *Receipts
	lifecycle *Lifecycle
	publisher *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := &flakyGateway{MemoryGateway: store.NewMemoryGateway()}
	reg := presence.NewRegistry()
	pub := &recordingPublisher{}
	router := NewRouter(gw, reg, dedup.NewWindow(time.Hour), WithPublisher(pub))
	receipts := NewReceipts(gw, reg, pub)
	return &harness{
		gw:        gw,
		registry:  reg,
		router:    router,
		receipts:  receipts,
		lifecycle: NewLifecycle(reg, router, receipts, 50*time.Millisecond),
		publisher: pub,
	}
}

func (h *harness) join(t *testing.T, id string) *fakeConn {
	t.Helper()
	conn := newFakeConn("conn-" + id)
	h.lifecycle.Open(conn)
	if _, err := h.lifecycle.Join(conn, id); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	conn.reset()
	return conn
}

func text(s string) *string { return &s }

func send(from, to, body, clientID string) wire.SendMessage {
	return wire.SendMessage{SenderID: from, ReceiverID: to, Content: text(body), ClientMessageID: clientID}
}
