package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"msg_relay/server/common/log"
	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/service"
	"msg_relay/server/relay/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

func newUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// wsConn adapts a gorilla websocket to presence.Conn. Writes go through a
// buffered queue drained by writePump so a slow peer never blocks the sender.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

// newWSConn wraps ws. A nil limiter accepts every inbound frame.
func newWSConn(id string, ws *websocket.Conn, limiter *rate.Limiter) *wsConn {
	return &wsConn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: limiter,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(kind wire.Kind, payload any) error {
	frames, err := wire.Encode(kind, payload)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		select {
		case <-c.done:
			return errConnClosed
		default:
		}
		select {
		case c.send <- frame:
		case <-c.done:
			return errConnClosed
		default:
			return errSendBufferFull
		}
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) readPump(ctx context.Context, lifecycle *service.Lifecycle) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warnf("event=relay_ws action=read status=failed conn_id=%s error=%v", c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.limiter != nil && !c.limiter.Allow() {
			log.Debugf("event=relay_ws action=read status=rate_limited conn_id=%s", c.id)
			_ = c.Send(wire.KindError, wire.Error{Code: domain.ErrorCodeRateLimited, Message: domain.ErrRateLimited.Error()})
			continue
		}
		lifecycle.Handle(ctx, c, raw)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debugf("event=relay_ws action=write status=failed conn_id=%s error=%v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
