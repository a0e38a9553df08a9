package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonauth "msg_relay/server/common/auth"
	"msg_relay/server/relay/dedup"
	"msg_relay/server/relay/presence"
	"msg_relay/server/relay/service"
	"msg_relay/server/relay/store"
	"msg_relay/server/relay/wire"
)

type testEnv struct {
	srv    *httptest.Server
	auth   *commonauth.Service
	router *service.Router
	reg    *presence.Registry
}

func newTestEnv(t *testing.T, requireToken bool) *testEnv {
	t.Helper()
	return newTestEnvWith(t, Options{StoreDriver: "memory", RequireToken: requireToken})
}

func newTestEnvWith(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gw := store.NewMemoryGateway()
	reg := presence.NewRegistry()
	router := service.NewRouter(gw, reg, dedup.NewWindow(time.Minute))
	receipts := service.NewReceipts(gw, reg, nil)
	lifecycle := service.NewLifecycle(reg, router, receipts, time.Second)
	auth := commonauth.NewService("test-secret", 5)

	h := NewHandler(lifecycle, receipts, service.NewHistory(gw, nil), reg, gw, auth, opts)
	r := gin.New()
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, auth: auth, router: router, reg: reg}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.auth.GenerateToken(userID, "")
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) do(t *testing.T, method, path, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(wire.Envelope{Event: event, Data: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readEvent skips frames until one named event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var env wire.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env.Data
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	resp, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","store":"memory"}`, string(body))
}

func TestWebSocketJoinAndDeliver(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.dial(t, "")
	b := env.dial(t, "")

	writeEvent(t, a, "join", map[string]any{"userId": "a"})
	readEvent(t, a, string(wire.KindJoined))
	writeEvent(t, b, "join", "b")
	readEvent(t, b, string(wire.KindJoined))

	writeEvent(t, a, "sendMessage", map[string]any{"receiverId": "b", "content": "hello", "tempId": "t-1"})

	var view wire.MessageView
	require.NoError(t, json.Unmarshal(readEvent(t, b, string(wire.KindReceiveMessage)), &view))
	assert.Equal(t, "hello", view.Content)
	assert.Equal(t, "a", view.SenderID)

	var alias wire.MessageView
	require.NoError(t, json.Unmarshal(readEvent(t, b, "message"), &alias))
	assert.Equal(t, view.ID, alias.ID)

	var echo wire.MessageView
	require.NoError(t, json.Unmarshal(readEvent(t, a, string(wire.KindReceiveMessage)), &echo))
	assert.True(t, echo.IsEcho)
	assert.Equal(t, "t-1", echo.TempID)
}

func TestWebSocketTokenPreJoins(t *testing.T) {
	env := newTestEnv(t, true)
	conn := env.dial(t, "?token="+env.token(t, "u1"))

	var joined wire.Joined
	require.NoError(t, json.Unmarshal(readEvent(t, conn, string(wire.KindJoined)), &joined))
	assert.Equal(t, "u1", joined.UserID)
	assert.True(t, env.reg.IsOnline("u1"))
}

func TestWebSocketRejectsMissingOrBadToken(t *testing.T) {
	env := newTestEnv(t, true)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketDisconnectGoesOffline(t *testing.T) {
	env := newTestEnv(t, false)
	conn := env.dial(t, "?token="+env.token(t, "u1"))
	readEvent(t, conn, string(wire.KindJoined))
	require.True(t, env.reg.IsOnline("u1"))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !env.reg.IsOnline("u1") }, 2*time.Second, 10*time.Millisecond)
}

func TestRESTRequiresToken(t *testing.T) {
	env := newTestEnv(t, false)
	resp, _ := env.do(t, http.MethodGet, "/api/v1/conversations", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRESTConversationFlow(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	var convID string
	for _, body := range []string{"one", "two"} {
		s := body
		res := env.router.Submit(ctx, wire.SendMessage{SenderID: "a", ReceiverID: "b", Content: &s})
		require.NoError(t, res.Err)
		convID = res.Message.ConversationID
	}
	tokB := env.token(t, "b")

	resp, body := env.do(t, http.MethodGet, "/api/v1/conversations", tokB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var convs struct {
		Items []struct {
			ID     string           `json:"id"`
			Unread map[string]int64 `json:"unread"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &convs))
	require.Len(t, convs.Items, 1)
	assert.Equal(t, convID, convs.Items[0].ID)
	assert.Equal(t, int64(2), convs.Items[0].Unread["b"])

	resp, body = env.do(t, http.MethodGet, "/api/v1/conversations/"+convID+"/messages?limit=1", tokB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Items []wire.MessageView `json:"items"`
		Limit int                `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "two", page.Items[0].Content)
	assert.Equal(t, 1, page.Limit)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/conversations/"+convID+"/messages?page=0", tokB)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/conversations/"+convID+"/messages", env.token(t, "mallory"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/conversations/missing/messages", tokB)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/read", tokB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true,"updated":2}`, string(body))
}

func TestRESTPresence(t *testing.T) {
	env := newTestEnv(t, false)
	conn := env.dial(t, "?token="+env.token(t, "u1"))
	readEvent(t, conn, string(wire.KindJoined))

	resp, body := env.do(t, http.MethodGet, "/api/v1/presence", env.token(t, "u2"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap wire.Presence
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, []string{"u1"}, snap.Users)
}

func TestRESTUserPresence(t *testing.T) {
	env := newTestEnv(t, false)
	tok := env.token(t, "u2")
	conn := env.dial(t, "?token="+env.token(t, "u1"))
	readEvent(t, conn, string(wire.KindJoined))

	resp, body := env.do(t, http.MethodGet, "/api/v1/presence/u1", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p wire.UserPresence
	require.NoError(t, json.Unmarshal(body, &p))
	assert.True(t, p.Online)
	require.NotNil(t, p.LastSeen)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !env.reg.IsOnline("u1") }, 2*time.Second, 10*time.Millisecond)
	_, body = env.do(t, http.MethodGet, "/api/v1/presence/u1", tok)
	require.NoError(t, json.Unmarshal(body, &p))
	assert.False(t, p.Online)
	assert.NotNil(t, p.LastSeen)

	_, body = env.do(t, http.MethodGet, "/api/v1/presence/ghost", tok)
	assert.JSONEq(t, `{"userId":"ghost","online":false}`, string(body))

	resp, _ = env.do(t, http.MethodGet, "/api/v1/presence/%20", tok)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketOriginAllowList(t *testing.T) {
	env := newTestEnvWith(t, Options{StoreDriver: "memory", AllowedOrigins: []string{"https://chat.example.com/"}})
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://chat.example.com"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestWebSocketRateLimit(t *testing.T) {
	env := newTestEnvWith(t, Options{StoreDriver: "memory", RateLimit: 0.001, RateBurst: 1})
	conn := env.dial(t, "?token="+env.token(t, "u1"))
	readEvent(t, conn, string(wire.KindJoined))

	writeEvent(t, conn, "ping", struct{}{})
	readEvent(t, conn, string(wire.KindPong))

	writeEvent(t, conn, "ping", struct{}{})
	var e wire.Error
	require.NoError(t, json.Unmarshal(readEvent(t, conn, string(wire.KindError)), &e))
	assert.Equal(t, "rate_limited", e.Code)
	assert.True(t, env.reg.IsOnline("u1"))
}
