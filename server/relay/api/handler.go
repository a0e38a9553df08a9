package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	commonauth "msg_relay/server/common/auth"
	"msg_relay/server/common/log"
	"msg_relay/server/common/middleware"
	"msg_relay/server/common/transport/httpresp"
	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/identity"
	"msg_relay/server/relay/presence"
	"msg_relay/server/relay/service"
	"msg_relay/server/relay/store"
	"msg_relay/server/relay/wire"
)

const healthTimeout = 2 * time.Second

type Handler struct {
	lifecycle    *service.Lifecycle
	receipts     *service.Receipts
	history      *service.History
	registry     *presence.Registry
	store        store.Gateway
	storeDriver  string
	auth         *commonauth.Service
	requireToken bool
	upgrader     websocket.Upgrader
	rateLimit    rate.Limit
	rateBurst    int
}

type Options struct {
	StoreDriver  string
	RequireToken bool

	// AllowedOrigins limits websocket upgrades by Origin header. Empty
	// accepts any origin.
	AllowedOrigins []string

	// RateLimit caps inbound websocket events per second for each
	// connection, with bursts up to RateBurst. Zero disables the cap.
	RateLimit float64
	RateBurst int
}

func NewHandler(
	lifecycle *service.Lifecycle,
	receipts *service.Receipts,
	history *service.History,
	registry *presence.Registry,
	gw store.Gateway,
	auth *commonauth.Service,
	opts Options,
) *Handler {
	return &Handler{
		lifecycle:    lifecycle,
		receipts:     receipts,
		history:      history,
		registry:     registry,
		store:        gw,
		storeDriver:  opts.StoreDriver,
		auth:         auth,
		requireToken: opts.RequireToken,
		upgrader:     newUpgrader(opts.AllowedOrigins),
		rateLimit:    rate.Limit(opts.RateLimit),
		rateBurst:    opts.RateBurst,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/ws", h.handleWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.GET("/conversations", h.listConversations)
		api.GET("/conversations/:id/messages", h.listMessages)
		api.POST("/conversations/:id/read", h.markRead)
		api.GET("/presence", h.presenceSnapshot)
		api.GET("/presence/:id", h.userPresence)
	}
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		log.Warnf("event=relay_health action=ping status=failed store=%s error=%v", h.storeDriver, err)
		c.JSON(http.StatusServiceUnavailable, httpresp.NewHealthResponse("degraded", h.storeDriver))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewHealthResponse("ok", h.storeDriver))
}

// handleWS upgrades the request. A valid token pre-joins the connection as
// its subject; without one the client must send a join event.
func (h *Handler) handleWS(c *gin.Context) {
	var userID string
	if token := middleware.BearerToken(c); token != "" {
		id, err := h.auth.ParseUserID(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		userID = id
	} else if h.requireToken {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("event=relay_ws action=upgrade status=failed remote=%s error=%v", c.ClientIP(), err)
		return
	}
	conn := newWSConn(uuid.NewString(), ws, h.newLimiter())
	h.lifecycle.Open(conn)
	if userID != "" {
		_, _ = h.lifecycle.Join(conn, userID)
	}

	go conn.writePump()
	conn.readPump(c.Request.Context(), h.lifecycle)
	h.lifecycle.Disconnect(conn)
	_ = conn.Close()
}

func (h *Handler) newLimiter() *rate.Limiter {
	if h.rateLimit <= 0 {
		return nil
	}
	burst := h.rateBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(h.rateLimit, burst)
}

func (h *Handler) listConversations(c *gin.Context) {
	reader, ok := readerFromContext(c)
	if !ok {
		return
	}
	items, err := h.history.Conversations(c.Request.Context(), reader)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewListResponse(items, 0, 0))
}

func (h *Handler) listMessages(c *gin.Context) {
	reader, ok := readerFromContext(c)
	if !ok {
		return
	}
	page, okPage := positiveQuery(c, "page", 1)
	limit, okLimit := positiveQuery(c, "limit", store.DefaultPageLimit)
	if !okPage || !okLimit {
		c.JSON(http.StatusBadRequest, httpresp.NewCodedErrorResponse(httpresp.ErrInvalidPagination, domain.ErrorCodeBadRequest))
		return
	}
	if limit > store.MaxPageLimit {
		limit = store.MaxPageLimit
	}
	items, err := h.history.Messages(c.Request.Context(), reader, c.Param("id"), page, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewListResponse(items, page, limit))
}

func (h *Handler) markRead(c *gin.Context) {
	reader, ok := readerFromContext(c)
	if !ok {
		return
	}
	var req struct {
		MessageID string `json:"messageId"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, httpresp.NewCodedErrorResponse(err.Error(), domain.ErrorCodeBadRequest))
			return
		}
	}
	conversationID := c.Param("id")
	if err := h.history.Authorize(c.Request.Context(), reader, conversationID); err != nil {
		writeError(c, err)
		return
	}
	target := wire.MarkRead{ConversationID: conversationID}
	if req.MessageID != "" {
		target = wire.MarkRead{MessageID: req.MessageID}
	}
	n, err := h.receipts.MarkRead(c.Request.Context(), reader, target)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewReadResponse(n))
}

func (h *Handler) presenceSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, wire.NewPresence(h.registry.Snapshot()))
}

func (h *Handler) userPresence(c *gin.Context) {
	id, ok := identity.Normalize(c.Param("id"))
	if !ok {
		writeError(c, domain.ErrInvalidIdentity)
		return
	}
	at, online, err := h.registry.LastSeen(c.Request.Context(), id)
	if err != nil {
		log.Warnf("event=relay_presence action=last_seen status=failed user_id=%s error=%v", id, err)
	}
	c.JSON(http.StatusOK, wire.NewUserPresence(id, online, at))
}

func readerFromContext(c *gin.Context) (domain.UserID, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return "", false
	}
	return domain.UserID(id), true
}

func positiveQuery(c *gin.Context, key string, fallback int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		message = httpresp.ErrConversationNotFound
	case errors.Is(err, domain.ErrNotParticipant):
		status = http.StatusForbidden
		message = httpresp.ErrNotParticipant
	case errors.Is(err, domain.ErrBadRequest), errors.Is(err, domain.ErrInvalidIdentity):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPersistence):
		status = http.StatusServiceUnavailable
		message = httpresp.ErrStoreUnavailable
	}
	if status >= http.StatusInternalServerError {
		log.Errorf("event=relay_http action=%s status=failed path=%s error=%v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, httpresp.NewCodedErrorResponse(message, domain.ErrorCode(err)))
}
