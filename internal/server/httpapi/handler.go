// Package httpapi exposes the server's HTTP surface: idempotent message
// sends, the pull-sync feed, window inspection, and extraction runs.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mirachat/mira/internal/server/extract"
	"github.com/mirachat/mira/internal/server/model"
	"github.com/mirachat/mira/internal/server/repo"
	"github.com/mirachat/mira/internal/server/usage"
	"github.com/mirachat/mira/internal/server/window"
	"go.uber.org/zap"
)

// Handler holds the API dependencies.
type Handler struct {
	msgs    *repo.MessageRepo
	convs   *repo.ConversationRepo
	windows *window.Fetcher
	extract *extract.Service
	token   string
	logger  *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(msgs *repo.MessageRepo, convs *repo.ConversationRepo, windows *window.Fetcher, ext *extract.Service, token string, logger *zap.Logger) *Handler {
	return &Handler{
		msgs:    msgs,
		convs:   convs,
		windows: windows,
		extract: ext,
		token:   token,
		logger:  logger,
	}
}

// Router builds the gin engine with all routes registered.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/v1/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	v1 := r.Group("/v1")
	v1.Use(h.auth())
	v1.POST("/conversations/:id/messages", h.handleSend)
	v1.GET("/conversations/:id/messages", h.handleConversationFeed)
	v1.GET("/conversations/:id/window", h.handleWindow)
	v1.POST("/conversations/:id/extract", h.handleExtract)
	v1.GET("/messages", h.handleFeed)
	return r
}

// auth is a bearer-token shim at the boundary; real session management is
// an external collaborator. The sender identity arrives in X-Mira-User.
func (h *Handler) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.token != "" && c.GetHeader("Authorization") != "Bearer "+h.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		user := c.GetHeader("X-Mira-User")
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
			return
		}
		c.Set("user_id", user)
		c.Next()
	}
}

// canonicalJSON is the wire form of a message; timestamps are unix ms.
type canonicalJSON struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	LocalID        string `json:"local_id,omitempty"`
	Body           string `json:"body"`
	MsgType        string `json:"msg_type"`
	MediaRef       string `json:"media_ref,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	DeletedAt      int64  `json:"deleted_at,omitempty"`
}

func toWire(m *model.Message) canonicalJSON {
	c := canonicalJSON{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		LocalID:        m.LocalID,
		Body:           m.BodyText(),
		MsgType:        m.MsgType,
		MediaRef:       m.MediaRef,
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
	if m.DeletedAt.Valid {
		c.DeletedAt = m.DeletedAt.Time.UnixMilli()
	}
	return c
}

type sendRequest struct {
	LocalID   string `json:"local_id"`
	Body      string `json:"body"`
	MsgType   string `json:"msg_type"`
	MediaRef  string `json:"media_ref"`
	CreatedAt int64  `json:"created_at"`
}

func (h *Handler) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Body == "" && req.MediaRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message needs a body or a media reference"})
		return
	}

	msg := &model.Message{
		ConversationID: c.Param("id"),
		SenderID:       c.GetString("user_id"),
		LocalID:        req.LocalID,
		MsgType:        req.MsgType,
		MediaRef:       req.MediaRef,
	}
	if req.Body != "" {
		msg.Body = &req.Body
	}
	if req.CreatedAt > 0 {
		msg.CreatedAt = time.UnixMilli(req.CreatedAt)
	}

	created, stored, err := h.msgs.Create(c.Request.Context(), msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK // replayed send: previously stored canonical
	if created {
		status = http.StatusCreated
		if err := h.convs.BumpLastMessage(c.Request.Context(), stored.ConversationID, stored.BodyText(), stored.CreatedAt); err != nil {
			// Denormalized list metadata only.
			h.logger.Warn("failed to bump conversation summary", zap.Error(err))
		}
	}
	c.JSON(status, toWire(stored))
}

func (h *Handler) handleConversationFeed(c *gin.Context) {
	since := feedCursor(c.Query("since"))
	limit := parseInt(c.Query("limit"), 200)

	msgs, err := h.msgs.ListConversationFeed(c.Request.Context(), c.Param("id"), since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, feedResponse(msgs))
}

func (h *Handler) handleFeed(c *gin.Context) {
	since := feedCursor(c.Query("since"))
	limit := parseInt(c.Query("limit"), 200)

	msgs, err := h.msgs.ListFeed(c.Request.Context(), since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, feedResponse(msgs))
}

// The feed cursor is opaque to clients: currently the server update time at
// nanosecond precision, so handing next_since back loses nothing and a
// strictly-greater scan never re-serves or skips a boundary row. It is not a
// message creation time; created_at is client-supplied and must not drive
// delivery.
func feedCursor(raw string) time.Time {
	return time.Unix(0, parseInt64(raw, 0))
}

// feedResponse builds a feed page. next_since is the newest cursor position
// seen; clients hand it back verbatim as their checkpoint.
func feedResponse(msgs []model.Message) gin.H {
	wire := make([]canonicalJSON, 0, len(msgs))
	var nextSince int64
	for i := range msgs {
		wire = append(wire, toWire(&msgs[i]))
		if ts := msgs[i].UpdatedAt.UnixNano(); ts > nextSince {
			nextSince = ts
		}
	}
	return gin.H{"messages": wire, "next_since": nextSince}
}

func (h *Handler) windowOptions(c *gin.Context) window.Options {
	return window.Options{
		MaxDaysBack:  parseInt(c.Query("max_days_back"), 0),
		ContextCount: parseInt(c.Query("context_count"), 0),
		MaxMessages:  parseInt(c.Query("max_messages"), 0),
	}
}

func (h *Handler) handleWindow(c *gin.Context) {
	feature := c.Query("feature")
	if feature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feature is required"})
		return
	}

	w, err := h.windows.Fetch(c.Request.Context(), c.Param("id"), feature, h.windowOptions(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	wire := make([]canonicalJSON, 0, len(w.Messages))
	for i := range w.Messages {
		wire = append(wire, toWire(&w.Messages[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":       wire,
		"is_incremental": w.IsIncremental,
		"new_count":      w.NewCount,
	})
}

func (h *Handler) handleExtract(c *gin.Context) {
	feature := c.Query("feature")
	if feature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feature is required"})
		return
	}

	result, err := h.extract.Run(c.Request.Context(),
		c.GetString("user_id"), c.Param("id"), feature, h.windowOptions(c))
	if err != nil {
		if errors.Is(err, usage.ErrRateLimited) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func parseInt(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseInt64(s string, def int64) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
