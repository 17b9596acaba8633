package daemon

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mirachat/mira/internal/outbox"
	"github.com/mirachat/mira/internal/session"
	"github.com/mirachat/mira/internal/status"
	"github.com/mirachat/mira/internal/store"
	"go.uber.org/zap"
)

// Server exposes the daemon control API on the profile's unix socket.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	profile   string
	startedAt time.Time
	db        *store.DB
	processor *outbox.Processor
	syncer    *Syncer
	machine   *status.Machine
}

// NewServer creates the control server bound to the profile's unix domain
// socket.
func NewServer(p Params, db *store.DB, proc *outbox.Processor, syncer *Syncer, machine *status.Machine, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.Profile)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, err
	}

	s := &Server{
		socketPath: socketPath,
		listener:   listener,
		logger:     logger,
		profile:    p.Profile,
		startedAt:  time.Now(),
		db:         db,
		processor:  proc,
		syncer:     syncer,
		machine:    machine,
	}
	s.engine = s.routes()
	s.httpServer = &http.Server{Handler: s.engine}
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/send", s.handleSend)
	v1.POST("/sync", s.handleSync)
	v1.GET("/conversations", s.handleConversations)
	v1.GET("/conversations/:id/messages", s.handleMessages)
	return r
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

func (s *Server) handleStatus(c *gin.Context) {
	queued, parked, err := s.db.CountOutbox()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile":       s.profile,
		"state":         s.machine.Current(),
		"pid":           os.Getpid(),
		"uptime_ms":     time.Since(s.startedAt).Milliseconds(),
		"outbox_queued": queued,
		"outbox_parked": parked,
	})
}

type sendRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Body           string `json:"body"`
	MsgType        string `json:"msg_type"`
	MediaRef       string `json:"media_ref"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Body == "" && req.MediaRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message needs a body or a media reference"})
		return
	}

	msg, err := s.processor.Enqueue(outbox.Draft{
		ConversationID: req.ConversationID,
		Body:           req.Body,
		MsgType:        req.MsgType,
		MediaRef:       req.MediaRef,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

type syncRequest struct {
	IncludeParked bool `json:"include_parked"`
}

func (s *Server) handleSync(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	report, err := s.syncer.Sync(c.Request.Context(), req.IncludeParked)
	if err != nil {
		// A partial report is still useful: drain may have delivered
		// before the pull failed.
		s.logger.Warn("sync pass incomplete", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleConversations(c *gin.Context) {
	convs, err := s.db.ListConversations(parseInt(c.Query("limit"), 50), parseInt(c.Query("offset"), 0))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) handleMessages(c *gin.Context) {
	msgs, err := s.db.ListMessages(c.Param("id"),
		int64(parseInt(c.Query("before"), 0)), parseInt(c.Query("limit"), 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func parseInt(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
