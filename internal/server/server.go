// Package server exposes the inbound HTTP boundary of a dispatch agent:
// task submission, status observation, the blocking message endpoint peers
// delegate through, and operational endpoints (queue, cleanup, card).
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/harrison/dispatch/internal/delegate"
	"github.com/harrison/dispatch/internal/engine"
	"github.com/harrison/dispatch/internal/logger"
	"github.com/harrison/dispatch/internal/models"
)

// TaskService is the engine surface the server depends on.
type TaskService interface {
	Submit(sub engine.Submission) (*models.Task, error)
	Cancel(taskID string)
	Cleanup(keepRecent int) int
	Status() engine.QueueStatus
}

// TaskReader resolves task snapshots for the read endpoints.
type TaskReader interface {
	Get(id string) *models.Task
}

// Config carries the identity and limits the server publishes.
type Config struct {
	Name         string
	Role         string
	Capabilities []string
	ListenAddr   string

	// MessageWait bounds how long the blocking /v1/message endpoint holds a
	// request open waiting for a terminal state.
	MessageWait time.Duration

	// RetentionKeep is the default keep count for /v1/cleanup.
	RetentionKeep int
}

// Server is the gin HTTP server for one agent.
type Server struct {
	cfg     Config
	service TaskService
	reader  TaskReader
	updates *Broadcaster
	log     logger.Logger
	router  *gin.Engine
}

// submitRequest is the body of POST /v1/tasks and /v1/message.
type submitRequest struct {
	TaskID    string         `json:"task_id"`
	ContextID string         `json:"context_id"`
	Message   models.Message `json:"message"`
}

// New creates the server. The broadcaster must be the same instance wired
// into the engine as its status sink.
func New(cfg Config, service TaskService, reader TaskReader, updates *Broadcaster, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.MessageWait <= 0 {
		cfg.MessageWait = 6 * time.Minute
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	s := &Server{
		cfg:     cfg,
		service: service,
		reader:  reader,
		updates: updates,
		log:     log,
		router:  router,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the listener fails.
func (s *Server) Run() error {
	s.log.Infof("listening on %s", s.cfg.ListenAddr)
	return s.router.Run(s.cfg.ListenAddr)
}

func (s *Server) registerRoutes() {
	s.router.GET("/card", s.handleCard)

	v1 := s.router.Group("/v1")
	v1.POST("/tasks", s.handleSubmit)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.GET("/tasks/:id/events", s.handleTaskEvents)
	v1.POST("/tasks/:id/cancel", s.handleCancel)
	v1.POST("/message", s.handleMessage)
	v1.GET("/queue", s.handleQueue)
	v1.POST("/cleanup", s.handleCleanup)
}

// handleCard publishes this agent's card for peers.
func (s *Server) handleCard(c *gin.Context) {
	c.JSON(http.StatusOK, delegate.AgentCard{
		Name:         s.cfg.Name,
		Role:         s.cfg.Role,
		Capabilities: s.cfg.Capabilities,
	})
}

// handleSubmit accepts a task and returns the initial snapshot immediately.
func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.Message.Text() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message requires at least one non-empty text part"})
		return
	}

	task, err := s.service.Submit(engine.Submission{
		TaskID:    req.TaskID,
		ContextID: req.ContextID,
		Message:   req.Message,
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, task)
}

// handleMessage is the blocking endpoint peer agents delegate through: it
// submits the task and holds the request open until a terminal state or the
// wait ceiling, then returns the final task.
func (s *Server) handleMessage(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.Message.Text() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message requires at least one non-empty text part"})
		return
	}

	sub := engine.Submission{
		TaskID:    req.TaskID,
		ContextID: req.ContextID,
		Message:   req.Message,
	}

	task, err := s.service.Submit(sub)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if task.Status.State.Terminal() {
		c.JSON(http.StatusOK, task)
		return
	}

	updates, cancel := s.updates.Subscribe(task.ID)
	defer cancel()

	// Re-read after subscribing: the pipeline may have finished in between.
	if snap := s.reader.Get(task.ID); snap != nil && snap.Status.State.Terminal() {
		c.JSON(http.StatusOK, snap)
		return
	}

	deadline := time.NewTimer(s.cfg.MessageWait)
	defer deadline.Stop()

	for {
		select {
		case snap := <-updates:
			if snap.Status.State.Terminal() {
				c.JSON(http.StatusOK, snap)
				return
			}
		case <-deadline.C:
			s.log.Warnf("message wait ceiling reached for task %s", task.ID)
			if snap := s.reader.Get(task.ID); snap != nil {
				c.JSON(http.StatusOK, snap)
				return
			}
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "task did not finish in time"})
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) handleGetTask(c *gin.Context) {
	task := s.reader.Get(c.Param("id"))
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleTaskEvents streams status snapshots over SSE until the task reaches
// a terminal state or the client disconnects.
func (s *Server) handleTaskEvents(c *gin.Context) {
	id := c.Param("id")
	task := s.reader.Get(id)
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	updates, cancel := s.updates.Subscribe(id)
	defer cancel()

	c.SSEvent("task", task)
	c.Writer.Flush()
	if task.Status.State.Terminal() {
		return
	}

	for {
		select {
		case snap := <-updates:
			c.SSEvent("task", snap)
			c.Writer.Flush()
			if snap.Status.State.Terminal() {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// handleCancel accepts the request but cannot preempt in-flight backend
// work; the task still runs to a terminal state.
func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if s.reader.Get(id) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	s.service.Cancel(id)
	c.JSON(http.StatusAccepted, gin.H{
		"accepted": true,
		"note":     "cancellation is not supported; the task will run to completion",
	})
}

func (s *Server) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Status())
}

func (s *Server) handleCleanup(c *gin.Context) {
	keep := s.cfg.RetentionKeep
	if v := c.Query("keep"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &keep); err != nil || keep < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "keep must be a non-negative integer"})
			return
		}
	}
	removed := s.service.Cleanup(keep)
	c.JSON(http.StatusOK, gin.H{"removed": removed, "kept_recent": keep})
}
