package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/deskd/internal/domain/reclaim"
	"github.com/GriffinCanCode/deskd/internal/domain/session"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/paths"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

// Version is reported by the root endpoint.
const Version = "1.0.0"

// Sessions is the lifecycle engine as seen by the API.
type Sessions interface {
	Create(ctx context.Context, sessionID string) (session.CreateResult, error)
	GetStatus(ctx context.Context, sessionID string) (session.StatusResult, error)
	List(includeDestroyed bool) []types.SessionSummary
	TouchActivity(sessionID string) error
	Suspend(ctx context.Context, sessionID string) (session.SuspendResult, error)
	Restore(ctx context.Context, sessionID string) (session.RestoreResult, error)
	Destroy(ctx context.Context, sessionID string) (session.DestroyResult, error)
}

// Reclaimer runs and reports reclamation sweeps.
type Reclaimer interface {
	Sweep(ctx context.Context) reclaim.Report
	LastReport() reclaim.Report
}

// Handlers contains all HTTP handlers
type Handlers struct {
	sessions  Sessions
	reclaimer Reclaimer
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	started   time.Time
}

// NewHandlers creates a new handler set. Metrics may be nil.
func NewHandlers(sessions Sessions, reclaimer Reclaimer, metrics *monitoring.Metrics, logger *zap.Logger) *Handlers {
	return &Handlers{
		sessions:  sessions,
		reclaimer: reclaimer,
		metrics:   metrics,
		logger:    logger.Named("http"),
		started:   time.Now(),
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	sessions := r.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id", h.GetSession)
		sessions.DELETE("/:id", h.DestroySession)
		sessions.POST("/:id/suspend", h.SuspendSession)
		sessions.POST("/:id/restore", h.RestoreSession)
		sessions.POST("/:id/touch", h.TouchSession)
	}

	r.POST("/reclaim", h.Reclaim)
	r.GET("/reclaim", h.LastReclaim)

	if h.metrics != nil {
		r.GET("/metrics/json", h.MetricsJSON)
	}
}

// Root identifies the service.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "deskd",
		"version": Version,
	})
}

// Health reports session counts and the last sweep.
func (h *Handlers) Health(c *gin.Context) {
	counts := make(map[types.Status]int)
	for _, s := range h.sessions.List(false) {
		counts[s.Status]++
	}
	last := h.reclaimer.LastReport()

	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
		"sessions":        counts,
		"suspended_bytes": last.SuspendedBytes,
		"last_sweep":      last.StartedAt,
	})
}

type createRequest struct {
	SessionID string `json:"session_id"`
}

// CreateSession creates a session. The body and its session_id are optional.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "kind": fault.InvalidArgument.String()})
			return
		}
	}

	res, err := h.sessions.Create(c.Request.Context(), req.SessionID)
	if err != nil {
		h.fail(c, "create", req.SessionID, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ListSessions lists sessions, oldest first.
func (h *Handlers) ListSessions(c *gin.Context) {
	includeDestroyed := false
	if raw := c.Query("include_destroyed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "include_destroyed must be a boolean", "kind": fault.InvalidArgument.String()})
			return
		}
		includeDestroyed = v
	}

	list := h.sessions.List(includeDestroyed)
	c.JSON(http.StatusOK, gin.H{
		"sessions": list,
		"count":    len(list),
	})
}

// GetSession reports one session.
func (h *Handlers) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	res, err := h.sessions.GetStatus(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "status", id, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SuspendSession checkpoints a session and archives its filesystem.
func (h *Handlers) SuspendSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	res, err := h.sessions.Suspend(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "suspend", id, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RestoreSession brings a suspended session back.
func (h *Handlers) RestoreSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	res, err := h.sessions.Restore(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "restore", id, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DestroySession releases a session. Unknown sessions succeed.
func (h *Handlers) DestroySession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	res, err := h.sessions.Destroy(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "destroy", id, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// TouchSession resets the idle clock of a session.
func (h *Handlers) TouchSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := h.sessions.TouchActivity(id); err != nil {
		h.fail(c, "touch", id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "touched": true})
}

// Reclaim runs a sweep now and returns its report.
func (h *Handlers) Reclaim(c *gin.Context) {
	c.JSON(http.StatusOK, h.reclaimer.Sweep(c.Request.Context()))
}

// LastReclaim returns the report of the most recent sweep.
func (h *Handlers) LastReclaim(c *gin.Context) {
	c.JSON(http.StatusOK, h.reclaimer.LastReport())
}

// MetricsJSON returns the JSON metrics snapshot.
func (h *Handlers) MetricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"timestamp": time.Now(),
		"metrics":   h.metrics.Snapshot(),
	})
}

func sessionID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := paths.ValidateSessionID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": fault.InvalidArgument.String()})
		return "", false
	}
	return id, true
}

func (h *Handlers) fail(c *gin.Context, op, id string, err error) {
	if !fault.IsCallerError(err) {
		h.logger.Error("Request failed",
			logging.Op(op), logging.SessionID(id), zap.Error(err))
	}
	abortWithError(c, err)
}
