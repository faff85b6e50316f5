package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/halcyon-ai/casefile/internal/config"
	"github.com/halcyon-ai/casefile/internal/httperr"
	"github.com/halcyon-ai/casefile/internal/logger"
	"github.com/halcyon-ai/casefile/internal/session"
)

// Handlers carries the dependencies of the HTTP surface.
type Handlers struct {
	cfg    *config.Config
	mgr    *session.Manager
	logger *logger.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(cfg *config.Config, mgr *session.Manager, log *logger.Logger) *Handlers {
	return &Handlers{
		cfg:    cfg,
		mgr:    mgr,
		logger: log.WithComponent("http"),
	}
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createSessionRequest struct {
	Scenario  string `json:"scenario"`
	AlertText string `json:"alert_text"`
}

// CreateSession admits a new session and starts its first turn.
// POST /sessions
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{
			"detail": err.Error(),
		})
		return
	}
	req.Scenario = strings.TrimSpace(req.Scenario)
	req.AlertText = strings.TrimSpace(req.AlertText)
	if req.Scenario == "" || req.AlertText == "" {
		httperr.AbortWithBadRequest(c, "scenario and alert_text are required", nil)
		return
	}

	s, err := h.mgr.Create(req.Scenario, req.AlertText)
	if err != nil {
		if errors.Is(err, session.ErrTooMany) {
			httperr.AbortWithTooMany(c, "too many active sessions",
				h.cfg.MaxActiveSessions, h.mgr.ActiveCount())
			return
		}
		httperr.AbortWithInternal(c, "failed to create session", nil)
		return
	}

	h.mgr.Start(s)

	c.JSON(http.StatusCreated, gin.H{
		"session_id": s.ID,
		"status":     string(s.Status()),
	})
}

// ListSessions returns summaries of in-memory and stored sessions.
// GET /sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.mgr.ListAll(c.Request.Context()))
}

// GetSession returns the full session document.
// GET /sessions/:id
func (h *Handlers) GetSession(c *gin.Context) {
	s, err := h.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httperr.AbortWithNotFound(c, "session not found", nil)
			return
		}
		h.logger.Error("session lookup failed",
			slog.String("session_id", c.Param("id")),
			slog.String("error", err.Error()))
		httperr.AbortWithInternal(c, "failed to load session", nil)
		return
	}

	c.JSON(http.StatusOK, s.Snapshot())
}

// CancelSession requests cooperative cancellation. Idempotent.
// POST /sessions/:id/cancel
func (h *Handlers) CancelSession(c *gin.Context) {
	err := h.mgr.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httperr.AbortWithNotFound(c, "session not found", nil)
			return
		}
		httperr.AbortWithInternal(c, "failed to cancel session", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "cancelling",
		"message": "Cancellation requested; the current agent call will finish first.",
	})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessage starts a follow-up turn on an existing conversation.
// POST /sessions/:id/message
func (h *Handlers) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{
			"detail": err.Error(),
		})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		httperr.AbortWithBadRequest(c, "text is required", nil)
		return
	}

	offset, err := h.mgr.SendFollowUp(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			httperr.AbortWithNotFound(c, "session not found", nil)
		case errors.Is(err, session.ErrAlreadyRunning):
			httperr.AbortWithConflict(c, "session is already running", nil)
		case errors.Is(err, session.ErrNoThread):
			httperr.AbortWithBadRequest(c, "session has no conversation thread; it cannot accept follow-ups", nil)
		case errors.Is(err, session.ErrReadOnly):
			httperr.AbortWithConflict(c, "session is no longer resident; it cannot accept follow-ups", nil)
		case errors.Is(err, session.ErrTooMany):
			httperr.AbortWithTooMany(c, "too many active sessions",
				h.cfg.MaxActiveSessions, h.mgr.ActiveCount())
		default:
			httperr.AbortWithInternal(c, "failed to accept follow-up", nil)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"event_offset": offset})
}

// DeleteSession removes a session from memory and the document store.
// DELETE /sessions/:id
func (h *Handlers) DeleteSession(c *gin.Context) {
	if err := h.mgr.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.logger.Error("session delete failed",
			slog.String("session_id", c.Param("id")),
			slog.String("error", err.Error()))
		httperr.AbortWithInternal(c, "failed to delete session", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
