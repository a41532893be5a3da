package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runhub/runhub/internal/gateway/auth"
	v1 "github.com/runhub/runhub/pkg/api/v1"
)

// RegisterAgent handles POST /api/clients/register (signed).
func (h *Handlers) RegisterAgent(c *gin.Context) {
	var req v1.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.body"})
		return
	}
	agent, err := h.registry.Register(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// AgentHeartbeat handles POST /api/clients/heartbeat (signed).
func (h *Handlers) AgentHeartbeat(c *gin.Context) {
	var req v1.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.body"})
		return
	}
	if err := h.registry.Heartbeat(c.Request.Context(), req.AgentID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ClaimRun handles POST /api/runs/claim (signed). The response is one of the
// two places the capability token is ever disclosed.
func (h *Handlers) ClaimRun(c *gin.Context) {
	var req v1.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.body"})
		return
	}
	run, err := h.registry.Claim(c.Request.Context(), req.AgentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.ClaimResponse{Run: run})
}

// IngestEvent handles POST /api/ingest/event (run-scoped). The run id comes
// from the verified X-Run-Id header.
func (h *Handlers) IngestEvent(c *gin.Context) {
	runID := c.GetString(auth.ContextRunID)

	var req v1.IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.body"})
		return
	}
	eventID, err := h.runs.Ingest(c.Request.Context(), runID, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.IngestEventResponse{OK: true, EventID: eventID})
}

// PollCommands handles GET /api/runs/:id/commands (run-scoped).
func (h *Handlers) PollCommands(c *gin.Context) {
	runID, ok := pathRunMatchesAuth(c)
	if !ok {
		return
	}
	pending, err := h.commands.Pending(c.Request.Context(), runID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": pending})
}

// AckCommand handles POST /api/runs/:id/commands/:cmdId/ack (run-scoped).
func (h *Handlers) AckCommand(c *gin.Context) {
	runID, ok := pathRunMatchesAuth(c)
	if !ok {
		return
	}
	var req v1.AckCommandRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.body"})
			return
		}
	}
	cmd, err := h.commands.Ack(c.Request.Context(), runID, c.Param("cmdId"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// SaveRunState handles POST /api/runs/:id/state (run-scoped).
func (h *Handlers) SaveRunState(c *gin.Context) {
	runID, ok := pathRunMatchesAuth(c)
	if !ok {
		return
	}
	var req v1.RunState
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.body"})
		return
	}
	if err := h.runs.SaveState(c.Request.Context(), runID, req); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
