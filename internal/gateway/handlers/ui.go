package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

// CreateRun handles POST /api/runs. The response is the only place the
// capability token reaches the UI.
func (h *Handlers) CreateRun(c *gin.Context) {
	var req v1.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.body"})
		return
	}
	run, err := h.runs.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.CreateRunResponse{
		ID:              run.ID,
		CapabilityToken: run.CapabilityToken,
		Status:          run.Status,
	})
}

// ListRuns handles GET /api/runs.
func (h *Handlers) ListRuns(c *gin.Context) {
	var req v1.ListRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.query"})
		return
	}
	list, err := h.runs.List(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": list})
}

// GetRun handles GET /api/runs/:id.
func (h *Handlers) GetRun(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetRunEvents handles GET /api/runs/:id/events?after=&limit=.
func (h *Handlers) GetRunEvents(c *gin.Context) {
	after, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	events, err := h.runs.Events(c.Request.Context(), c.Param("id"), after, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GetRunState handles GET /api/runs/:id/state.
func (h *Handlers) GetRunState(c *gin.Context) {
	state, err := h.runs.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// EnqueueCommand handles POST /api/runs/:id/command.
func (h *Handlers) EnqueueCommand(c *gin.Context) {
	var req v1.EnqueueCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.body"})
		return
	}
	cmd, err := h.commands.Enqueue(c.Request.Context(), c.Param("id"), req.Command)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// EnqueueInput handles POST /api/runs/:id/input.
func (h *Handlers) EnqueueInput(c *gin.Context) {
	var req v1.InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.body"})
		return
	}
	cmd, err := h.commands.EnqueueInput(c.Request.Context(), c.Param("id"), req.Input, req.Escape)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// StopRun handles POST /api/runs/:id/stop.
func (h *Handlers) StopRun(c *gin.Context) {
	h.enqueueVerb(c, v1.VerbStop)
}

// HaltRun handles POST /api/runs/:id/halt.
func (h *Handlers) HaltRun(c *gin.Context) {
	h.enqueueVerb(c, v1.VerbHalt)
}

// EscapeRun handles POST /api/runs/:id/escape.
func (h *Handlers) EscapeRun(c *gin.Context) {
	h.enqueueVerb(c, v1.VerbEscape)
}

// StartVNCStream handles POST /api/runs/:id/vnc-stream.
func (h *Handlers) StartVNCStream(c *gin.Context) {
	h.enqueueVerb(c, v1.VerbStartVNCStream)
}

// AssistRun handles POST /api/runs/:id/assist. The agent answers with an
// assist event carrying the shared-terminal connection string.
func (h *Handlers) AssistRun(c *gin.Context) {
	h.enqueueVerb(c, "assist")
}

func (h *Handlers) enqueueVerb(c *gin.Context, verb string) {
	cmd, err := h.commands.Enqueue(c.Request.Context(), c.Param("id"), verb)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// RestartRun handles POST /api/runs/:id/restart.
func (h *Handlers) RestartRun(c *gin.Context) {
	h.cloneRun(c, false)
}

// ResumeRun handles POST /api/runs/:id/resume.
func (h *Handlers) ResumeRun(c *gin.Context) {
	h.cloneRun(c, true)
}

func (h *Handlers) cloneRun(c *gin.Context, resume bool) {
	var req v1.RestartRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.body"})
			return
		}
	}

	var (
		run *v1.Run
		err error
	)
	if resume {
		run, err = h.runs.Resume(c.Request.Context(), c.Param("id"), req)
	} else {
		run, err = h.runs.Restart(c.Request.Context(), c.Param("id"), req)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.CreateRunResponse{
		ID:              run.ID,
		CapabilityToken: run.CapabilityToken,
		Status:          run.Status,
	})
}

// DeleteRun handles DELETE /api/runs/:id.
func (h *Handlers) DeleteRun(c *gin.Context) {
	if err := h.runs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ListAgents handles GET /api/agents.
func (h *Handlers) ListAgents(c *gin.Context) {
	agents, err := h.registry.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}
