// Package handlers wires the gateway HTTP surface: the UI API, the signed
// agent connect-back API, and the WebSocket upgrade.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/internal/gateway/auth"
	"github.com/runhub/runhub/internal/gateway/commands"
	"github.com/runhub/runhub/internal/gateway/hub"
	"github.com/runhub/runhub/internal/gateway/registry"
	"github.com/runhub/runhub/internal/gateway/runs"
	"github.com/runhub/runhub/internal/gateway/store"
)

// Handlers bundles the gateway services behind the HTTP surface.
type Handlers struct {
	runs         *runs.Service
	commands     *commands.Service
	registry     *registry.Registry
	store        *store.Store
	verifier     *auth.Verifier
	wsHandler    *hub.Handler
	artifactsDir string
	logger       *logger.Logger
}

// New creates the HTTP handlers.
func New(runSvc *runs.Service, cmdSvc *commands.Service, reg *registry.Registry, st *store.Store, verifier *auth.Verifier, wsHandler *hub.Handler, artifactsDir string, log *logger.Logger) *Handlers {
	return &Handlers{
		runs:         runSvc,
		commands:     cmdSvc,
		registry:     reg,
		store:        st,
		verifier:     verifier,
		wsHandler:    wsHandler,
		artifactsDir: artifactsDir,
		logger:       log,
	}
}

// RegisterRoutes mounts every route on the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ws", h.wsHandler.HandleConnection)

	api := router.Group("/api")

	// UI surface. Session auth is handled by the deployment in front of the
	// gateway; these routes never disclose capability tokens after creation.
	api.POST("/runs", h.CreateRun)
	api.GET("/runs", h.ListRuns)
	api.GET("/runs/:id", h.GetRun)
	api.GET("/runs/:id/events", h.GetRunEvents)
	api.GET("/runs/:id/state", h.GetRunState)
	api.POST("/runs/:id/command", h.EnqueueCommand)
	api.POST("/runs/:id/input", h.EnqueueInput)
	api.POST("/runs/:id/escape", h.EscapeRun)
	api.POST("/runs/:id/stop", h.StopRun)
	api.POST("/runs/:id/halt", h.HaltRun)
	api.POST("/runs/:id/vnc-stream", h.StartVNCStream)
	api.POST("/runs/:id/assist", h.AssistRun)
	api.POST("/runs/:id/restart", h.RestartRun)
	api.POST("/runs/:id/resume", h.ResumeRun)
	api.DELETE("/runs/:id", h.DeleteRun)
	api.GET("/agents", h.ListAgents)
	api.GET("/runs/:id/artifacts", h.ListArtifacts)
	api.GET("/runs/:id/artifacts/:name", h.DownloadArtifact)

	// Agent connect-back surface: every request is signed; run-scoped routes
	// additionally present the capability token.
	signed := api.Group("", auth.Middleware(h.verifier, false, h.logger))
	signed.POST("/clients/register", h.RegisterAgent)
	signed.POST("/clients/heartbeat", h.AgentHeartbeat)
	signed.POST("/runs/claim", h.ClaimRun)

	runScoped := api.Group("", auth.Middleware(h.verifier, true, h.logger))
	runScoped.POST("/ingest/event", h.IngestEvent)
	runScoped.GET("/runs/:id/commands", h.PollCommands)
	runScoped.POST("/runs/:id/commands/:cmdId/ack", h.AckCommand)
	runScoped.POST("/runs/:id/state", h.SaveRunState)
	runScoped.POST("/runs/:id/artifacts", h.UploadArtifact)
}

// Health reports gateway liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "runhub-gateway"})
}

// respondError maps service errors onto the HTTP taxonomy.
func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, runs.ErrInvalidWorkerType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.worker_type"})
	case errors.Is(err, runs.ErrInvalidEventType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.event_type"})
	case errors.Is(err, commands.ErrNotAllowed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation.command"})
	case errors.Is(err, commands.ErrNotRunning), errors.Is(err, runs.ErrNotTerminal):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "conflict"})
	default:
		h.logger.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// pathRunMatchesAuth rejects run-scoped requests whose path id differs from
// the authenticated run id.
func pathRunMatchesAuth(c *gin.Context) (string, bool) {
	authRunID := c.GetString(auth.ContextRunID)
	pathID := c.Param("id")
	if pathID != "" && pathID != authRunID {
		c.JSON(http.StatusForbidden, gin.H{"error": "run id mismatch", "code": "auth.capability"})
		return "", false
	}
	return authRunID, true
}
