package handlers

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UploadArtifact handles the run-scoped multipart POST /api/runs/:id/artifacts.
func (h *Handlers) UploadArtifact(c *gin.Context) {
	runID, ok := pathRunMatchesAuth(c)
	if !ok {
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field required", "code": "validation.body"})
		return
	}

	name := filepath.Base(file.Filename)
	if name == "." || name == ".." || name == "/" || name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid artifact name", "code": "validation.name"})
		return
	}

	dir := filepath.Join(h.artifactsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.respondError(c, err)
		return
	}
	dest := filepath.Join(dir, name)
	if err := c.SaveUploadedFile(file, dest); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.store.PutArtifact(c.Request.Context(), runID, name, dest, file.Size); err != nil {
		h.respondError(c, err)
		return
	}

	h.logger.Debug("artifact stored",
		zap.String("run_id", runID),
		zap.String("name", name),
		zap.Int64("size", file.Size))
	c.JSON(http.StatusCreated, gin.H{"ok": true, "name": name, "size": file.Size})
}

// ListArtifacts handles GET /api/runs/:id/artifacts.
func (h *Handlers) ListArtifacts(c *gin.Context) {
	runID := c.Param("id")
	if _, err := h.runs.Get(c.Request.Context(), runID); err != nil {
		h.respondError(c, err)
		return
	}
	artifacts, err := h.store.ListArtifacts(c.Request.Context(), runID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

// DownloadArtifact handles GET /api/runs/:id/artifacts/:name.
func (h *Handlers) DownloadArtifact(c *gin.Context) {
	runID := c.Param("id")
	name := filepath.Base(c.Param("name"))

	path, err := h.store.GetArtifactPath(c.Request.Context(), runID, name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.FileAttachment(path, name)
}
