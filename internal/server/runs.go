package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/predictops/schemapatch/internal/runs"
	"go.uber.org/zap"
)

// RunHandler exposes read-only endpoints over the run tracker. Runs are
// opened and closed by the pipelines themselves, not through this API.
type RunHandler struct {
	svc    *runs.Service
	logger *zap.Logger
}

// NewRunHandler creates a RunHandler.
func NewRunHandler(svc *runs.Service, logger *zap.Logger) *RunHandler {
	return &RunHandler{svc: svc, logger: logger}
}

// Register mounts the run routes on the given router group.
func (h *RunHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/runs")
	{
		r.GET("", h.List)
		r.GET("/:id", h.Get)
		r.GET("/:id/scores", h.Scores)
	}
}

// List handles GET /runs?limit=N.
func (h *RunHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	out, err := h.svc.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

// Get handles GET /runs/:id.
func (h *RunHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	run, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, runs.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		h.logger.Error("get run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get run"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// Scores handles GET /runs/:id/scores.
func (h *RunHandler) Scores(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	scores, err := h.svc.Scores(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("run scores", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get scores"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "scores": scores})
}
