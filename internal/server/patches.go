// Package server exposes the patch ledger and run tracker over HTTP for
// deployment dashboards and remote patch application.
package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/predictops/schemapatch/internal/auth"
	"github.com/predictops/schemapatch/internal/ledger"
	"github.com/predictops/schemapatch/internal/runner"
	"github.com/predictops/schemapatch/internal/source"
	"go.uber.org/zap"
)

// PatchHandler exposes ledger state and remote apply/revert of the declared
// patch set.
type PatchHandler struct {
	ledger  ledger.Ledger
	runner  *runner.Runner
	patches []source.Patch
	tokens  *auth.TokenIssuer
	logger  *zap.Logger
}

// NewPatchHandler creates a PatchHandler over the declared patch set.
func NewPatchHandler(l ledger.Ledger, r *runner.Runner, patches []source.Patch, tokens *auth.TokenIssuer, logger *zap.Logger) *PatchHandler {
	return &PatchHandler{ledger: l, runner: r, patches: patches, tokens: tokens, logger: logger}
}

// Register mounts the patch routes on the given router group.
func (h *PatchHandler) Register(rg *gin.RouterGroup) {
	p := rg.Group("/patches")
	{
		p.GET("", h.List)
		p.GET("/:id", h.Get)
		p.POST("/apply", AdminAuth(h.tokens), h.Apply)
		p.DELETE("/:id", AdminAuth(h.tokens), h.Revert)
	}
}

// List handles GET /patches — the installed patches with their edges, plus
// which declared patches are still pending.
func (h *PatchHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	installed, err := h.ledger.Installed(ctx)
	if err != nil {
		h.logger.Error("ledger Installed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	SetInstalledGauge(float64(len(installed)))

	installedSet := make(map[string]bool, len(installed))
	for _, p := range installed {
		installedSet[p.ID] = true
	}
	var pending []string
	for _, p := range h.patches {
		if !installedSet[p.ID] {
			pending = append(pending, p.ID)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"installed": installed,
		"pending":   pending,
	})
}

// Get handles GET /patches/:id — one installed patch.
func (h *PatchHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	installed, err := h.ledger.IsInstalled(ctx, id)
	if err != nil {
		h.logger.Error("ledger IsInstalled", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	if !installed {
		c.JSON(http.StatusNotFound, gin.H{"error": "patch not installed"})
		return
	}

	requires, err := h.ledger.Requires(ctx, id)
	if err != nil {
		h.logger.Error("ledger Requires", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":       id,
		"requires": requires,
	})
}

// Apply handles POST /patches/apply — runs the declared patch set through
// the runner and reports applied vs skipped.
func (h *PatchHandler) Apply(c *gin.Context) {
	ctx := c.Request.Context()

	report, err := h.runner.Apply(ctx, h.patches)
	if err != nil {
		h.logger.Error("apply patch set", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, ledger.ErrUnknownDependency) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	for range report.Applied {
		RecordPatchOp("apply", "ok")
	}
	for range report.Skipped {
		RecordPatchOp("skip", "ok")
	}
	c.JSON(http.StatusOK, report)
}

// Revert handles DELETE /patches/:id — uninstalls one patch via its down SQL.
func (h *PatchHandler) Revert(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	removed, err := h.runner.Revert(ctx, h.patches, id)
	if err != nil {
		if errors.Is(err, ledger.ErrDependentExists) {
			RecordPatchOp("revert", "blocked")
			c.JSON(http.StatusConflict, gin.H{"error": "patch is required by an installed patch"})
			return
		}
		h.logger.Error("revert patch", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "patch not installed"})
		return
	}

	RecordPatchOp("revert", "ok")
	c.JSON(http.StatusOK, gin.H{"reverted": id})
}
