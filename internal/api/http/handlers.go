package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/kernel"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
)

// Handlers serves the operator endpoints of the kernel host.
type Handlers struct {
	kernel  *kernel.Kernel
	logger  *zap.Logger
	started time.Time
}

// NewHandlers creates the operator handlers.
func NewHandlers(k *kernel.Kernel, logger *zap.Logger) *Handlers {
	logger = logging.OrNop(logger)
	return &Handlers{kernel: k, logger: logger, started: time.Now()}
}

// Register mounts the handlers on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)
	r.GET("/version", h.Version)
	r.GET("/modules", h.ListModules)
	r.GET("/modules/:id", h.GetModule)
	r.POST("/modules/:id/reload", h.ReloadModule)
	r.GET("/overrides", h.ListOverrides)
	r.GET("/notable", h.ListNotable)
	r.GET("/traces", h.ListTraces)
}

// Health reports liveness and module counts.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"modules": h.kernel.Modules().Stats(),
	})
}

// Version reports the kernel build.
func (h *Handlers) Version(c *gin.Context) {
	c.JSON(http.StatusOK, types.VersionData{Distribution: kernel.Distribution, Version: kernel.Version})
}

// ListModules returns every module record.
func (h *Handlers) ListModules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"modules": h.kernel.Modules().Snapshot(),
		"stats":   h.kernel.Modules().Stats(),
	})
}

// GetModule returns one module record.
func (h *Handlers) GetModule(c *gin.Context) {
	id := types.ModuleID(c.Param("id"))
	if err := id.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, info := range h.kernel.Modules().Snapshot() {
		if info.ID == id {
			c.JSON(http.StatusOK, info)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "module has never been loaded"})
}

// ReloadModule stops a module so the next call loads it fresh.
func (h *Handlers) ReloadModule(c *gin.Context) {
	id := types.ModuleID(c.Param("id"))
	if err := id.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.kernel.Modules().Reload(id); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, module.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, module.ErrLoading):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("module reloaded by operator", zap.String("module", string(id)))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListOverrides returns the module override table.
func (h *Handlers) ListOverrides(c *gin.Context) {
	c.JSON(http.StatusOK, h.kernel.Overrides().List())
}

// ListNotable returns the retained notable errors.
func (h *Handlers) ListNotable(c *gin.Context) {
	n := h.kernel.Notable()
	c.JSON(http.StatusOK, gin.H{
		"total":   n.Total(),
		"entries": n.Entries(),
	})
}

// ListTraces returns recently finished spans, newest last.
func (h *Handlers) ListTraces(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"spans": h.kernel.Tracer().Recent()})
}
