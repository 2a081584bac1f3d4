package handlers

import (
	"errors"
	"net/http"

	"github.com/frostdev-ops/trustgate/internal/core/scheduler"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
)

// ListJobs lists the scheduled background jobs
func (h *Handlers) ListJobs(c *gin.Context) {
	if h.scheduler == nil {
		utils.SendSuccessWithMeta(c, []scheduler.Job{}, gin.H{"running": false})
		return
	}
	jobs := h.scheduler.Jobs()
	utils.SendSuccessWithMeta(c, jobs, gin.H{
		"count":   len(jobs),
		"running": h.scheduler.IsRunning(),
	})
}

// RunJob executes a scheduled job immediately and waits for it
func (h *Handlers) RunJob(c *gin.Context) {
	if h.scheduler == nil {
		utils.SendError(c, http.StatusNotFound, "Job not found")
		return
	}

	name := c.Param("name")
	err := h.scheduler.RunNow(name)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		utils.SendError(c, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("job", name).Warn("Manual job run failed")
		utils.SendError(c, http.StatusInternalServerError, "Job failed: "+err.Error())
		return
	}

	utils.SendSuccess(c, gin.H{"message": "Job completed", "job": name})
}
