package handlers

import (
	"net/http"
	"time"

	"github.com/frostdev-ops/trustgate/internal/core/metrics"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
)

// Health returns the health status of the service. An unhealthy critical
// component answers 503 so load balancers drain the instance.
func (h *Handlers) Health(c *gin.Context) {
	if h.health == nil {
		utils.SendSuccess(c, gin.H{"status": metrics.StatusHealthy})
		return
	}

	report := h.health.Check(c.Request.Context())
	if report.Status == metrics.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, utils.Response{
			Success:   false,
			Data:      report,
			Error:     report.Message,
			Timestamp: report.Timestamp.UTC().Format(time.RFC3339),
		})
		return
	}
	utils.SendSuccess(c, report)
}

// GetWebSocketStats returns WebSocket statistics
func (h *Handlers) GetWebSocketStats(c *gin.Context) {
	if h.wsHub == nil {
		utils.SendError(c, http.StatusNotFound, "WebSocket push is disabled")
		return
	}
	utils.SendSuccess(c, h.wsHub.GetStats())
}
