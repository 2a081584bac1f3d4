package handlers

import (
	"net/http"

	"github.com/frostdev-ops/trustgate/internal/api/middleware"
	"github.com/frostdev-ops/trustgate/internal/core/behavior"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
)

// GetSettings returns the effective trust settings
func (h *Handlers) GetSettings(c *gin.Context) {
	utils.SendSuccess(c, h.settings.Current())
}

// ListSettingsOverrides returns the stored runtime overrides with who
// wrote them and how often they changed.
func (h *Handlers) ListSettingsOverrides(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	stored, err := h.settings.Overrides(ctx)
	if err != nil {
		h.sendFailure(c, err, "list settings overrides", "")
		return
	}
	utils.SendSuccessWithMeta(c, stored, utils.ListMeta{Count: len(stored)})
}

// UpdateDetectorSettings replaces the detector settings at runtime. The
// body is a complete settings document; durations are nanoseconds.
func (h *Handlers) UpdateDetectorSettings(c *gin.Context) {
	var request behavior.Settings
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := request.Validate(); err != nil {
		utils.SendError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.settings.UpdateDetector(ctx, request, middleware.Actor(c)); err != nil {
		h.sendFailure(c, err, "update detector settings", "")
		return
	}
	utils.SendSuccess(c, h.settings.Current())
}

// ResetDetectorSettings drops the runtime override; config values apply
func (h *Handlers) ResetDetectorSettings(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.settings.ResetDetector(ctx); err != nil {
		h.sendFailure(c, err, "reset detector settings", "")
		return
	}
	utils.SendSuccess(c, h.settings.Current())
}

// UpdateEscalationCriteria replaces the escalation criteria at runtime
func (h *Handlers) UpdateEscalationCriteria(c *gin.Context) {
	var request throttle.EscalationCriteria
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := request.Validate(); err != nil {
		utils.SendError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.settings.UpdateEscalation(ctx, request, middleware.Actor(c)); err != nil {
		h.sendFailure(c, err, "update escalation criteria", "")
		return
	}
	utils.SendSuccess(c, h.settings.Current())
}

// ResetEscalationCriteria drops the runtime override
func (h *Handlers) ResetEscalationCriteria(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.settings.ResetEscalation(ctx); err != nil {
		h.sendFailure(c, err, "reset escalation criteria", "")
		return
	}
	utils.SendSuccess(c, h.settings.Current())
}
