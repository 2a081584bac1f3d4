package handlers

import (
	"net/http"

	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
)

// DecisionResponse is the admission answer for gateways that do not run the
// middleware in-process.
type DecisionResponse struct {
	Level          throttle.Level `json:"level"`
	Source         string         `json:"source"`
	AllowsRequests bool           `json:"allows_requests"`
	RateMultiplier float64        `json:"rate_multiplier"`
	EffectiveRate  float64        `json:"effective_rate"`
}

// Decide resolves the effective throttle level for a session and/or
// fingerprint.
func (h *Handlers) Decide(c *gin.Context) {
	var request throttle.Identity
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if request.SessionID == "" && request.FingerprintHash == "" {
		utils.SendError(c, http.StatusBadRequest, "session_id or fingerprint_hash is required")
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	decision, err := h.engine.Decide(ctx, request)
	if err != nil {
		h.sendFailure(c, err, "resolve throttle decision", "Identity not found")
		return
	}

	utils.SendSuccess(c, DecisionResponse{
		Level:          decision.Level,
		Source:         decision.Source,
		AllowsRequests: decision.Level.AllowsRequests(),
		RateMultiplier: decision.Level.RateMultiplier(),
		EffectiveRate:  h.cfg.Trust.Admission.BaseRate * decision.Level.RateMultiplier(),
	})
}
