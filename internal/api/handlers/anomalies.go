package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/frostdev-ops/trustgate/internal/core/anomaly"
	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
)

type thresholdRequest struct {
	MetricName     string   `json:"metric_name" binding:"required"`
	Operator       string   `json:"operator" binding:"required"`
	ThresholdValue *float64 `json:"threshold_value" binding:"required"`
	Severity       string   `json:"severity" binding:"required"`
	Enabled        *bool    `json:"enabled"`
	Description    string   `json:"description"`
}

func (r thresholdRequest) model() *models.AnomalyThreshold {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &models.AnomalyThreshold{
		MetricName:     r.MetricName,
		Operator:       r.Operator,
		ThresholdValue: *r.ThresholdValue,
		Severity:       r.Severity,
		Enabled:        enabled,
		Description:    r.Description,
	}
}

func thresholdID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		utils.SendError(c, http.StatusBadRequest, "Invalid threshold ID")
		return 0, false
	}
	return id, true
}

// ListThresholds lists anomaly thresholds
func (h *Handlers) ListThresholds(c *gin.Context) {
	enabledOnly := c.Query("enabled") == "true"

	ctx, cancel := requestContext(c)
	defer cancel()

	thresholds, err := h.anomaly.Thresholds(ctx, enabledOnly)
	if err != nil {
		h.sendFailure(c, err, "list thresholds", "")
		return
	}
	utils.SendSuccessWithMeta(c, thresholds, utils.ListMeta{Count: len(thresholds)})
}

// GetThreshold retrieves one threshold
func (h *Handlers) GetThreshold(c *gin.Context) {
	id, ok := thresholdID(c)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	threshold, err := h.anomaly.Threshold(ctx, id)
	if err != nil {
		h.sendFailure(c, err, "get threshold", "Threshold not found")
		return
	}
	utils.SendSuccess(c, threshold)
}

// CreateThreshold validates and stores a new threshold
func (h *Handlers) CreateThreshold(c *gin.Context) {
	var request thresholdRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	threshold := request.model()
	if err := h.anomaly.CreateThreshold(ctx, threshold); err != nil {
		h.sendFailure(c, err, "create threshold", "")
		return
	}

	utils.SendStatus(c, http.StatusCreated, threshold)
}

// UpdateThreshold replaces a stored threshold
func (h *Handlers) UpdateThreshold(c *gin.Context) {
	id, ok := thresholdID(c)
	if !ok {
		return
	}

	var request thresholdRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	threshold := request.model()
	threshold.ID = id
	if err := h.anomaly.UpdateThreshold(ctx, threshold); err != nil {
		h.sendFailure(c, err, "update threshold", "Threshold not found")
		return
	}
	utils.SendSuccess(c, threshold)
}

// DeleteThreshold removes a threshold
func (h *Handlers) DeleteThreshold(c *gin.Context) {
	id, ok := thresholdID(c)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.anomaly.DeleteThreshold(ctx, id); err != nil {
		h.sendFailure(c, err, "delete threshold", "Threshold not found")
		return
	}
	utils.SendSuccess(c, gin.H{"message": "Threshold deleted", "id": id})
}

// ListMetrics names every metric thresholds may reference
func (h *Handlers) ListMetrics(c *gin.Context) {
	utils.SendSuccess(c, h.anomaly.Registry().Names())
}

// ListAnomalies lists stored anomaly results, newest first
func (h *Handlers) ListAnomalies(c *gin.Context) {
	since, ok := queryDuration(c, "since", 24*time.Hour)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 100, 1000)
	if !ok {
		return
	}

	filter := models.AlertFilter{
		MetricName: c.Query("metric"),
		Level:      c.Query("level"),
		SinceMs:    time.Now().Add(-since).UnixMilli(),
		Limit:      limit,
	}
	if filter.Level != "" {
		level, err := anomaly.ParseLevel(filter.Level)
		if err != nil {
			utils.SendError(c, http.StatusBadRequest, err.Error())
			return
		}
		filter.Level = string(level)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	results, err := h.anomaly.Alerts(ctx, filter)
	if err != nil {
		h.sendFailure(c, err, "list anomalies", "")
		return
	}
	utils.SendSuccessWithMeta(c, results, gin.H{
		"count": len(results),
		"since": since.String(),
	})
}

// AnomalySummary counts stored results per metric and level
func (h *Handlers) AnomalySummary(c *gin.Context) {
	since, ok := queryDuration(c, "since", 24*time.Hour)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	summary, err := h.anomaly.Summary(ctx, time.Now().Add(-since))
	if err != nil {
		h.sendFailure(c, err, "summarise anomalies", "")
		return
	}
	utils.SendSuccessWithMeta(c, summary, gin.H{"since": since.String()})
}

// RunAnomalyCheck evaluates every enabled threshold and trend now
func (h *Handlers) RunAnomalyCheck(c *gin.Context) {
	timeout := h.cfg.Trust.Anomaly.RunTimeout
	if timeout <= 0 {
		timeout = requestTimeout
	}
	ctx, cancel := contextWithTimeout(c, timeout)
	defer cancel()

	report, err := h.anomaly.Run(ctx)
	if err != nil {
		h.sendFailure(c, err, "run anomaly check", "")
		return
	}
	utils.SendSuccess(c, report)
}
