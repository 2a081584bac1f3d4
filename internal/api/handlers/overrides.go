package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/frostdev-ops/trustgate/internal/api/middleware"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
)

// OverrideView is a throttle override as the API shows it.
type OverrideView struct {
	IdentityKind models.IdentityKind `json:"identity_kind"`
	IdentityKey  string              `json:"identity_key"`
	Level        throttle.Level      `json:"level"`
	Reason       string              `json:"reason"`
	CreatedBy    string              `json:"created_by"`
	CreatedAtMs  int64               `json:"created_at_ms"`
	ExpiresAtMs  *int64              `json:"expires_at_ms,omitempty"`
	Active       bool                `json:"active"`
}

func overrideView(o *models.ThrottleOverride, now time.Time) OverrideView {
	view := OverrideView{
		IdentityKind: o.IdentityKind,
		IdentityKey:  o.IdentityKey,
		Level:        throttle.Level(o.Level),
		Reason:       o.Reason,
		CreatedBy:    o.CreatedBy,
		CreatedAtMs:  o.CreatedAtMs,
		Active:       o.Active(now),
	}
	if o.ExpiresAtMs.Valid {
		expires := o.ExpiresAtMs.Int64
		view.ExpiresAtMs = &expires
	}
	return view
}

func parseKind(c *gin.Context) (models.IdentityKind, bool) {
	kind := models.IdentityKind(c.Param("kind"))
	if kind != models.IdentitySession && kind != models.IdentityFingerprint {
		utils.SendError(c, http.StatusBadRequest, "Identity kind must be session or fingerprint")
		return "", false
	}
	return kind, true
}

// ListOverrides lists every manual throttle override
func (h *Handlers) ListOverrides(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	overrides, err := h.repos.Overrides.List(ctx)
	if err != nil {
		h.sendFailure(c, err, "list overrides", "")
		return
	}

	now := time.Now()
	views := make([]OverrideView, 0, len(overrides))
	for _, o := range overrides {
		views = append(views, overrideView(o, now))
	}
	utils.SendSuccessWithMeta(c, views, utils.ListMeta{Count: len(views)})
}

// SetOverride pins a session or fingerprint to a level
func (h *Handlers) SetOverride(c *gin.Context) {
	var request struct {
		IdentityKind models.IdentityKind `json:"identity_kind" binding:"required"`
		IdentityKey  string              `json:"identity_key" binding:"required"`
		Level        throttle.Level      `json:"level"`
		Reason       string              `json:"reason"`
		ExpiresIn    string              `json:"expires_in"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if request.IdentityKind != models.IdentitySession && request.IdentityKind != models.IdentityFingerprint {
		utils.SendError(c, http.StatusBadRequest, "Identity kind must be session or fingerprint")
		return
	}

	now := time.Now()
	override := &models.ThrottleOverride{
		IdentityKind: request.IdentityKind,
		IdentityKey:  request.IdentityKey,
		Level:        int(request.Level),
		Reason:       request.Reason,
		CreatedBy:    middleware.Actor(c),
		CreatedAtMs:  now.UnixMilli(),
	}
	if request.ExpiresIn != "" {
		d, err := time.ParseDuration(request.ExpiresIn)
		if err != nil || d <= 0 {
			utils.SendError(c, http.StatusBadRequest, "Invalid expires_in, expected a duration like 1h")
			return
		}
		override.ExpiresAtMs = sql.NullInt64{Int64: now.Add(d).UnixMilli(), Valid: true}
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.engine.SetOverride(ctx, override); err != nil {
		h.sendFailure(c, err, "set override", "Identity not found")
		return
	}

	utils.SendSuccess(c, overrideView(override, now))
}

// ClearOverride removes an override; the stored level applies again
func (h *Handlers) ClearOverride(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.engine.ClearOverride(ctx, kind, c.Param("key")); err != nil {
		h.sendFailure(c, err, "clear override", "Override not found")
		return
	}

	utils.SendSuccess(c, gin.H{
		"message":       "Override cleared",
		"identity_kind": kind,
		"identity_key":  c.Param("key"),
	})
}

// ReleaseIdentity resets an identity's stored level to normal and drops any
// override. This is the only way out of blocked under manual release.
func (h *Handlers) ReleaseIdentity(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.engine.Release(ctx, kind, c.Param("key"), middleware.Actor(c)); err != nil {
		h.sendFailure(c, err, "release identity", "Identity not found")
		return
	}

	utils.SendSuccess(c, gin.H{
		"message":       "Identity released",
		"identity_kind": kind,
		"identity_key":  c.Param("key"),
		"level":         throttle.Normal,
	})
}
