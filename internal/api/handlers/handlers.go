package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/frostdev-ops/trustgate/internal/api/middleware"
	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/internal/core/anomaly"
	"github.com/frostdev-ops/trustgate/internal/core/metrics"
	"github.com/frostdev-ops/trustgate/internal/core/scheduler"
	"github.com/frostdev-ops/trustgate/internal/core/settings"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/internal/core/tracking"
	"github.com/frostdev-ops/trustgate/internal/database"
	"github.com/frostdev-ops/trustgate/internal/websocket"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 10 * time.Second

// Dependencies are the services the admin API exposes. Scheduler, Health
// and Hub may be nil.
type Dependencies struct {
	Config    *config.Config
	Repos     *database.Repositories
	Engine    *throttle.Engine
	Analyzer  *tracking.Analyzer
	Anomaly   *anomaly.Service
	Settings  *settings.Manager
	Scheduler *scheduler.Scheduler
	Health    *metrics.HealthChecker
	Hub       *websocket.Hub
	Logger    *logrus.Logger
}

// Handlers holds all HTTP handlers and their dependencies
type Handlers struct {
	cfg       *config.Config
	repos     *database.Repositories
	engine    *throttle.Engine
	analyzer  *tracking.Analyzer
	anomaly   *anomaly.Service
	settings  *settings.Manager
	scheduler *scheduler.Scheduler
	health    *metrics.HealthChecker
	wsHub     *websocket.Hub
	logger    *logrus.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		cfg:       deps.Config,
		repos:     deps.Repos,
		engine:    deps.Engine,
		analyzer:  deps.Analyzer,
		anomaly:   deps.Anomaly,
		settings:  deps.Settings,
		scheduler: deps.Scheduler,
		health:    deps.Health,
		wsHub:     deps.Hub,
		logger:    deps.Logger,
	}
}

func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return contextWithTimeout(c, requestTimeout)
}

func contextWithTimeout(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), timeout)
}

// sendFailure maps err to a status code. Server-side failures are logged
// with action; client-side ones are answered with notFound or the error.
func (h *Handlers) sendFailure(c *gin.Context, err error, action, notFound string) {
	status := middleware.StatusFor(err)
	switch {
	case status == http.StatusNotFound:
		utils.SendError(c, status, notFound)
	case status >= http.StatusInternalServerError:
		h.logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Failed to " + action)
		if status == http.StatusServiceUnavailable {
			utils.SendError(c, status, "Storage temporarily unavailable, try again later")
			return
		}
		utils.SendError(c, status, "Failed to "+action)
	default:
		utils.SendError(c, status, err.Error())
	}
}

// queryInt parses an integer query parameter clamped to [1, max].
func queryInt(c *gin.Context, name string, def, max int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		utils.SendError(c, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	if n == 0 {
		n = def
	}
	if n > max {
		n = max
	}
	return n, true
}

// queryDuration parses a Go duration query parameter such as "15m".
func queryDuration(c *gin.Context, name string, def time.Duration) (time.Duration, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		utils.SendError(c, http.StatusBadRequest, "Invalid "+name+", expected a duration like 15m")
		return 0, false
	}
	return d, true
}
