package api

import (
	"net/http"

	"github.com/frostdev-ops/trustgate/internal/api/handlers"
	"github.com/frostdev-ops/trustgate/internal/api/middleware"
	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/internal/core/metrics"
	"github.com/frostdev-ops/trustgate/internal/websocket"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NewRouter creates and configures the main HTTP router. admission, collector
// and wsHub may be nil.
func NewRouter(
	cfg *config.Config,
	h *handlers.Handlers,
	admission *middleware.Admission,
	collector *metrics.Collector,
	wsHub *websocket.Hub,
	logger *logrus.Logger,
) *gin.Engine {
	// Set gin mode based on config
	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.ErrorHandlingMiddleware(logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(logger))
	if cfg.Security.EnableCORS {
		router.Use(middleware.CORSMiddleware(cfg.Security.AllowedOrigins))
	}
	if collector != nil {
		router.Use(middleware.MetricsMiddleware(collector, cfg.Metrics.Path))
	}
	router.Use(middleware.ErrorResponseMiddleware(logger))

	// Trust gate; admin and probe paths are listed in skip_paths
	if admission != nil {
		router.Use(admission.Middleware())
	}

	// Public routes
	router.GET("/health", h.Health)
	if collector != nil && cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(collector.Handler()))
	}
	if wsHub != nil {
		router.GET("/ws", websocket.HandleWebSocketGin(wsHub))
	}

	router.NoRoute(func(c *gin.Context) {
		utils.SendError(c, http.StatusNotFound, "Endpoint not found")
	})
	router.NoMethod(func(c *gin.Context) {
		utils.SendError(c, http.StatusMethodNotAllowed, "Method not allowed")
	})

	api := router.Group("/api/v1")
	{
		// Subrequest target for reverse proxies: reaching the handler means
		// the gate admitted the request. Pass the page as ?page=.
		api.GET("/admit", func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		})

		protected := api.Group("/")
		protected.Use(middleware.AdminAuth(cfg.Auth))
		{
			protected.POST("/decisions", h.Decide)

			trust := protected.Group("/trust")
			{
				sessions := trust.Group("/sessions")
				{
					sessions.GET("", h.ListSessions)
					sessions.GET("/:id", h.GetSession)
					sessions.POST("/:id/analyze", h.AnalyzeSession)
				}

				fingerprints := trust.Group("/fingerprints")
				{
					fingerprints.GET("", h.ListFingerprints)
					fingerprints.GET("/:hash", h.GetFingerprint)
					fingerprints.POST("/:hash/flag", h.FlagFingerprint)
				}

				overrides := trust.Group("/overrides")
				{
					overrides.GET("", h.ListOverrides)
					overrides.PUT("", h.SetOverride)
					overrides.DELETE("/:kind/:key", h.ClearOverride)
					overrides.POST("/:kind/:key/release", h.ReleaseIdentity)
				}

				thresholds := trust.Group("/thresholds")
				{
					thresholds.GET("", h.ListThresholds)
					thresholds.POST("", h.CreateThreshold)
					thresholds.GET("/:id", h.GetThreshold)
					thresholds.PUT("/:id", h.UpdateThreshold)
					thresholds.DELETE("/:id", h.DeleteThreshold)
				}

				anomalies := trust.Group("/anomalies")
				{
					anomalies.GET("", h.ListAnomalies)
					anomalies.GET("/summary", h.AnomalySummary)
					anomalies.GET("/metrics", h.ListMetrics)
					anomalies.POST("/run", h.RunAnomalyCheck)
				}

				settings := trust.Group("/settings")
				{
					settings.GET("", h.GetSettings)
					settings.GET("/overrides", h.ListSettingsOverrides)
					settings.PUT("/detector", h.UpdateDetectorSettings)
					settings.DELETE("/detector", h.ResetDetectorSettings)
					settings.PUT("/escalation", h.UpdateEscalationCriteria)
					settings.DELETE("/escalation", h.ResetEscalationCriteria)
				}

				jobs := trust.Group("/jobs")
				{
					jobs.GET("", h.ListJobs)
					jobs.POST("/:name/run", h.RunJob)
				}

				trust.GET("/websocket/stats", h.GetWebSocketStats)
			}
		}
	}

	return router
}
