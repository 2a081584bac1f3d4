package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frostdev-ops/trustgate/internal/api"
	"github.com/frostdev-ops/trustgate/internal/api/handlers"
	"github.com/frostdev-ops/trustgate/internal/api/middleware"
	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/internal/core/anomaly"
	"github.com/frostdev-ops/trustgate/internal/core/metrics"
	"github.com/frostdev-ops/trustgate/internal/core/scheduler"
	"github.com/frostdev-ops/trustgate/internal/core/settings"
	"github.com/frostdev-ops/trustgate/internal/core/signals"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/internal/core/tracking"
	"github.com/frostdev-ops/trustgate/internal/database"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/frostdev-ops/trustgate/internal/websocket"
	"github.com/frostdev-ops/trustgate/pkg/logger"
	"github.com/frostdev-ops/trustgate/pkg/version"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	build := version.GetBuildInfo()
	log.WithField("build", build.String()).Info("Starting TrustGate")

	// Initialize database
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()

	// Run migrations
	if cfg.Database.Migration.Enabled && cfg.Database.Migration.AutoMigrate {
		schemaVersion, err := database.Migrate(db.DB, cfg.Database.MigrationsPath)
		if err != nil {
			log.Fatal("Failed to run migrations:", err)
		}
		log.WithField("schema_version", schemaVersion).Info("Database schema is current")
	}

	// Create repositories
	repos := database.NewRepositories(db, log)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Runtime settings: config file values with stored overrides on top
	settingsManager, err := settings.NewManager(cfg.Trust, repos.Settings, log)
	if err != nil {
		log.Fatal("Failed to build trust settings:", err)
	}
	if err := settingsManager.Load(rootCtx); err != nil {
		log.Fatal("Failed to load stored trust settings:", err)
	}
	config.Watch(log, func(next *config.Config) {
		if err := settingsManager.ApplyBase(next.Trust); err != nil {
			log.WithError(err).Error("Rejected trust settings reload")
		}
	})

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(&metrics.MetricsConfig{Enabled: true, Prefix: cfg.Metrics.Prefix})
	}

	health := metrics.NewHealthChecker(5*time.Second, build.Version)
	health.Register("database", true, metrics.PingCheck(db.PingContext))

	// Shared level cache
	var levelStore throttle.LevelStore
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		levelStore = throttle.NewRedisLevelStore(redisClient, cfg.Redis.KeyPrefix, log)
		health.Register("redis", false, metrics.PingCheck(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
		log.WithField("addr", cfg.Redis.Addr).Info("Shared level cache enabled")
	}

	// Throttle engine
	levelCache := throttle.NewLevelCache(cfg.Trust.Throttle.CacheTTL, 0)
	engine := throttle.NewEngine(repos.Sessions, repos.Fingerprints, repos.Overrides, settingsManager.Escalation, levelCache, levelStore, log)
	if collector != nil {
		engine.AddObserver(collector)
	}

	// WebSocket hub
	var wsHub *websocket.Hub
	if cfg.WebSocket.Enabled {
		wsHub = websocket.NewHub(websocket.HubConfig{
			PingInterval: cfg.WebSocket.PingInterval,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		}, log)
		if collector != nil {
			wsHub.SetRecorder(collector)
		}
		engine.AddObserver(wsHub)
		go wsHub.Run(rootCtx)
	}

	// Session tracking and behavioral analysis
	analyzer := tracking.NewAnalyzer(repos.Sessions, repos.Fingerprints, nil, settingsManager.Detector, engine, tracking.AnalyzerConfig{
		Workers:       cfg.Trust.Tracking.Workers,
		QueueSize:     cfg.Trust.Tracking.QueueSize,
		SweepLookback: cfg.Trust.Tracking.SweepLookback,
		SweepBatch:    cfg.Trust.Tracking.SweepBatch,
	}, log)
	if collector != nil {
		analyzer.SetRecorder(collector)
	}
	if err := analyzer.Start(rootCtx); err != nil {
		log.Fatal("Failed to start session analyzer:", err)
	}
	tracker := tracking.NewTracker(repos.Sessions, repos.Stats, analyzer, cfg.Trust.Tracking.AnalyzeEvery, log)

	// Anomaly detection
	registry := anomaly.NewRegistry()
	anomaly.RegisterStoreMetrics(registry, repos.Stats, cfg.Trust.Anomaly.ActiveWindow, nil)
	anomaly.RegisterSystemMetrics(registry)

	anomalyService := anomaly.NewService(repos.Thresholds, repos.Samples, repos.Alerts, registry, anomaly.ServiceConfig{
		MetricTimeout: cfg.Trust.Anomaly.MetricTimeout,
		Trend:         settingsManager.Trend,
	}, log)
	anomalyService.AddSink(anomaly.NewLogSink(log))
	anomalyService.AddSink(anomaly.NewRepositorySink(repos.Alerts))
	if wsHub != nil {
		anomalyService.AddSink(wsHub)
	}
	if collector != nil {
		anomalyService.SetRecorder(collector)
	}
	if cfg.Kafka.Enabled {
		kafkaSink, err := anomaly.NewKafkaSink(cfg.Kafka, log)
		if err != nil {
			log.WithError(err).Warn("Anomaly alert stream unavailable, continuing without it")
		} else {
			defer kafkaSink.Close()
			anomalyService.AddSink(kafkaSink)
		}
	}
	if cfg.Trust.Anomaly.SeedFile != "" {
		seedThresholds(rootCtx, cfg.Trust.Anomaly.SeedFile, anomalyService, repos.Thresholds, log)
	}

	// Background jobs
	jobs := scheduler.NewScheduler(&scheduler.SchedulerConfig{Timezone: cfg.Trust.Scheduler.Timezone}, collector, log)

	admission := middleware.NewAdmission(
		cfg.Trust.Admission,
		signals.NewExtractor(signals.Options{
			SessionHeader:     cfg.Trust.Tracking.SessionHeader,
			SessionCookie:     cfg.Trust.Tracking.SessionCookie,
			FingerprintHeader: cfg.Trust.Tracking.FingerprintHeader,
			PageParam:         cfg.Trust.Tracking.PageParam,
		}),
		engine,
		tracker,
		nil,
		logger.NewDecisionLogger(log, cfg.Logging.DecisionBatchSize),
		collector,
		log,
	)

	cleaner := tracking.NewSessionCleaner(repos.Sessions, repos.Overrides, repos.Stats,
		cfg.Trust.Cleanup.InactivityWindow, cfg.Trust.Anomaly.SampleRetention, log)

	if err := registerJobs(cfg, jobs, analyzer, anomalyService, cleaner, admission.Limiter(), log); err != nil {
		log.Fatal("Failed to schedule background jobs:", err)
	}
	if err := jobs.Start(); err != nil {
		log.Fatal("Failed to start scheduler:", err)
	}

	// Initialize router
	h := handlers.NewHandlers(handlers.Dependencies{
		Config:    cfg,
		Repos:     repos,
		Engine:    engine,
		Analyzer:  analyzer,
		Anomaly:   anomalyService,
		Settings:  settingsManager,
		Scheduler: jobs,
		Health:    health,
		Hub:       wsHub,
		Logger:    log,
	})
	router := api.NewRouter(cfg, h, admission, collector, wsHub, log)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	go func() {
		log.Infof("Starting TrustGate on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	if err := jobs.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop scheduler gracefully")
	}
	analyzer.Stop()
	stop()

	log.Info("Server exited")
}

func registerJobs(
	cfg *config.Config,
	jobs *scheduler.Scheduler,
	analyzer *tracking.Analyzer,
	anomalyService *anomaly.Service,
	cleaner *tracking.SessionCleaner,
	limiter *middleware.RateLimiter,
	log *logrus.Logger,
) error {
	trust := cfg.Trust

	if err := jobs.AddJob("behavior_sweep", trust.Tracking.SweepSchedule, trust.Tracking.SweepTimeout, func(ctx context.Context) error {
		report, err := analyzer.Sweep(ctx)
		if err != nil {
			return err
		}
		if report.Analyzed > 0 {
			log.WithFields(logrus.Fields{
				"analyzed": report.Analyzed,
				"bots":     report.Bots,
				"failed":   report.Failed,
			}).Info("Behavior sweep completed")
		}
		return nil
	}); err != nil {
		return err
	}

	if trust.Anomaly.Enabled {
		if err := jobs.AddJob("anomaly_check", trust.Anomaly.Schedule, trust.Anomaly.RunTimeout, func(ctx context.Context) error {
			report, err := anomalyService.Run(ctx)
			if err != nil {
				return err
			}
			if len(report.Failures) > 0 {
				log.WithField("failures", report.Failures).Warn("Some metrics could not be evaluated")
			}
			return anomalyService.Prune(ctx, trust.Anomaly.SampleRetention)
		}); err != nil {
			return err
		}
	}

	return jobs.AddJob("session_cleanup", trust.Cleanup.Schedule, trust.Cleanup.Timeout, func(ctx context.Context) error {
		report, err := cleaner.Run(ctx)
		pruned := limiter.Prune(trust.Cleanup.InactivityWindow)
		log.WithFields(logrus.Fields{
			"sessions":        report.Sessions,
			"overrides":       report.Overrides,
			"traffic_buckets": report.TrafficBuckets,
			"rate_buckets":    pruned,
		}).Info("Session cleanup completed")
		return err
	})
}

func seedThresholds(ctx context.Context, path string, svc *anomaly.Service, repo repositories.AnomalyThresholdRepository, log *logrus.Logger) {
	thresholds, err := anomaly.LoadThresholdSeed(path, svc.Registry().Has)
	if err != nil {
		log.WithError(err).WithField("file", path).Error("Failed to load threshold seed file")
		return
	}
	created, err := anomaly.SeedThresholds(ctx, repo, thresholds)
	if err != nil {
		log.WithError(err).WithField("file", path).Error("Failed to seed anomaly thresholds")
		return
	}
	log.WithFields(logrus.Fields{
		"file":    path,
		"created": created,
		"total":   len(thresholds),
	}).Info("Anomaly thresholds seeded")
}
