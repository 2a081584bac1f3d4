package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Security  SecurityConfig  `mapstructure:"security"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Trust     TrustConfig     `mapstructure:"trust"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Path           string          `mapstructure:"path"`
	MigrationsPath string          `mapstructure:"migrations_path"`
	MaxConnections int             `mapstructure:"max_connections"`
	Migration      MigrationConfig `mapstructure:"migration"`
}

type MigrationConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// DecisionBatchSize is how many admitted requests are summarised per log line.
	DecisionBatchSize int `mapstructure:"decision_batch_size"`
}

// SecurityConfig contains CORS settings for the admin API
type SecurityConfig struct {
	EnableCORS     bool     `mapstructure:"enable_cors"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type WebSocketConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig configures the shared throttle level cache
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// KafkaConfig configures the anomaly alert stream
type KafkaConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"client_id"`
	Version  string        `mapstructure:"version"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Prefix  string `mapstructure:"prefix"`
}

// TrustConfig holds every tunable of the trust engine. The whole section is
// re-read when the config file changes.
type TrustConfig struct {
	Detector  DetectorConfig  `mapstructure:"detector"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type DetectorConfig struct {
	Weights                     map[string]int   `mapstructure:"weights"`
	BotThreshold                int              `mapstructure:"bot_threshold"`
	TotalSitePages              int              `mapstructure:"total_site_pages"`
	RequestCountThreshold       int64            `mapstructure:"request_count_threshold"`
	PageCoverageThreshold       float64          `mapstructure:"page_coverage_threshold"`
	FingerprintSessionThreshold int64            `mapstructure:"fingerprint_session_threshold"`
	TimingCoVThreshold          float64          `mapstructure:"timing_cov_threshold"`
	MinTimingSamples            int64            `mapstructure:"min_timing_samples"`
	PagesPerMinuteThreshold     float64          `mapstructure:"pages_per_minute_threshold"`
	MinPageRateWindow           time.Duration    `mapstructure:"min_page_rate_window"`
	MinBrowserVersions          map[string]int   `mapstructure:"min_browser_versions"`
	Navigation                  NavigationConfig `mapstructure:"navigation"`
}

type NavigationConfig struct {
	MinPages          int     `mapstructure:"min_pages"`
	MaxBacktrackRatio float64 `mapstructure:"max_backtrack_ratio"`
	MaxPath           int     `mapstructure:"max_path"`
}

type ThrottleConfig struct {
	ScoreBands      []ScoreBandConfig `mapstructure:"score_bands"`
	FlagBands       []FlagBandConfig  `mapstructure:"flag_bands"`
	BlockedRelease  string            `mapstructure:"blocked_release"`
	BlockedCooldown time.Duration     `mapstructure:"blocked_cooldown"`
	Downgrade       string            `mapstructure:"downgrade"`

	// FingerprintDowngrade applies to fingerprint rows; sessions use Downgrade.
	FingerprintDowngrade string        `mapstructure:"fingerprint_downgrade"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
}

type ScoreBandConfig struct {
	MinScore int    `mapstructure:"min_score"`
	Level    string `mapstructure:"level"`
}

type FlagBandConfig struct {
	MinFlags int    `mapstructure:"min_flags"`
	Level    string `mapstructure:"level"`
}

type TrackingConfig struct {
	AnalyzeEvery      int64         `mapstructure:"analyze_every"`
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	SweepSchedule     string        `mapstructure:"sweep_schedule"`
	SweepLookback     time.Duration `mapstructure:"sweep_lookback"`
	SweepTimeout      time.Duration `mapstructure:"sweep_timeout"`
	SweepBatch        int           `mapstructure:"sweep_batch"`
	SessionHeader     string        `mapstructure:"session_header"`
	SessionCookie     string        `mapstructure:"session_cookie"`
	FingerprintHeader string        `mapstructure:"fingerprint_header"`
	PageParam         string        `mapstructure:"page_param"`
}

type AdmissionConfig struct {
	FailOpen  bool     `mapstructure:"fail_open"`
	BaseRate  float64  `mapstructure:"base_rate"`
	Burst     int      `mapstructure:"burst"`
	SkipPaths []string `mapstructure:"skip_paths"`
}

type AnomalyConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Schedule        string        `mapstructure:"schedule"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	MetricTimeout   time.Duration `mapstructure:"metric_timeout"`
	SeedFile        string        `mapstructure:"seed_file"`
	SampleRetention time.Duration `mapstructure:"sample_retention"`
	ActiveWindow    time.Duration `mapstructure:"active_window"`
	Trend           TrendConfig   `mapstructure:"trend"`
}

type TrendConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	Metrics          []string `mapstructure:"metrics"`
	WindowSize       int      `mapstructure:"window_size"`
	MinSamples       int      `mapstructure:"min_samples"`
	ZScore           float64  `mapstructure:"z_score"`
	CriticalZScore   float64  `mapstructure:"critical_z_score"`
	PercentDeviation float64  `mapstructure:"percent_deviation"`
}

type CleanupConfig struct {
	Schedule         string        `mapstructure:"schedule"`
	InactivityWindow time.Duration `mapstructure:"inactivity_window"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	Timezone string `mapstructure:"timezone"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("database.path", "DATABASE_PATH")
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("kafka.topic", "KAFKA_ALERT_TOPIC")
	viper.BindEnv("trust.detector.total_site_pages", "TRUSTGATE_SITE_PAGES")
	viper.BindEnv("trust.admission.fail_open", "TRUSTGATE_FAIL_OPEN")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return decode()
}

func decode() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var errors []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, "server.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		errors = append(errors, "database.path is required")
	}
	if c.Auth.Enabled && (c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "your-secret-key-here") {
		errors = append(errors, "auth.jwt_secret must be set to a secure value when enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errors = append(errors, "redis.addr is required when redis is enabled")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errors = append(errors, "kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			errors = append(errors, "kafka.topic is required when kafka is enabled")
		}
	}

	errors = append(errors, c.Trust.validate()...)

	if len(errors) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

func (t *TrustConfig) validate() []string {
	var errors []string

	d := t.Detector
	if d.BotThreshold <= 0 {
		errors = append(errors, "trust.detector.bot_threshold must be positive")
	}
	if d.TotalSitePages < 0 {
		errors = append(errors, "trust.detector.total_site_pages must not be negative")
	}
	for name, weight := range d.Weights {
		if weight < 0 {
			errors = append(errors, fmt.Sprintf("trust.detector.weights.%s must not be negative", name))
		}
	}
	if d.PageCoverageThreshold < 0 || d.PageCoverageThreshold > 1 {
		errors = append(errors, "trust.detector.page_coverage_threshold must be between 0 and 1")
	}
	if d.Navigation.MaxBacktrackRatio < 0 || d.Navigation.MaxBacktrackRatio > 1 {
		errors = append(errors, "trust.detector.navigation.max_backtrack_ratio must be between 0 and 1")
	}
	if d.Navigation.MaxPath <= 0 {
		errors = append(errors, "trust.detector.navigation.max_path must be positive")
	}

	if len(t.Throttle.ScoreBands) == 0 {
		errors = append(errors, "trust.throttle.score_bands must define at least one band")
	}
	switch t.Throttle.BlockedRelease {
	case "manual":
	case "cooldown":
		if t.Throttle.BlockedCooldown <= 0 {
			errors = append(errors, "trust.throttle.blocked_cooldown is required when blocked_release is cooldown")
		}
	default:
		errors = append(errors, "trust.throttle.blocked_release must be manual or cooldown")
	}
	switch t.Throttle.FingerprintDowngrade {
	case "", "follow_score", "hold":
	default:
		errors = append(errors, "trust.throttle.fingerprint_downgrade must be follow_score or hold")
	}

	if t.Tracking.AnalyzeEvery <= 0 {
		errors = append(errors, "trust.tracking.analyze_every must be positive")
	}
	if t.Tracking.Workers <= 0 {
		errors = append(errors, "trust.tracking.workers must be positive")
	}
	if t.Admission.BaseRate <= 0 {
		errors = append(errors, "trust.admission.base_rate must be positive")
	}

	if t.Anomaly.Trend.Enabled {
		if t.Anomaly.Trend.WindowSize < 2 {
			errors = append(errors, "trust.anomaly.trend.window_size must be at least 2")
		}
		if t.Anomaly.Trend.ZScore <= 0 && t.Anomaly.Trend.PercentDeviation <= 0 {
			errors = append(errors, "trust.anomaly.trend needs z_score or percent_deviation")
		}
	}

	if t.Cleanup.InactivityWindow <= 0 {
		errors = append(errors, "trust.cleanup.inactivity_window must be positive")
	}

	return errors
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 3001)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.mode", "development")

	// Database defaults
	viper.SetDefault("database.path", "./data/trustgate.db")
	viper.SetDefault("database.migrations_path", "./migrations")
	viper.SetDefault("database.max_connections", 4)
	viper.SetDefault("database.migration.enabled", true)
	viper.SetDefault("database.migration.auto_migrate", true)

	// Auth defaults
	viper.SetDefault("auth.enabled", false)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.decision_batch_size", 500)

	viper.SetDefault("security.enable_cors", true)
	viper.SetDefault("security.allowed_origins", []string{"*"})

	viper.SetDefault("websocket.enabled", true)
	viper.SetDefault("websocket.ping_interval", "30s")
	viper.SetDefault("websocket.write_timeout", "10s")

	// Shared level cache
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.key_prefix", "trustgate:level:")
	viper.SetDefault("redis.ttl", "10m")

	// Alert stream
	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.topic", "trustgate.anomalies")
	viper.SetDefault("kafka.client_id", "trustgate")
	viper.SetDefault("kafka.version", "2.1.0")
	viper.SetDefault("kafka.timeout", "10s")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.prefix", "trustgate")

	// Behavioral detector
	viper.SetDefault("trust.detector.weights", map[string]int{
		"high_request_count":            30,
		"high_page_coverage":            25,
		"sequential_navigation":         20,
		"multiple_fingerprint_sessions": 20,
		"regular_timing":                15,
		"high_pages_per_minute":         15,
		"outdated_browser":              10,
	})
	viper.SetDefault("trust.detector.bot_threshold", 50)
	viper.SetDefault("trust.detector.total_site_pages", 0)
	viper.SetDefault("trust.detector.request_count_threshold", 50)
	viper.SetDefault("trust.detector.page_coverage_threshold", 0.6)
	viper.SetDefault("trust.detector.fingerprint_session_threshold", 5)
	viper.SetDefault("trust.detector.timing_cov_threshold", 0.1)
	viper.SetDefault("trust.detector.min_timing_samples", 5)
	viper.SetDefault("trust.detector.pages_per_minute_threshold", 5)
	viper.SetDefault("trust.detector.min_page_rate_window", "30s")
	viper.SetDefault("trust.detector.min_browser_versions", map[string]int{
		"chrome":  90,
		"firefox": 88,
	})
	viper.SetDefault("trust.detector.navigation.min_pages", 5)
	viper.SetDefault("trust.detector.navigation.max_backtrack_ratio", 0.2)
	viper.SetDefault("trust.detector.navigation.max_path", 200)

	// Throttle escalation
	viper.SetDefault("trust.throttle.score_bands", []map[string]interface{}{
		{"min_score": 0, "level": "normal"},
		{"min_score": 30, "level": "warning"},
		{"min_score": 50, "level": "severe"},
		{"min_score": 80, "level": "blocked"},
	})
	viper.SetDefault("trust.throttle.flag_bands", []map[string]interface{}{})
	viper.SetDefault("trust.throttle.blocked_release", "manual")
	viper.SetDefault("trust.throttle.blocked_cooldown", "0s")
	viper.SetDefault("trust.throttle.downgrade", "follow_score")
	viper.SetDefault("trust.throttle.fingerprint_downgrade", "follow_score")
	viper.SetDefault("trust.throttle.cache_ttl", "5m")

	// Tracking
	viper.SetDefault("trust.tracking.analyze_every", 10)
	viper.SetDefault("trust.tracking.workers", 4)
	viper.SetDefault("trust.tracking.queue_size", 1024)
	viper.SetDefault("trust.tracking.sweep_schedule", "0 */1 * * * *")
	viper.SetDefault("trust.tracking.sweep_lookback", "2m")
	viper.SetDefault("trust.tracking.sweep_timeout", "50s")
	viper.SetDefault("trust.tracking.sweep_batch", 500)
	viper.SetDefault("trust.tracking.session_header", "X-Session-ID")
	viper.SetDefault("trust.tracking.session_cookie", "tg_session")
	viper.SetDefault("trust.tracking.fingerprint_header", "X-Fingerprint")
	viper.SetDefault("trust.tracking.page_param", "page")

	// Admission
	viper.SetDefault("trust.admission.fail_open", true)
	viper.SetDefault("trust.admission.base_rate", 10)
	viper.SetDefault("trust.admission.burst", 20)
	viper.SetDefault("trust.admission.skip_paths", []string{"/health", "/metrics", "/ws", "/api/v1/trust", "/api/v1/decisions"})

	// Anomaly detection
	viper.SetDefault("trust.anomaly.enabled", true)
	viper.SetDefault("trust.anomaly.schedule", "30 */1 * * * *")
	viper.SetDefault("trust.anomaly.run_timeout", "45s")
	viper.SetDefault("trust.anomaly.metric_timeout", "5s")
	viper.SetDefault("trust.anomaly.seed_file", "")
	viper.SetDefault("trust.anomaly.sample_retention", "24h")
	viper.SetDefault("trust.anomaly.active_window", "5m")
	viper.SetDefault("trust.anomaly.trend.enabled", true)
	viper.SetDefault("trust.anomaly.trend.metrics", []string{
		"requests_per_minute",
		"active_sessions",
		"bot_session_ratio",
		"new_fingerprints_per_hour",
	})
	viper.SetDefault("trust.anomaly.trend.window_size", 60)
	viper.SetDefault("trust.anomaly.trend.min_samples", 10)
	viper.SetDefault("trust.anomaly.trend.z_score", 3.0)
	viper.SetDefault("trust.anomaly.trend.critical_z_score", 6.0)
	viper.SetDefault("trust.anomaly.trend.percent_deviation", 0)

	// Cleanup
	viper.SetDefault("trust.cleanup.schedule", "0 */5 * * * *")
	viper.SetDefault("trust.cleanup.inactivity_window", "1h")
	viper.SetDefault("trust.cleanup.timeout", "2m")

	viper.SetDefault("trust.scheduler.timezone", "UTC")
}
