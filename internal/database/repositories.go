package database

import (
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/frostdev-ops/trustgate/internal/database/sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Repositories holds all repository instances
type Repositories struct {
	Sessions     repositories.SessionRepository
	Fingerprints repositories.FingerprintRepository
	Overrides    repositories.OverrideRepository
	Thresholds   repositories.AnomalyThresholdRepository
	Alerts       repositories.AnomalyAlertRepository
	Samples      repositories.MetricSampleRepository
	Stats        repositories.StatsRepository
	Settings     repositories.SettingsRepository
}

// NewRepositories creates all repository instances
func NewRepositories(db *sqlx.DB, log *logrus.Logger) *Repositories {
	return &Repositories{
		Sessions:     sqlite.NewSessionRepository(db, log),
		Fingerprints: sqlite.NewFingerprintRepository(db, log),
		Overrides:    sqlite.NewOverrideRepository(db),
		Thresholds:   sqlite.NewAnomalyThresholdRepository(db),
		Alerts:       sqlite.NewAnomalyAlertRepository(db),
		Samples:      sqlite.NewMetricSampleRepository(db),
		Stats:        sqlite.NewStatsRepository(db),
		Settings:     sqlite.NewSettingsRepository(db),
	}
}
