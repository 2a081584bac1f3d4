package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/sirupsen/logrus"
)

// CleanupReport counts the rows removed by one cleanup run.
type CleanupReport struct {
	Sessions       int64 `json:"sessions"`
	Overrides      int64 `json:"overrides"`
	TrafficBuckets int64 `json:"traffic_buckets"`
}

// SessionCleaner archives sessions idle longer than the inactivity window and
// prunes expired overrides and old traffic buckets.
type SessionCleaner struct {
	sessions         repositories.SessionRepository
	overrides        repositories.OverrideRepository
	stats            repositories.StatsRepository
	inactivity       time.Duration
	trafficRetention time.Duration
	logger           *logrus.Logger
	now              func() time.Time
}

func NewSessionCleaner(
	sessions repositories.SessionRepository,
	overrides repositories.OverrideRepository,
	stats repositories.StatsRepository,
	inactivity, trafficRetention time.Duration,
	logger *logrus.Logger,
) *SessionCleaner {
	if inactivity <= 0 {
		inactivity = time.Hour
	}
	if trafficRetention < inactivity {
		trafficRetention = inactivity
	}
	return &SessionCleaner{
		sessions:         sessions,
		overrides:        overrides,
		stats:            stats,
		inactivity:       inactivity,
		trafficRetention: trafficRetention,
		logger:           logger,
		now:              time.Now,
	}
}

// Run performs one cleanup pass. Each step runs even if an earlier one
// failed; the first error is returned.
func (c *SessionCleaner) Run(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	var firstErr error
	now := c.now()

	n, err := c.sessions.DeleteIdle(ctx, now.Add(-c.inactivity).UnixMilli())
	if err != nil {
		firstErr = fmt.Errorf("failed to archive idle sessions: %w", err)
	}
	report.Sessions = n

	n, err = c.overrides.DeleteExpired(ctx, now.UnixMilli())
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to delete expired overrides: %w", err)
	}
	report.Overrides = n

	n, err = c.stats.DeleteTrafficBefore(ctx, now.Add(-c.trafficRetention).UnixMilli())
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to prune traffic buckets: %w", err)
	}
	report.TrafficBuckets = n

	c.logger.WithFields(logrus.Fields{
		"sessions":        report.Sessions,
		"overrides":       report.Overrides,
		"traffic_buckets": report.TrafficBuckets,
	}).Info("Session cleanup completed")

	return report, firstErr
}
