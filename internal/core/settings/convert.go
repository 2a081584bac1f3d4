package settings

import (
	"fmt"
	"strings"

	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/internal/core/anomaly"
	"github.com/frostdev-ops/trustgate/internal/core/behavior"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
)

// FromConfig converts the trust section of the config file.
func FromConfig(cfg config.TrustConfig) (*Snapshot, error) {
	detector, err := DetectorFromConfig(cfg.Detector)
	if err != nil {
		return nil, err
	}
	criteria, err := EscalationFromConfig(cfg.Throttle)
	if err != nil {
		return nil, err
	}
	trend := TrendFromConfig(cfg.Anomaly.Trend)
	if err := trend.Validate(); err != nil {
		return nil, err
	}

	return &Snapshot{
		Detector:   detector,
		Escalation: criteria,
		Trend:      trend,
	}, nil
}

func DetectorFromConfig(c config.DetectorConfig) (behavior.Settings, error) {
	weights, err := behavior.WeightsFromMap(c.Weights)
	if err != nil {
		return behavior.Settings{}, fmt.Errorf("trust.detector.weights: %w", err)
	}

	versions := make(map[string]int, len(c.MinBrowserVersions))
	for name, v := range c.MinBrowserVersions {
		versions[strings.ToLower(name)] = v
	}

	s := behavior.Settings{
		Weights:                     weights,
		BotThreshold:                c.BotThreshold,
		TotalSitePages:              c.TotalSitePages,
		RequestCountThreshold:       c.RequestCountThreshold,
		PageCoverageThreshold:       c.PageCoverageThreshold,
		FingerprintSessionThreshold: c.FingerprintSessionThreshold,
		TimingCoVThreshold:          c.TimingCoVThreshold,
		MinTimingSamples:            c.MinTimingSamples,
		PagesPerMinuteThreshold:     c.PagesPerMinuteThreshold,
		MinPageRateWindow:           c.MinPageRateWindow,
		MinBrowserVersions:          versions,
		Navigation: behavior.NavigationSettings{
			MinPages:          c.Navigation.MinPages,
			MaxBacktrackRatio: c.Navigation.MaxBacktrackRatio,
			MaxPath:           c.Navigation.MaxPath,
		},
	}
	if err := s.Validate(); err != nil {
		return behavior.Settings{}, err
	}
	return s, nil
}

func EscalationFromConfig(c config.ThrottleConfig) (throttle.EscalationCriteria, error) {
	criteria := throttle.EscalationCriteria{
		BlockedRelease:  throttle.ReleasePolicy(c.BlockedRelease),
		BlockedCooldown: c.BlockedCooldown,
		Downgrade:       throttle.DowngradePolicy(c.Downgrade),

		FingerprintDowngrade: throttle.DowngradePolicy(c.FingerprintDowngrade),
	}

	for _, b := range c.ScoreBands {
		level, err := throttle.ParseLevel(b.Level)
		if err != nil {
			return criteria, fmt.Errorf("trust.throttle.score_bands: %w", err)
		}
		criteria.ScoreBands = append(criteria.ScoreBands, throttle.ScoreBand{MinScore: b.MinScore, Level: level})
	}
	for _, b := range c.FlagBands {
		level, err := throttle.ParseLevel(b.Level)
		if err != nil {
			return criteria, fmt.Errorf("trust.throttle.flag_bands: %w", err)
		}
		criteria.FlagBands = append(criteria.FlagBands, throttle.FlagBand{MinFlags: int64(b.MinFlags), Level: level})
	}

	if err := criteria.Validate(); err != nil {
		return criteria, err
	}
	return criteria.Normalize(), nil
}

func TrendFromConfig(c config.TrendConfig) anomaly.TrendPolicy {
	return anomaly.TrendPolicy{
		Enabled:          c.Enabled,
		Metrics:          append([]string(nil), c.Metrics...),
		WindowSize:       c.WindowSize,
		MinSamples:       c.MinSamples,
		ZScore:           c.ZScore,
		CriticalZScore:   c.CriticalZScore,
		PercentDeviation: c.PercentDeviation,
	}
}
