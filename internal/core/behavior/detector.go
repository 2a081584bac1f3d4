package behavior

import (
	"fmt"
	"strings"
	"time"

	"github.com/frostdev-ops/trustgate/internal/database/models"
)

// Settings holds every detector threshold. A Settings value is immutable
// once published; callers swap whole values on reload.
type Settings struct {
	Weights                     Weights            `json:"weights"`
	BotThreshold                int                `json:"bot_threshold"`
	TotalSitePages              int                `json:"total_site_pages"`
	RequestCountThreshold       int64              `json:"request_count_threshold"`
	PageCoverageThreshold       float64            `json:"page_coverage_threshold"`
	FingerprintSessionThreshold int64              `json:"fingerprint_session_threshold"`
	TimingCoVThreshold          float64            `json:"timing_cov_threshold"`
	MinTimingSamples            int64              `json:"min_timing_samples"`
	PagesPerMinuteThreshold     float64            `json:"pages_per_minute_threshold"`
	MinPageRateWindow           time.Duration      `json:"min_page_rate_window"`
	MinBrowserVersions          map[string]int     `json:"min_browser_versions"`
	Navigation                  NavigationSettings `json:"navigation"`
}

type NavigationSettings struct {
	MinPages          int     `json:"min_pages"`
	MaxBacktrackRatio float64 `json:"max_backtrack_ratio"`
	MaxPath           int     `json:"max_path"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		Weights:                     DefaultWeights(),
		BotThreshold:                50,
		RequestCountThreshold:       50,
		PageCoverageThreshold:       0.6,
		FingerprintSessionThreshold: 5,
		TimingCoVThreshold:          0.1,
		MinTimingSamples:            5,
		PagesPerMinuteThreshold:     5,
		MinPageRateWindow:           30 * time.Second,
		MinBrowserVersions:          map[string]int{"chrome": 90, "firefox": 88},
		Navigation:                  NavigationSettings{MinPages: 5, MaxBacktrackRatio: 0.2, MaxPath: 200},
	}
}

// Validate rejects settings the detector cannot apply meaningfully.
func (s Settings) Validate() error {
	var errs []string

	for sig, w := range s.Weights {
		if w < 0 {
			errs = append(errs, fmt.Sprintf("weight for %s must not be negative", Signal(sig)))
		}
	}
	if s.BotThreshold <= 0 {
		errs = append(errs, "bot_threshold must be positive")
	}
	if s.TotalSitePages < 0 {
		errs = append(errs, "total_site_pages must not be negative")
	}
	if s.PageCoverageThreshold < 0 || s.PageCoverageThreshold > 1 {
		errs = append(errs, "page_coverage_threshold must be between 0 and 1")
	}
	if s.TimingCoVThreshold < 0 {
		errs = append(errs, "timing_cov_threshold must not be negative")
	}
	if s.MinTimingSamples < 2 {
		errs = append(errs, "min_timing_samples must be at least 2")
	}
	if s.MinPageRateWindow < 0 {
		errs = append(errs, "min_page_rate_window must not be negative")
	}
	for name, v := range s.MinBrowserVersions {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("min_browser_versions.%s must not be negative", name))
		}
	}
	if s.Navigation.MaxBacktrackRatio < 0 || s.Navigation.MaxBacktrackRatio > 1 {
		errs = append(errs, "navigation.max_backtrack_ratio must be between 0 and 1")
	}
	if s.Navigation.MaxPath <= 0 {
		errs = append(errs, "navigation.max_path must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid detector settings: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Input is the aggregated evidence for one session.
type Input struct {
	RequestCount        int64
	UniquePages         int64
	PagesPerMinute      float64
	HasPagesPerMinute   bool
	Timing              models.TimingStats
	PagePath            []string
	FingerprintSessions int64
	BrowserName         string
	BrowserVersion      int
}

// InputFromSession builds detector input from a stored session row. path and
// fingerprintSessions come from separate lookups and may be empty.
func InputFromSession(s *models.Session, path []string, fingerprintSessions int64, minPageRateWindow time.Duration) Input {
	ppm, ok := s.PagesPerMinute(minPageRateWindow)
	return Input{
		RequestCount:        s.RequestCount,
		UniquePages:         s.UniquePagesVisited,
		PagesPerMinute:      ppm,
		HasPagesPerMinute:   ok,
		Timing:              s.Timing(),
		PagePath:            path,
		FingerprintSessions: fingerprintSessions,
		BrowserName:         s.BrowserName,
		BrowserVersion:      s.BrowserVersion,
	}
}

// Result is the outcome of one analysis.
type Result struct {
	Score     int       `json:"score"`
	Triggered SignalSet `json:"triggered"`
	IsBot     bool      `json:"is_bot"`
}

// Detector scores sessions. It holds no mutable state.
type Detector struct {
	classifier NavigationClassifier
}

// NewDetector creates a detector. With a nil classifier the monotonic slug
// classifier configured from Settings.Navigation is used.
func NewDetector(classifier NavigationClassifier) *Detector {
	return &Detector{classifier: classifier}
}

// Analyze evaluates every signal. It never fails: missing or malformed
// evidence leaves the corresponding signal untriggered.
func (d *Detector) Analyze(in Input, s Settings) Result {
	var set SignalSet

	if s.RequestCountThreshold > 0 && in.RequestCount > s.RequestCountThreshold {
		set = set.With(HighRequestCount)
	}

	if s.TotalSitePages > 0 && in.UniquePages > 0 {
		coverage := float64(in.UniquePages) / float64(s.TotalSitePages)
		if coverage > s.PageCoverageThreshold {
			set = set.With(HighPageCoverage)
		}
	}

	if d.isSequential(in.PagePath, s.Navigation) {
		set = set.With(SequentialNavigation)
	}

	if s.FingerprintSessionThreshold > 0 && in.FingerprintSessions > s.FingerprintSessionThreshold {
		set = set.With(MultipleFingerprintSessions)
	}

	if in.Timing.Count >= s.MinTimingSamples {
		if cov, ok := in.Timing.CoV(); ok && cov < s.TimingCoVThreshold {
			set = set.With(RegularTiming)
		}
	}

	if in.HasPagesPerMinute && s.PagesPerMinuteThreshold > 0 && in.PagesPerMinute > s.PagesPerMinuteThreshold {
		set = set.With(HighPagesPerMinute)
	}

	if isOutdated(in.BrowserName, in.BrowserVersion, s.MinBrowserVersions) {
		set = set.With(OutdatedBrowser)
	}

	score := 0
	for _, sig := range set.Signals() {
		score += s.Weights.Of(sig)
	}

	return Result{
		Score:     score,
		Triggered: set,
		IsBot:     s.BotThreshold > 0 && score >= s.BotThreshold,
	}
}

func (d *Detector) isSequential(path []string, nav NavigationSettings) bool {
	if len(path) == 0 {
		return false
	}
	if d.classifier != nil {
		return d.classifier.IsSequential(path)
	}
	return MonotonicSlugClassifier{
		MinPages:          nav.MinPages,
		MaxBacktrackRatio: nav.MaxBacktrackRatio,
	}.IsSequential(path)
}

func isOutdated(name string, version int, minimums map[string]int) bool {
	if name == "" || version <= 0 {
		return false
	}
	floor, ok := minimums[strings.ToLower(name)]
	return ok && version < floor
}
