package anomaly

import (
	"fmt"
	"math"
)

// TrendPolicy configures deviation-from-baseline detection.
type TrendPolicy struct {
	Enabled    bool     `json:"enabled"`
	Metrics    []string `json:"metrics"`
	WindowSize int      `json:"window_size"`
	MinSamples int      `json:"min_samples"`
	// ZScore flags |z| > ZScore; zero disables the z test.
	ZScore float64 `json:"z_score"`
	// CriticalZScore raises a z breach to critical; zero never does.
	CriticalZScore float64 `json:"critical_z_score"`
	// PercentDeviation flags |Δ%| > PercentDeviation; zero disables it.
	PercentDeviation float64 `json:"percent_deviation"`
}

// DefaultTrendPolicy returns the documented defaults.
func DefaultTrendPolicy() TrendPolicy {
	return TrendPolicy{
		Enabled:        true,
		Metrics:        []string{MetricRequestsPerMinute, MetricActiveSessions, MetricBotSessionRatio, MetricNewFingerprintsPerHour},
		WindowSize:     60,
		MinSamples:     10,
		ZScore:         3,
		CriticalZScore: 6,
	}
}

// Tracks reports whether metric is subject to trend evaluation.
func (p TrendPolicy) Tracks(metric string) bool {
	if !p.Enabled {
		return false
	}
	for _, m := range p.Metrics {
		if m == metric {
			return true
		}
	}
	return false
}

// Validate checks a policy before it is applied.
func (p TrendPolicy) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.WindowSize < 2 {
		return fmt.Errorf("trend window_size must be at least 2")
	}
	if p.MinSamples < 2 || p.MinSamples > p.WindowSize {
		return fmt.Errorf("trend min_samples must be between 2 and window_size")
	}
	if p.ZScore <= 0 && p.PercentDeviation <= 0 {
		return fmt.Errorf("trend needs z_score or percent_deviation")
	}
	if p.CriticalZScore != 0 && p.CriticalZScore < p.ZScore {
		return fmt.Errorf("trend critical_z_score must not be below z_score")
	}
	return nil
}

// Baseline summarises a rolling sample window.
type Baseline struct {
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
	Samples int     `json:"samples"`
}

// ComputeBaseline returns the mean and population standard deviation of
// the finite values in samples.
func ComputeBaseline(samples []float64) (Baseline, bool) {
	var n, sum float64
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		n++
		sum += v
	}
	if n == 0 {
		return Baseline{}, false
	}
	mean := sum / n

	var sq float64
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		d := v - mean
		sq += d * d
	}
	return Baseline{Mean: mean, StdDev: math.Sqrt(sq / n), Samples: int(n)}, true
}

// EvaluateTrend compares observed with the baseline of history. It returns a
// result iff a configured deviation test is breached. History shorter than
// MinSamples is not evaluated. A flat history (stddev 0) skips the z test.
func EvaluateTrend(metric string, observed float64, history []float64, p TrendPolicy) (*Result, bool) {
	if math.IsNaN(observed) || math.IsInf(observed, 0) {
		return nil, false
	}
	b, ok := ComputeBaseline(history)
	if !ok || b.Samples < p.MinSamples {
		return nil, false
	}

	var (
		zScore  *float64
		percent *float64
		level   Level
	)

	if p.ZScore > 0 && b.StdDev > 0 {
		z := (observed - b.Mean) / b.StdDev
		if math.Abs(z) > p.ZScore {
			zScore = &z
			level = LevelWarning
			if p.CriticalZScore > 0 && math.Abs(z) >= p.CriticalZScore {
				level = LevelCritical
			}
		}
	}

	if p.PercentDeviation > 0 && b.Mean != 0 {
		pct := (observed - b.Mean) / math.Abs(b.Mean) * 100
		if math.Abs(pct) > p.PercentDeviation {
			percent = &pct
			if level == "" {
				level = LevelWarning
			}
		}
	}

	if level == "" {
		return nil, false
	}

	baseline := b
	r := &Result{
		MetricName:    metric,
		ObservedValue: observed,
		Level:         level,
		Basis:         BasisTrend,
		Baseline:      &baseline,
		ZScore:        zScore,
		PercentChange: percent,
	}
	if zScore != nil {
		r.Message = fmt.Sprintf("%s %g is %.1fσ from baseline %.2f", metric, observed, *zScore, b.Mean)
	} else {
		r.Message = fmt.Sprintf("%s %g deviates %.1f%% from baseline %.2f", metric, observed, *percent, b.Mean)
	}
	return r, true
}
