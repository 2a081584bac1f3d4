package anomaly

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Platform metric names
const (
	MetricRequestsPerMinute      = "requests_per_minute"
	MetricActiveSessions         = "active_sessions"
	MetricBotSessions            = "bot_sessions"
	MetricBotSessionRatio        = "bot_session_ratio"
	MetricBlockedSessions        = "blocked_sessions"
	MetricNewFingerprintsPerHour = "new_fingerprints_per_hour"
	MetricFlaggedFingerprints    = "flagged_fingerprints"
	MetricCPUPercent             = "cpu_percent"
	MetricMemoryPercent          = "memory_percent"
)

// SourceFunc reads the current value of one metric.
type SourceFunc func(ctx context.Context) (float64, error)

// Registry maps metric names to the functions that read them.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFunc
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]SourceFunc)}
}

// Register adds or replaces the source for name.
func (r *Registry) Register(name string, fn SourceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = fn
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[name]
	return ok
}

// Names returns the registered metric names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect reads one metric.
func (r *Registry) Collect(ctx context.Context, name string) (float64, error) {
	r.mu.RLock()
	fn, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("no source registered for metric %q", name)
	}
	return fn(ctx)
}

// RegisterStoreMetrics registers the traffic and trust metrics derived from
// the aggregate store. activeWindow bounds "recently active" sessions.
func RegisterStoreMetrics(r *Registry, stats repositories.StatsRepository, activeWindow time.Duration, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	since := func(d time.Duration) int64 { return now().Add(-d).UnixMilli() }

	r.Register(MetricRequestsPerMinute, func(ctx context.Context) (float64, error) {
		// the last complete minute
		bucket := models.MinuteBucket(now().Add(-time.Minute).UnixMilli())
		n, err := stats.RequestsInMinute(ctx, bucket)
		return float64(n), err
	})
	r.Register(MetricActiveSessions, func(ctx context.Context) (float64, error) {
		n, err := stats.CountActiveSessions(ctx, since(activeWindow))
		return float64(n), err
	})
	r.Register(MetricBotSessions, func(ctx context.Context) (float64, error) {
		n, err := stats.CountBotSessions(ctx, since(activeWindow))
		return float64(n), err
	})
	r.Register(MetricBotSessionRatio, func(ctx context.Context) (float64, error) {
		active, err := stats.CountActiveSessions(ctx, since(activeWindow))
		if err != nil || active == 0 {
			return 0, err
		}
		bots, err := stats.CountBotSessions(ctx, since(activeWindow))
		if err != nil {
			return 0, err
		}
		return float64(bots) / float64(active), nil
	})
	r.Register(MetricBlockedSessions, func(ctx context.Context) (float64, error) {
		n, err := stats.CountSessionsAtLevel(ctx, int(throttle.Blocked))
		return float64(n), err
	})
	r.Register(MetricNewFingerprintsPerHour, func(ctx context.Context) (float64, error) {
		n, err := stats.CountNewFingerprints(ctx, since(time.Hour))
		return float64(n), err
	})
	r.Register(MetricFlaggedFingerprints, func(ctx context.Context) (float64, error) {
		n, err := stats.CountFlaggedFingerprints(ctx)
		return float64(n), err
	})
}

// RegisterSystemMetrics registers host CPU and memory usage.
func RegisterSystemMetrics(r *Registry) {
	r.Register(MetricCPUPercent, func(ctx context.Context) (float64, error) {
		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return 0, fmt.Errorf("failed to read cpu usage: %w", err)
		}
		if len(percents) == 0 {
			return 0, fmt.Errorf("no cpu usage reported")
		}
		return percents[0], nil
	})
	r.Register(MetricMemoryPercent, func(ctx context.Context) (float64, error) {
		vmem, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to read memory usage: %w", err)
		}
		return vmem.UsedPercent, nil
	})
}
