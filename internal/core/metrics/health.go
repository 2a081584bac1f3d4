package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status     string                  `json:"status"`
	Message    string                  `json:"message"`
	Timestamp  time.Time               `json:"timestamp"`
	Duration   time.Duration           `json:"duration"`
	Components map[string]HealthStatus `json:"components"`
	SystemInfo map[string]interface{}  `json:"system_info"`
}

// HealthCheck probes one dependency. It must honor ctx.
type HealthCheck func(ctx context.Context) HealthStatus

type namedCheck struct {
	name     string
	check    HealthCheck
	critical bool
}

// HealthChecker runs registered component checks. Non-critical components
// that fail only degrade the overall status.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []namedCheck
	timeout time.Duration
	started time.Time
	version string
}

// NewHealthChecker creates a checker that bounds each probe by timeout.
func NewHealthChecker(timeout time.Duration, version string) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{timeout: timeout, started: time.Now(), version: version}
}

// Register adds a check. Registering a name twice replaces the first check.
func (h *HealthChecker) Register(name string, critical bool, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.checks {
		if h.checks[i].name == name {
			h.checks[i] = namedCheck{name: name, check: check, critical: critical}
			return
		}
	}
	h.checks = append(h.checks, namedCheck{name: name, check: check, critical: critical})
}

// Names lists registered components in registration order.
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, len(h.checks))
	for i, c := range h.checks {
		names[i] = c.name
	}
	return names
}

// Check runs every registered check concurrently.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	start := time.Now()

	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	components := make(map[string]HealthStatus, len(checks))
	critical := make(map[string]bool, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range checks {
		critical[c.name] = c.critical
		wg.Add(1)
		go func(c namedCheck) {
			defer wg.Done()
			began := time.Now()
			status := HealthCheckWithTimeout(ctx, h.timeout, c.check)
			status.Duration = time.Since(began)
			mu.Lock()
			components[c.name] = status
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	overall, message := calculateOverallStatus(components, critical)

	return HealthReport{
		Status:     overall,
		Message:    message,
		Timestamp:  time.Now(),
		Duration:   time.Since(start),
		Components: components,
		SystemInfo: map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    time.Since(h.started).Round(time.Second).String(),
			"version":   h.version,
		},
	}
}

// calculateOverallStatus determines the overall health status based on component statuses
func calculateOverallStatus(components map[string]HealthStatus, critical map[string]bool) (string, string) {
	if len(components) == 0 {
		return StatusHealthy, "No components registered"
	}

	var unhealthy, degraded, unknown []string
	for name, status := range components {
		switch status.Status {
		case StatusHealthy:
		case StatusDegraded:
			degraded = append(degraded, name)
		case StatusUnhealthy:
			if critical[name] {
				unhealthy = append(unhealthy, name)
			} else {
				degraded = append(degraded, name)
			}
		default:
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unhealthy)
	sort.Strings(degraded)

	total := len(components)
	if len(unhealthy) > 0 {
		return StatusUnhealthy, fmt.Sprintf("%d/%d components unhealthy: %v", len(unhealthy), total, unhealthy)
	}
	if len(degraded) > 0 {
		return StatusDegraded, fmt.Sprintf("%d/%d components degraded: %v", len(degraded), total, degraded)
	}
	if len(unknown) > 0 {
		return StatusUnknown, fmt.Sprintf("%d/%d components unknown", len(unknown), total)
	}
	return StatusHealthy, fmt.Sprintf("All %d components healthy", total)
}

// NewHealthStatus creates a new health status
func NewHealthStatus(status, message string) HealthStatus {
	return HealthStatus{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// WithDetail adds a single detail to a health status
func (h HealthStatus) WithDetail(key string, value interface{}) HealthStatus {
	if h.Details == nil {
		h.Details = make(map[string]interface{})
	}

	h.Details[key] = value
	return h
}

// IsHealthy returns true if the status is healthy
func (h HealthStatus) IsHealthy() bool {
	return h.Status == StatusHealthy
}

// PingCheck adapts a ping function, such as sql.DB.PingContext or a redis
// client's Ping, into a HealthCheck.
func PingCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) HealthStatus {
		if err := ping(ctx); err != nil {
			return NewHealthStatus(StatusUnhealthy, err.Error())
		}
		return NewHealthStatus(StatusHealthy, "ok")
	}
}

// HealthCheckWithTimeout performs a health check with timeout
func HealthCheckWithTimeout(ctx context.Context, timeout time.Duration, check HealthCheck) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan HealthStatus, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- NewHealthStatus(StatusUnhealthy, fmt.Sprintf("health check panicked: %v", r))
			}
		}()
		resultChan <- check(ctx)
	}()

	select {
	case result := <-resultChan:
		return result
	case <-ctx.Done():
		return NewHealthStatus(StatusUnhealthy, "Health check timed out").
			WithDetail("timeout", timeout.String())
	}
}
