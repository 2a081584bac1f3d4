package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/internal/core/anomaly"
	"github.com/frostdev-ops/trustgate/internal/core/behavior"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/sirupsen/logrus"
)

// trust_settings keys holding runtime overrides
const (
	KeyDetector   = "trust.detector"
	KeyEscalation = "trust.escalation"
)

// Snapshot is one consistent set of trust settings. Snapshots are never
// mutated after publication.
type Snapshot struct {
	Detector   behavior.Settings           `json:"detector"`
	Escalation throttle.EscalationCriteria `json:"escalation"`
	Trend      anomaly.TrendPolicy         `json:"trend"`

	DetectorOverridden   bool `json:"detector_overridden"`
	EscalationOverridden bool `json:"escalation_overridden"`
}

// Listener is called with every newly published snapshot.
type Listener func(*Snapshot)

// Manager publishes the effective trust settings: the config file values
// with any operator overrides from trust_settings applied on top.
type Manager struct {
	repo   repositories.SettingsRepository
	logger *logrus.Logger

	mu       sync.Mutex
	base     *Snapshot
	detector *behavior.Settings
	criteria *throttle.EscalationCriteria

	current   atomic.Pointer[Snapshot]
	listeners []Listener
}

// NewManager builds the base settings from cfg. Call Load to apply stored
// overrides.
func NewManager(cfg config.TrustConfig, repo repositories.SettingsRepository, logger *logrus.Logger) (*Manager, error) {
	base, err := FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	m := &Manager{repo: repo, logger: logger, base: base}
	m.current.Store(base)
	return m, nil
}

// Load reads stored overrides. A malformed override is logged and ignored.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var detector behavior.Settings
	found, err := m.readOverride(ctx, KeyDetector, &detector)
	if err != nil {
		return err
	}
	if found {
		if err := detector.Validate(); err != nil {
			m.logger.WithError(err).Warn("Ignoring invalid stored detector settings")
		} else {
			m.detector = &detector
		}
	}

	var criteria throttle.EscalationCriteria
	found, err = m.readOverride(ctx, KeyEscalation, &criteria)
	if err != nil {
		return err
	}
	if found {
		if err := criteria.Validate(); err != nil {
			m.logger.WithError(err).Warn("Ignoring invalid stored escalation criteria")
		} else {
			criteria = criteria.Normalize()
			m.criteria = &criteria
		}
	}

	m.publishLocked()
	return nil
}

func (m *Manager) readOverride(ctx context.Context, key string, out interface{}) (bool, error) {
	entry, err := m.repo.Get(ctx, key)
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(entry.Value), out); err != nil {
		m.logger.WithError(err).WithField("key", key).Warn("Ignoring unreadable stored settings")
		return false, nil
	}
	return true, nil
}

// Current returns the published snapshot.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

func (m *Manager) Detector() behavior.Settings {
	return m.Current().Detector
}

func (m *Manager) Escalation() throttle.EscalationCriteria {
	return m.Current().Escalation
}

func (m *Manager) Trend() anomaly.TrendPolicy {
	return m.Current().Trend
}

// OnChange registers l; it runs synchronously after each publication.
func (m *Manager) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// UpdateDetector validates, persists and publishes detector settings.
func (m *Manager) UpdateDetector(ctx context.Context, s behavior.Settings, by string) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := m.persist(ctx, KeyDetector, s, by); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.detector = &s
	m.publishLocked()

	m.logger.WithField("by", by).Info("Detector settings updated")
	return nil
}

// UpdateEscalation validates, persists and publishes escalation criteria.
func (m *Manager) UpdateEscalation(ctx context.Context, c throttle.EscalationCriteria, by string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c = c.Normalize()
	if err := m.persist(ctx, KeyEscalation, c, by); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.criteria = &c
	m.publishLocked()

	m.logger.WithField("by", by).Info("Escalation criteria updated")
	return nil
}

// ResetDetector drops the detector override; config values apply again.
func (m *Manager) ResetDetector(ctx context.Context) error {
	if err := m.repo.Delete(ctx, KeyDetector); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("failed to delete detector override: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detector = nil
	m.publishLocked()
	return nil
}

// ResetEscalation drops the escalation override.
func (m *Manager) ResetEscalation(ctx context.Context) error {
	if err := m.repo.Delete(ctx, KeyEscalation); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("failed to delete escalation override: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.criteria = nil
	m.publishLocked()
	return nil
}

// ApplyBase replaces the config-file layer after a reload. Overrides stay
// on top.
func (m *Manager) ApplyBase(cfg config.TrustConfig) error {
	base, err := FromConfig(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = base
	m.publishLocked()

	m.logger.Info("Trust settings reloaded from configuration")
	return nil
}

// Overrides lists the stored runtime overrides with their audit columns.
func (m *Manager) Overrides(ctx context.Context) ([]*models.TrustSetting, error) {
	return m.repo.List(ctx)
}

func (m *Manager) persist(ctx context.Context, key string, value interface{}, by string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	setting := &models.TrustSetting{
		Key:         key,
		Value:       string(raw),
		UpdatedBy:   by,
		UpdatedAtMs: time.Now().UnixMilli(),
	}
	if err := m.repo.Put(ctx, setting); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{"key": key, "revision": setting.Revision}).Debug("Stored trust settings override")
	return nil
}

func (m *Manager) publishLocked() {
	next := *m.base
	if m.detector != nil {
		next.Detector = *m.detector
		next.DetectorOverridden = true
	}
	if m.criteria != nil {
		next.Escalation = *m.criteria
		next.EscalationOverridden = true
	}
	m.current.Store(&next)

	for _, l := range m.listeners {
		l(&next)
	}
}
