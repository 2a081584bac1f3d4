package anomaly

import (
	"context"
	"fmt"
	"os"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Thresholds []seedThreshold `yaml:"thresholds"`
}

type seedThreshold struct {
	MetricName     string  `yaml:"metric_name"`
	Operator       string  `yaml:"operator"`
	ThresholdValue float64 `yaml:"threshold_value"`
	Severity       string  `yaml:"severity"`
	Enabled        *bool   `yaml:"enabled"`
	Description    string  `yaml:"description"`
}

// LoadThresholdSeed reads thresholds from a YAML file. Every entry is
// validated; one bad entry rejects the file.
func LoadThresholdSeed(path string, known func(string) bool) ([]*models.AnomalyThreshold, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read threshold seed: %w", err)
	}
	return ParseThresholdSeed(data, known)
}

// ParseThresholdSeed is LoadThresholdSeed over raw YAML.
func ParseThresholdSeed(data []byte, known func(string) bool) ([]*models.AnomalyThreshold, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse threshold seed: %w", err)
	}

	out := make([]*models.AnomalyThreshold, 0, len(file.Thresholds))
	for i, s := range file.Thresholds {
		t := &models.AnomalyThreshold{
			MetricName:     s.MetricName,
			Operator:       s.Operator,
			ThresholdValue: s.ThresholdValue,
			Severity:       s.Severity,
			Enabled:        s.Enabled == nil || *s.Enabled,
			Description:    s.Description,
		}
		if err := ValidateThreshold(t, known); err != nil {
			return nil, fmt.Errorf("threshold seed entry %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// SeedThresholds inserts every threshold that is not stored yet and returns
// how many were added.
func SeedThresholds(ctx context.Context, repo repositories.AnomalyThresholdRepository, thresholds []*models.AnomalyThreshold) (int, error) {
	added := 0
	for _, t := range thresholds {
		created, err := repo.CreateIfAbsent(ctx, t)
		if err != nil {
			return added, fmt.Errorf("failed to seed threshold %s: %w", t.MetricName, err)
		}
		if created {
			added++
		}
	}
	return added, nil
}
