package models

import "database/sql"

// AnomalyThreshold is a static bound on a platform metric
type AnomalyThreshold struct {
	ID             int64   `json:"id" db:"id"`
	MetricName     string  `json:"metric_name" db:"metric_name" yaml:"metric_name"`
	Operator       string  `json:"operator" db:"operator" yaml:"operator"`
	ThresholdValue float64 `json:"threshold_value" db:"threshold_value" yaml:"threshold_value"`
	Severity       string  `json:"severity" db:"severity" yaml:"severity"`
	Enabled        bool    `json:"enabled" db:"enabled" yaml:"enabled"`
	Description    string  `json:"description" db:"description" yaml:"description"`
	CreatedAtMs    int64   `json:"created_at_ms" db:"created_at_ms" yaml:"-"`
	UpdatedAtMs    int64   `json:"updated_at_ms" db:"updated_at_ms" yaml:"-"`
}

// AnomalyAlert is a persisted anomaly check result
type AnomalyAlert struct {
	ID             string          `db:"id"`
	MetricName     string          `db:"metric_name"`
	ObservedValue  float64         `db:"observed_value"`
	Level          string          `db:"level"`
	Basis          string          `db:"basis"`
	ThresholdID    sql.NullInt64   `db:"threshold_id"`
	Operator       string          `db:"operator"`
	ThresholdValue sql.NullFloat64 `db:"threshold_value"`
	BaselineMean   sql.NullFloat64 `db:"baseline_mean"`
	BaselineStdDev sql.NullFloat64 `db:"baseline_stddev"`
	Deviation      sql.NullFloat64 `db:"deviation"`
	PercentChange  sql.NullFloat64 `db:"percent_change"`
	TriggeredAtMs  int64           `db:"triggered_at_ms"`
}

// AlertFilter narrows alert listings
type AlertFilter struct {
	MetricName string
	Level      string
	SinceMs    int64
	Limit      int
}

// AlertSummary counts alerts per metric and level
type AlertSummary struct {
	MetricName      string  `json:"metric_name" db:"metric_name"`
	Level           string  `json:"level" db:"level"`
	Count           int64   `json:"count" db:"count"`
	LastTriggeredMs int64   `json:"last_triggered_at_ms" db:"last_triggered_at_ms"`
	MaxObserved     float64 `json:"max_observed" db:"max_observed"`
}
