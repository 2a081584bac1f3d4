package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	apperrors "github.com/frostdev-ops/trustgate/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Sink receives every anomaly result of a run. A failing sink is logged and
// never stops the others.
type Sink interface {
	Name() string
	Emit(ctx context.Context, result *Result) error
}

// LogSink writes results to the structured log
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Emit(_ context.Context, r *Result) error {
	entry := s.logger.WithFields(logrus.Fields{
		"alert_id": r.ID,
		"metric":   r.MetricName,
		"observed": r.ObservedValue,
		"level":    r.Level,
		"basis":    r.Basis,
	})
	switch r.Level {
	case LevelCritical:
		entry.Error(r.Message)
	case LevelWarning:
		entry.Warn(r.Message)
	default:
		entry.Info(r.Message)
	}
	return nil
}

// RepositorySink persists results for the summary queries
type RepositorySink struct {
	alerts repositories.AnomalyAlertRepository
}

func NewRepositorySink(alerts repositories.AnomalyAlertRepository) *RepositorySink {
	return &RepositorySink{alerts: alerts}
}

func (s *RepositorySink) Name() string { return "repository" }

func (s *RepositorySink) Emit(ctx context.Context, r *Result) error {
	return s.alerts.Create(ctx, r.Model())
}

// FuncSink adapts a function, used for the websocket broadcast.
type FuncSink struct {
	name string
	fn   func(*Result)
}

func NewFuncSink(name string, fn func(*Result)) *FuncSink {
	return &FuncSink{name: name, fn: fn}
}

func (s *FuncSink) Name() string { return s.name }

func (s *FuncSink) Emit(_ context.Context, r *Result) error {
	s.fn(r)
	return nil
}

// KafkaSink publishes results as JSON keyed by metric name
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	breaker  *apperrors.CircuitBreaker
	logger   *logrus.Logger
}

// NewKafkaSink connects a synchronous producer to cfg.Brokers.
func NewKafkaSink(cfg config.KafkaConfig, logger *logrus.Logger) (*KafkaSink, error) {
	saramaCfg := sarama.NewConfig()
	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid kafka version: %w", err)
		}
		saramaCfg.Version = version
	}
	if cfg.ClientID != "" {
		saramaCfg.ClientID = cfg.ClientID
	}
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Retry.Max = 3
	if cfg.Timeout > 0 {
		saramaCfg.Net.DialTimeout = cfg.Timeout
		saramaCfg.Net.WriteTimeout = cfg.Timeout
		saramaCfg.Producer.Timeout = cfg.Timeout
	}

	logger.WithField("brokers", cfg.Brokers).Info("Connecting anomaly alert producer")
	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaSink {
	return &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger,
		breaker: apperrors.NewCircuitBreaker(apperrors.CircuitBreakerConfig{
			Name:         "kafka_alert_sink",
			MaxFailures:  5,
			ResetTimeout: time.Minute,
			Logger:       logger,
		}),
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Emit(_ context.Context, r *Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode anomaly result: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(r.MetricName),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("level"), Value: []byte(r.Level)},
			{Key: []byte("basis"), Value: []byte(r.Basis)},
		},
	}

	return s.breaker.Execute(func() error {
		partition, offset, err := s.producer.SendMessage(msg)
		if err != nil {
			return fmt.Errorf("failed to publish anomaly result: %w", err)
		}
		s.logger.WithFields(logrus.Fields{
			"topic":     s.topic,
			"partition": partition,
			"offset":    offset,
		}).Debug("Anomaly result published")
		return nil
	})
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
