package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// New creates the process logger. format is "json" or "text".
func New(level, format string) *logrus.Logger {
	log := logrus.New()

	if format == "text" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "time",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "msg",
				logrus.FieldKeyFunc:  "func",
			},
		})
	}

	log.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	return log
}

// DecisionLogger logs denied admission decisions immediately and folds
// admitted ones into periodic per-level summaries.
type DecisionLogger struct {
	log       *logrus.Logger
	mutex     sync.Mutex
	admitted  map[string]int
	count     int
	batchSize int
}

// NewDecisionLogger wraps log. A batchSize of zero or less logs every admitted
// request at debug level instead of batching.
func NewDecisionLogger(log *logrus.Logger, batchSize int) *DecisionLogger {
	return &DecisionLogger{
		log:       log,
		admitted:  make(map[string]int),
		batchSize: batchSize,
	}
}

// LogDecision records one admission decision.
func (dl *DecisionLogger) LogDecision(allowed bool, level string, fields logrus.Fields) {
	if !allowed {
		dl.log.WithFields(fields).WithField("trust_level", level).Warn("Request denied")
		return
	}

	if dl.batchSize <= 0 {
		dl.log.WithFields(fields).WithField("trust_level", level).Debug("Request admitted")
		return
	}

	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.admitted[level]++
	dl.count++
	if dl.count >= dl.batchSize {
		dl.flush()
	}
}

// Flush writes any pending summary.
func (dl *DecisionLogger) Flush() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.flush()
}

func (dl *DecisionLogger) flush() {
	if dl.count == 0 {
		return
	}

	dl.log.WithFields(logrus.Fields{
		"batch_summary":  true,
		"total_admitted": dl.count,
		"by_level":       dl.admitted,
	}).Info("Admission batch summary")

	dl.admitted = make(map[string]int)
	dl.count = 0
}
