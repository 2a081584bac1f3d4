package errors

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned by CircuitBreaker.Execute while calls are refused.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig contains configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name         string
	MaxFailures  int
	ResetTimeout time.Duration
	Logger       *logrus.Logger
}

// CircuitBreaker stops calling a failing dependency for ResetTimeout after
// MaxFailures consecutive errors, then lets a single trial call through.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	logger       *logrus.Logger
	now          func() time.Time

	mu           sync.Mutex
	state        CircuitBreakerState
	failures     int
	lastFailTime time.Time
	trialRunning bool
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		name:         config.Name,
		maxFailures:  config.MaxFailures,
		resetTimeout: config.ResetTimeout,
		logger:       config.Logger,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Execute runs fn unless the circuit is open. Errors from fn count as
// failures; the returned error is fn's own, or a Retryable ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		return Retryable(ErrCircuitOpen)
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) < cb.resetTimeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.trialRunning = true
		return true
	case StateHalfOpen:
		if cb.trialRunning {
			return false
		}
		cb.trialRunning = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.trialRunning = false
		if cb.state != StateClosed {
			cb.setState(StateClosed)
		}
		return
	}

	cb.failures++
	cb.lastFailTime = cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.trialRunning = false
		cb.setState(StateOpen)
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(newState CircuitBreakerState) {
	oldState := cb.state
	cb.state = newState

	if cb.logger != nil && oldState != newState {
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"old_state":       oldState.String(),
			"new_state":       newState.String(),
			"failures":        cb.failures,
		}).Info("Circuit breaker state changed")
	}
}
