package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned immediately, without invoking the wrapped
// operation, while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the current state of the circuit breaker
type CircuitBreakerState int

const (
	Closed CircuitBreakerState = iota
	Open
	HalfOpen
)

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`  // Time to wait before the half-open probe
}

// CircuitBreakerStats holds statistics for the circuit breaker
type CircuitBreakerStats struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	RejectedRequests   int64     `json:"rejected_requests"`
	LastFailureTime    time.Time `json:"last_failure_time"`
	LastSuccessTime    time.Time `json:"last_success_time"`
	StateChanges       int64     `json:"state_changes"`
}

// CircuitBreaker wraps provider fetches so non-rate-limit failures
// (timeouts, 5xx) cannot cascade into tight retry loops. It is independent
// of the rate limiter: closed lets operations through and counts
// consecutive failures, open rejects immediately until the recovery
// timeout elapses, half-open admits a single probe whose outcome decides
// the next state.
type CircuitBreaker struct {
	name     string
	config   CircuitBreakerConfig
	logger   *logrus.Logger
	mu       sync.Mutex
	state    CircuitBreakerState
	failures int
	openedAt time.Time
	probing  bool
	stats    CircuitBreakerStats
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *logrus.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  Closed,
	}
}

// Execute runs the given function with circuit breaker protection. The
// wrapped function runs outside the breaker lock so slow fetches never
// block state inspection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeExecute(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.afterExecute(err)
	return err
}

func (cb *CircuitBreaker) beforeExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++

	switch cb.state {
	case Closed:
		return nil

	case Open:
		if time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.setState(HalfOpen)
			cb.probing = true
			return nil
		}
		cb.stats.RejectedRequests++
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"failure_count":   cb.failures,
		}).Warn("Circuit breaker is open, rejecting request")
		return ErrCircuitOpen

	case HalfOpen:
		// One probe at a time; concurrent callers are rejected until it
		// resolves.
		if cb.probing {
			cb.stats.RejectedRequests++
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) afterExecute(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure(err)
	} else {
		cb.onSuccess()
	}
}

// onSuccess handles successful execution
func (cb *CircuitBreaker) onSuccess() {
	cb.stats.SuccessfulRequests++
	cb.stats.LastSuccessTime = time.Now()

	switch cb.state {
	case Closed:
		cb.failures = 0
	case HalfOpen:
		cb.probing = false
		cb.failures = 0
		cb.setState(Closed)
	}
}

// onFailure handles failed execution
func (cb *CircuitBreaker) onFailure(err error) {
	cb.stats.FailedRequests++
	cb.stats.LastFailureTime = time.Now()

	switch cb.state {
	case Closed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = time.Now()
			cb.setState(Open)
		}
	case HalfOpen:
		// The probe failed: reopen and restart the recovery timer.
		cb.probing = false
		cb.failures++
		cb.openedAt = time.Now()
		cb.setState(Open)
	}

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"state":           cb.stateName(cb.state),
		"error":           err.Error(),
		"failure_count":   cb.failures,
	}).Warn("Circuit breaker: failed execution")
}

// setState changes the circuit breaker state
func (cb *CircuitBreaker) setState(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.stats.StateChanges++

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"old_state":       cb.stateName(oldState),
		"new_state":       cb.stateName(newState),
		"failure_count":   cb.failures,
	}).Info("Circuit breaker state changed")
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns the current statistics
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// IsOpen returns true if the circuit breaker is open
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == Open
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(Closed)
	cb.failures = 0
	cb.probing = false

	cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker manually reset")
}

// stateName returns the string representation of a given state
func (cb *CircuitBreaker) stateName(state CircuitBreakerState) string {
	switch state {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerManager manages one circuit breaker per resource name.
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	logger   *logrus.Logger
	mu       sync.RWMutex
}

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager(logger *logrus.Logger) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// GetOrCreate gets an existing circuit breaker or creates a new one
func (cbm *CircuitBreakerManager) GetOrCreate(name string, config CircuitBreakerConfig) *CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if breaker, exists := cbm.breakers[name]; exists {
		return breaker
	}

	breaker := NewCircuitBreaker(name, config, cbm.logger)
	cbm.breakers[name] = breaker
	return breaker
}

// GetAllStats returns statistics for all circuit breakers
func (cbm *CircuitBreakerManager) GetAllStats() map[string]CircuitBreakerStats {
	cbm.mu.RLock()
	defer cbm.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats)
	for name, breaker := range cbm.breakers {
		stats[name] = breaker.GetStats()
	}
	return stats
}

// ResetAll resets all circuit breakers
func (cbm *CircuitBreakerManager) ResetAll() {
	cbm.mu.RLock()
	defer cbm.mu.RUnlock()

	for _, breaker := range cbm.breakers {
		breaker.Reset()
	}
}
