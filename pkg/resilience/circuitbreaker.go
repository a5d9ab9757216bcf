package resilience

import (
	"errors"
	"sync"
	"time"

	"ai-character-runtime/backend/pkg/logger"
)

// ErrCircuitOpen is returned without invoking the operation while the breaker is open.
// It is distinct from the operation's own errors so callers can tell
// "dependency unavailable" apart from "this call failed".
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreakerState represents the current state of a circuit breaker
type CircuitBreakerState string

const (
	// StateClosed means the circuit is closed and requests are allowed to pass through
	StateClosed CircuitBreakerState = "closed"
	// StateOpen means the circuit is open and requests are being short-circuited
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen means the circuit is allowing trial requests one at a time
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint
	// ResetTimeout is how long the circuit stays open before a half-open trial
	ResetTimeout time.Duration
	// HalfOpenMaxAttempts is the number of consecutive half-open successes that close the circuit
	HalfOpenMaxAttempts uint
	// IsSuccessful classifies errors that should not count as failures (e.g. "not found").
	// nil means only a nil error is a success.
	IsSuccessful func(err error) bool
	// OnStateChange is called (under the breaker lock) after every transition
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// DefaultCircuitBreakerConfig returns a default circuit breaker configuration
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                name,
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 2,
	}
}

// CircuitBreaker implements the Circuit Breaker pattern
type CircuitBreaker struct {
	config CircuitBreakerConfig
	log    *logger.Logger

	mutex           sync.Mutex
	state           CircuitBreakerState
	failureCount    uint
	successCount    uint
	trialInFlight   bool
	lastFailureTime time.Time
	nextAttemptTime time.Time

	// Metrics
	totalFailures    uint64
	totalSuccesses   uint64
	totalRequests    uint64
	rejectedRequests uint64
	openCircuitCount uint64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig, log *logger.Logger) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMaxAttempts == 0 {
		config.HalfOpenMaxAttempts = 1
	}
	if log == nil {
		log = logger.GetGlobal()
	}
	return &CircuitBreaker{
		config: config,
		log:    log,
		state:  StateClosed,
	}
}

// Execute runs fn through the circuit breaker
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		cb.log.Warn("Circuit breaker preventing request", "name", cb.config.Name)
		return ErrCircuitOpen
	}

	startTime := time.Now()
	// a panicking operation counts as a failure so the half-open trial slot is released
	finished := false
	defer func() {
		if !finished {
			cb.recordFailure()
		}
	}()
	err := fn()
	finished = true

	if err != nil && !cb.isSuccessful(err) {
		cb.recordFailure()
		cb.log.Warn("Circuit breaker recorded failure",
			"name", cb.config.Name,
			"error", err.Error(),
			"duration", time.Since(startTime).String(),
		)
		return err
	}

	cb.recordSuccess()
	return err
}

func (cb *CircuitBreaker) isSuccessful(err error) bool {
	if cb.config.IsSuccessful == nil {
		return false
	}
	return cb.config.IsSuccessful(err)
}

// allowRequest decides whether a request may proceed and reserves the
// half-open trial slot when it is granted.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if !time.Now().Before(cb.nextAttemptTime) {
			cb.transition(StateHalfOpen)
			cb.trialInFlight = true
			return true
		}

	case StateHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			return true
		}
	}

	cb.rejectedRequests++
	return false
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalSuccesses++

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0

	case StateHalfOpen:
		cb.trialInFlight = false
		cb.successCount++
		if cb.successCount >= cb.config.HalfOpenMaxAttempts {
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalFailures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}

	case StateHalfOpen:
		cb.trialInFlight = false
		cb.transition(StateOpen)
	}
}

// transition must be called with the mutex held
func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	from := cb.state
	cb.state = to

	switch to {
	case StateOpen:
		cb.openCircuitCount++
		cb.nextAttemptTime = time.Now().Add(cb.config.ResetTimeout)
		cb.log.Info("Circuit breaker opened",
			"name", cb.config.Name,
			"failures", cb.failureCount,
			"nextAttempt", cb.nextAttemptTime.Format(time.RFC3339),
		)
	case StateHalfOpen:
		cb.successCount = 0
		cb.log.Info("Circuit breaker half-open", "name", cb.config.Name)
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.log.Info("Circuit breaker closed", "name", cb.config.Name)
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// Name returns the breaker's configured name
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.state
}

// GetMetrics returns the current metrics of the circuit breaker
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return map[string]interface{}{
		"name":               cb.config.Name,
		"state":              string(cb.state),
		"total_requests":     cb.totalRequests,
		"total_failures":     cb.totalFailures,
		"total_successes":    cb.totalSuccesses,
		"rejected_requests":  cb.rejectedRequests,
		"consecutive_errors": cb.failureCount,
		"open_circuit_count": cb.openCircuitCount,
		"last_failure_time":  cb.lastFailureTime,
	}
}
