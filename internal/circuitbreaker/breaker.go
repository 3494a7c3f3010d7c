package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is probing whether the service
	// has recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the circuit breaker denies admission.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker is the per-service three-state machine. Admission checks
// and outcome recording may be called concurrently; every transition happens
// under the breaker mutex.
type CircuitBreaker struct {
	name   string
	config *Config
	logger *zap.Logger

	mu    sync.Mutex
	state State

	failureCount int
	successCount int
	lastFailure  time.Time
}

// NewCircuitBreaker creates a new circuit breaker in the closed state.
func NewCircuitBreaker(name string, config *Config, logger *zap.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	if logger == nil {
		logger = zap.NewNop()
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

// Allow reports whether a request may proceed. When the circuit is open and
// the cooldown since the last failure has elapsed, the check itself drives
// the transition to half-open and admits the probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var allowed bool
	switch cb.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.config.Cooldown {
			cb.transitionTo(StateHalfOpen)
			cb.successCount = 0
			allowed = true
		} else {
			allowed = false
		}

	case StateHalfOpen:
		allowed = cb.successCount < cb.config.HalfOpenQuota

	default:
		allowed = false
	}

	RecordAdmission(cb.name, allowed)
	return allowed
}

// Record feeds a request outcome to the machine. Successes reset the
// consecutive failure count; in half-open state, reaching the probe quota
// closes the circuit. Failures stamp the last-failure time; reaching the
// threshold in closed state, or any failure while half-open, opens it.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

// onSuccess handles a successful outcome. Caller holds the mutex.
func (cb *CircuitBreaker) onSuccess() {
	cb.successCount++
	cb.failureCount = 0

	RecordSuccess(cb.name)

	if cb.state == StateHalfOpen && cb.successCount >= cb.config.HalfOpenQuota {
		cb.transitionTo(StateClosed)
	}
}

// onFailure handles a failed outcome. Caller holds the mutex.
func (cb *CircuitBreaker) onFailure() {
	cb.failureCount++
	cb.lastFailure = time.Now()

	RecordFailure(cb.name)

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// transitionTo moves the breaker to a new state. Caller holds the mutex.
func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState

	RecordStateChange(cb.name, oldState, newState)

	cb.logger.Info("circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset returns the breaker to the closed state with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailure = time.Time{}

	cb.logger.Info("circuit breaker reset",
		zap.String("name", cb.name),
	)
}

// Stats holds the observable counters of a breaker.
type Stats struct {
	State        State
	FailureCount int
	SuccessCount int
	LastFailure  time.Time
}

// Observe returns the breaker's state and counters for the status endpoint.
func (cb *CircuitBreaker) Observe() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:        cb.state,
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
		LastFailure:  cb.lastFailure,
	}
}
