// Package resilience provides the fault-tolerance primitives every external
// dependency call in the coherence bus is wrapped in: a three-state circuit
// breaker (§4.B) and exponential-backoff retry (§4.F, §7).
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Common errors.
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a CircuitBreaker. Field names and defaults mirror the
// §4.B / §6 configuration surface (circuit_breaker.failure_threshold etc).
type Config struct {
	FailureThreshold  int           // failures before Closed -> Open
	RecoveryThreshold int           // successes before HalfOpen -> Closed
	TimeoutWindow     time.Duration // Open dwell time before HalfOpen is attempted
	OnStateChange     func(name string, from, to State)
	Name              string
}

// DefaultConfig returns the spec's §4.B defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		RecoveryThreshold: 5,
		TimeoutWindow:     300 * time.Second,
	}
}

// CircuitBreaker implements the three-state breaker described in §4.B.
// One instance is attached per external dependency (store, evaluator, bus
// segment, or a producer's publish path).
type CircuitBreaker struct {
	mu          sync.RWMutex
	config      Config
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// New creates a CircuitBreaker, applying spec defaults for any zero fields.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 5
	}
	if cfg.TimeoutWindow <= 0 {
		cfg.TimeoutWindow = 300 * time.Second
	}
	return &CircuitBreaker{config: cfg, state: StateClosed}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker back to Closed with clean counters, for the
// `circuit reset <name>` administrative operation (§6). Unlike the normal
// Open->HalfOpen->Closed recovery path, this is an explicit operator
// override and does not wait out the timeout window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
}

// Execute runs fn with circuit breaker protection, returning ErrCircuitOpen
// without calling fn when the breaker is open and the timeout window has not
// yet elapsed.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.config.TimeoutWindow {
			cb.setState(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.RecoveryThreshold {
			cb.setState(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.config.Name, old, newState)
	}
}
