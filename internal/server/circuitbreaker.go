package server

import (
	"errors"
	"sync"
	"time"

	"quickdrop/internal/logging"
)

type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	// StateHalfOpen lets a single trial call through after the cool-down.
	StateHalfOpen
)

func (s CircuitState) String() string {
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

var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker fails fast after maxFailures consecutive errors and tries
// again once timeout has elapsed. It guards the audit database so a dead
// connection does not stall the event queue.
type CircuitBreaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	log         *logging.Logger
	now         func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
	rejected uint64
}

func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration, log *logging.Logger) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if log == nil {
		log = logging.Default()
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		log:         log,
		now:         time.Now,
	}
}

// Execute runs fn unless the circuit is open. fn runs without the lock held.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			cb.rejected++
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.log.Info("circuit half-open", logging.Fields{"breaker": cb.name})
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			cb.rejected++
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	if err != nil {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != StateOpen {
				cb.log.Warn("circuit opened", logging.Fields{"breaker": cb.name, "failures": cb.failures}, err)
			}
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
		return err
	}
	if cb.state == StateHalfOpen {
		cb.log.Info("circuit closed", logging.Fields{"breaker": cb.name})
	}
	cb.state = StateClosed
	cb.failures = 0
	return nil
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Rejected counts calls refused while open.
func (cb *CircuitBreaker) Rejected() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}
