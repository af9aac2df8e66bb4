package governance

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen lets a single trial call through after the cooldown.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	// Zero disables the breaker.
	MaxFailures int
	// Cooldown is how long the circuit stays open before a trial call is allowed.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
	}
}

// CircuitBreaker stops calling a transform that keeps failing. Calls made
// while open fail fast with ErrCircuitOpen.
type CircuitBreaker struct {
	mu        sync.Mutex
	config    CircuitBreakerConfig
	now       func() time.Time
	state     CircuitBreakerState
	failures  int
	openUntil time.Time
	probing   bool
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
// now defaults to time.Now.
func NewCircuitBreaker(config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	if config.MaxFailures < 0 {
		config.MaxFailures = 0
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCircuitBreakerConfig().Cooldown
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{config: config, now: now, state: StateClosed}
}

// Allow reports whether a call may proceed. A nil breaker always allows.
func (cb *CircuitBreaker) Allow() error {
	if cb == nil || cb.config.MaxFailures == 0 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of an allowed call back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	if cb == nil || cb.config.MaxFailures == 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if err == nil {
		cb.failures = 0
		cb.state = StateClosed
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.state = StateOpen
		cb.openUntil = cb.now().Add(cb.config.Cooldown)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.now().Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	cb.openUntil = time.Time{}
}

// CircuitBreakerManager manages one circuit breaker per node.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	now      func() time.Time
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates a new circuit breaker manager.
func NewCircuitBreakerManager(now func() time.Time) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		now:      now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Configure adds or replaces the breaker for a node.
func (m *CircuitBreakerManager) Configure(nodeID string, config CircuitBreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[nodeID] = NewCircuitBreaker(config, m.now)
}

// Get returns the breaker for a node, or nil when none is configured.
func (m *CircuitBreakerManager) Get(nodeID string) *CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[nodeID]
}

// States returns the current state of every configured breaker.
func (m *CircuitBreakerManager) States() map[string]CircuitBreakerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]CircuitBreakerState, len(m.breakers))
	for id, cb := range m.breakers {
		out[id] = cb.State()
	}
	return out
}

// ResetAll resets all circuit breakers to closed state.
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
}
