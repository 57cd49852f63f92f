package ultrafast

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState is the circuit breaker state.
type CircuitState int64

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig controls when a host is cut off after repeated
// failures and how it is probed back to health.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	// PerHost keys breaker state by target host instead of sharing one
	// breaker across all requests.
	PerHost bool
}

// DefaultCircuitBreakerConfig returns the standard breaker settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		PerHost:          true,
	}
}

// CircuitBreaker tracks consecutive failures for one target and short
// circuits requests while the target is considered down. All state is
// manipulated with atomics; safe for concurrent use.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       int64
	failures    int64
	lastFailure int64
	successes   int64
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// NewCircuitBreaker creates a circuit breaker, filling zero fields with
// defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config = config.withDefaults()

	return &CircuitBreaker{
		config: config,
		state:  int64(CircuitClosed),
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// Allow reports whether a request may proceed. An open breaker transitions
// to half-open once the recovery timeout has elapsed and lets a single
// probe through.
func (cb *CircuitBreaker) Allow() bool {
	now := time.Now().UnixNano()

	switch cb.State() {
	case CircuitClosed:
		return true
	case CircuitOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailure)
		if now-lastFailure >= int64(cb.config.RecoveryTimeout) {
			if atomic.CompareAndSwapInt64(&cb.state, int64(CircuitOpen), int64(CircuitHalfOpen)) {
				atomic.StoreInt64(&cb.successes, 0)
				return true
			}
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// RecordFailure notes a failed request. In the half-open state a single
// failure reopens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailure, time.Now().UnixNano())

	switch cb.State() {
	case CircuitClosed:
		failures := atomic.AddInt64(&cb.failures, 1)
		if failures >= int64(cb.config.FailureThreshold) {
			atomic.StoreInt64(&cb.state, int64(CircuitOpen))
		}
	case CircuitOpen:
		// lastFailure already refreshed above
	case CircuitHalfOpen:
		atomic.AddInt64(&cb.failures, 1)
		atomic.StoreInt64(&cb.state, int64(CircuitOpen))
		atomic.StoreInt64(&cb.successes, 0)
	}
}

// RecordSuccess notes a successful request. Enough successes in the
// half-open state close the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case CircuitClosed, CircuitOpen:
	case CircuitHalfOpen:
		successes := atomic.AddInt64(&cb.successes, 1)
		if successes >= int64(cb.config.SuccessThreshold) {
			atomic.StoreInt64(&cb.state, int64(CircuitClosed))
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.successes, 0)
		}
	}
}

// circuitBreakerRegistry hands out breakers keyed by host, or one shared
// breaker when PerHost is disabled.
type circuitBreakerRegistry struct {
	config CircuitBreakerConfig

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	shared   *CircuitBreaker
}

func newCircuitBreakerRegistry(config CircuitBreakerConfig) *circuitBreakerRegistry {
	r := &circuitBreakerRegistry{config: config.withDefaults()}
	if config.PerHost {
		r.breakers = make(map[string]*CircuitBreaker)
	} else {
		r.shared = NewCircuitBreaker(config)
	}
	return r
}

// ForHost returns the breaker guarding the given host.
func (r *circuitBreakerRegistry) ForHost(host string) *CircuitBreaker {
	if !r.config.PerHost {
		return r.shared
	}

	r.mu.RLock()
	cb, ok := r.breakers[host]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[host]; ok {
		return cb
	}
	cb = NewCircuitBreaker(r.config)
	r.breakers[host] = cb
	return cb
}
