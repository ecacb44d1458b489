// Package breaker implements a per-platform circuit breaker guarding the
// trend scrapers.
//
// Each platform key owns an independent state machine
// (closed -> open -> half_open): tripping one platform's circuit never
// affects another's. The breaker stops issuing requests to a consistently
// failing source, probes recovery after a cooldown, and resumes normal
// traffic on a successful probe.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents a circuit's current condition
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults for breaker construction when a Config field is zero.
const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 300 * time.Second
	DefaultHalfOpenMaxCalls = 1
)

// Config holds the thresholds shared by every circuit the breaker manages.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // cooldown before half-open probing
	HalfOpenMaxCalls int           // concurrent probes allowed while half-open
}

// circuit is the per-key record. Mutated only under CircuitBreaker.mu.
type circuit struct {
	state         State
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
}

// CircuitBreaker tracks independent circuits keyed by platform name.
type CircuitBreaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int

	now    func() time.Time // injectable for tests
	logger *zap.SugaredLogger

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a circuit breaker. Zero Config fields fall back to defaults
// (threshold 3, recovery 300s, one half-open probe).
func New(cfg Config, logger *zap.SugaredLogger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &CircuitBreaker{
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		halfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		now:              time.Now,
		logger:           logger,
		circuits:         make(map[string]*circuit),
	}
}

// WithClock overrides the breaker's clock. Test hook.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// State returns the current circuit state for a platform, lazily moving
// open circuits to half_open once the recovery timeout has elapsed.
func (cb *CircuitBreaker) State(key string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked(key)
}

func (cb *CircuitBreaker) stateLocked(key string) State {
	c, ok := cb.circuits[key]
	if !ok {
		return StateClosed
	}
	if c.state == StateOpen && cb.now().Sub(c.lastFailure) >= cb.recoveryTimeout {
		c.state = StateHalfOpen
		c.halfOpenCalls = 0
		cb.logger.Infow("Circuit half-open, probing recovery", "platform", key)
	}
	return c.state
}

// Allow reports whether a scrape request is permitted for this platform.
// Closed circuits always allow; half-open circuits admit at most
// HalfOpenMaxCalls concurrent probes; open circuits deny.
func (cb *CircuitBreaker) Allow(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked(key) {
	case StateClosed:
		return true
	case StateHalfOpen:
		c := cb.circuits[key]
		if c.halfOpenCalls < cb.halfOpenMaxCalls {
			c.halfOpenCalls++
			return true
		}
		return false
	default: // StateOpen
		return false
	}
}

// RecordSuccess resets the failure counter and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		cb.circuits[key] = c
	}

	previous := c.state
	c.state = StateClosed
	c.failures = 0
	c.halfOpenCalls = 0

	if previous != StateClosed {
		cb.logger.Infow("Circuit closed (recovered)", "platform", key)
	}
}

// RecordFailure increments the failure counter and may trip the circuit.
// A failed half-open probe reopens immediately; otherwise the circuit opens
// once the consecutive failure count reaches the threshold.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		cb.circuits[key] = c
	}

	c.failures++
	c.lastFailure = cb.now()

	if cb.stateLocked(key) == StateHalfOpen {
		c.state = StateOpen
		cb.logger.Warnw("Circuit open (half-open probe failed)", "platform", key)
		return
	}

	if c.failures >= cb.failureThreshold && c.state != StateOpen {
		c.state = StateOpen
		cb.logger.Warnw("Circuit open",
			"platform", key,
			"failures", c.failures,
			"threshold", cb.failureThreshold)
	}
}

// Reset forcibly clears all state for a platform (operational override).
func (cb *CircuitBreaker) Reset(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.circuits, key)
}

// Snapshot returns the current state of every platform in keys, applying
// the lazy half-open transition. Platforms never seen report closed.
func (cb *CircuitBreaker) Snapshot(keys []string) map[string]State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make(map[string]State, len(keys))
	for _, key := range keys {
		out[key] = cb.stateLocked(key)
	}
	return out
}
