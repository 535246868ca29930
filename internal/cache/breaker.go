package cache

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen means upstream calls are currently suspended; callers fall
// back to whatever the store holds.
var ErrCircuitOpen = errors.New("upstream circuit open")

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker guards the upstream-call path:
// - Closed: calls pass; consecutive failures are counted.
// - Open: after the failure threshold trips, calls short-circuit to
//   ErrCircuitOpen without touching the network, for the cooldown window.
// - Half-open: after the cooldown, probes pass through; enough consecutive
//   successes close the circuit again, any failure re-opens it.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            circuitState
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	now              func() time.Time
}

func NewCircuitBreaker(failureThreshold int, cooldown time.Duration, halfOpenProbes int) *CircuitBreaker {
	return &CircuitBreaker{
		state:            circuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: halfOpenProbes,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Execute runs fn unless the circuit is open, recording the outcome.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if !c.allow() {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil {
		c.recordFailure()
		return err
	}
	c.recordSuccess()
	return nil
}

// Open reports whether calls are currently being short-circuited.
func (c *CircuitBreaker) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == circuitOpen && c.now().Sub(c.openedAt) < c.cooldown
}

func (c *CircuitBreaker) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitOpen:
		if c.now().Sub(c.openedAt) < c.cooldown {
			return false
		}
		c.state = circuitHalfOpen
		c.successCount = 0
		return true
	default:
		return true
	}
}

func (c *CircuitBreaker) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.successCount = 0
	switch c.state {
	case circuitHalfOpen:
		c.state = circuitOpen
		c.openedAt = c.now()
	case circuitClosed:
		c.failureCount++
		if c.failureCount >= c.failureThreshold {
			c.state = circuitOpen
			c.openedAt = c.now()
		}
	}
}

func (c *CircuitBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitHalfOpen:
		c.successCount++
		if c.successCount >= c.successThreshold {
			c.state = circuitClosed
			c.failureCount = 0
			c.successCount = 0
		}
	case circuitClosed:
		c.failureCount = 0
	}
}
