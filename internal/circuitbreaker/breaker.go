// Package circuitbreaker stops block scans when the chain RPC keeps failing,
// so an outage does not burn through the block range as skipped blocks.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Allow while the circuit is open
var ErrOpen = errors.New("circuit breaker open")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, no new operations allowed
	StateHalfOpen              // Testing if the upstream has recovered
)

// String returns a readable state name
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

// CircuitBreaker trips after a run of consecutive failures
type CircuitBreaker struct {
	// Consecutive failures that trip the circuit
	maxFailures int

	state    State
	lastTrip time.Time
	failures int

	// Duration before auto-reset attempt
	resetDelay time.Duration

	// Count of consecutive successful operations in HalfOpen state
	successCount int

	// Number of successful operations required to close circuit
	successThreshold int

	// Event callback for monitoring/alerting
	onTripCallback func(reason string)

	// now is replaceable in tests
	now func() time.Time

	mu sync.RWMutex
}

// New creates a breaker that opens after maxFailures consecutive failures
func New(maxFailures int) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:      maxFailures,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 1,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful operations needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Allow reports whether an operation may proceed. An open circuit moves to
// half-open once the reset delay has passed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastTrip) > cb.resetDelay {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: testing upstream recovery")
		return nil
	}
	return fmt.Errorf("%w: retry after %s", ErrOpen, cb.lastTrip.Add(cb.resetDelay).Format(time.RFC3339))
}

// RecordSuccess resets the failure run and closes a half-open circuit
// after enough successes
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: upstream has recovered")
		}
	}
}

// RecordFailure counts a failure and trips the circuit when the run is long
// enough. A failure while half-open trips immediately. It reports whether the
// circuit is open afterwards.
func (cb *CircuitBreaker) RecordFailure(err error) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.trip(fmt.Sprintf("failure while half-open: %v", err))
	case cb.state == StateClosed && cb.failures >= cb.maxFailures:
		cb.trip(fmt.Sprintf("%d consecutive failures, last: %v", cb.failures, err))
	}
	return cb.state == StateOpen
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	cb.failures = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

// trip sets the circuit breaker to open state with the current time
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.successCount = 0
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason)
	}
}
