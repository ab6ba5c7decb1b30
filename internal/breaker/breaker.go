// Package breaker implements the classic three-state circuit breaker that
// wraps every exchange call in internal/exchange: Closed (normal), Open
// (blocking, failing fast), HalfOpen (probing recovery).
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned while the breaker is Open or while HalfOpen has no
// free probe slot. RetryAfter is how long the caller should wait before
// trying again.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker %q is %s, retry after %s", e.Name, e.State, e.RetryAfter)
}

// Config holds the thresholds governing state transitions.
type Config struct {
	FailureThreshold int           // consecutive failures to trip Closed -> Open
	SuccessThreshold int           // consecutive successes to close HalfOpen -> Closed; also the HalfOpen probe slot count
	Timeout          time.Duration // time after last failure before Open allows a probe
}

// DefaultConfig returns conservative thresholds suitable for most callers.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// Stats is a point-in-time snapshot of breaker counters, for introspection.
type Stats struct {
	State            State
	Failures         int
	Successes        int
	LastFailureTime  time.Time
	StateChanges      int
	TotalRequests    int64
	BlockedRequests  int64
}

// Breaker guards calls to one named dependency. The internal critical
// section only ever reads/writes state; the protected call itself always
// runs outside the lock, so a slow call never blocks other callers' state
// decisions.
type Breaker struct {
	name   string
	cfg    Config
	mu     sync.Mutex
	state  State
	stats  Stats
	halfOpenInFlight int

	// OnStateChange, if set, is invoked (outside the lock) on every
	// transition, so an external metrics collector can observe state
	// changes without this package owning an exporter.
	OnStateChange func(from, to State)
}

// New creates a Breaker named name (used only for error messages/logging).
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// admit decides, under the lock, whether a call may proceed. It may
// transition Open -> HalfOpen on timeout expiry.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		elapsed := time.Since(b.stats.LastFailureTime)
		if b.stats.LastFailureTime.IsZero() || elapsed < b.cfg.Timeout {
			b.stats.BlockedRequests++
			retryAfter := b.cfg.Timeout - elapsed
			if retryAfter < 0 {
				retryAfter = 0
			}
			return &OpenError{Name: b.name, State: Open, RetryAfter: retryAfter}
		}
		b.transition(Open, HalfOpen)
		b.halfOpenInFlight = 0
	}

	if b.state == HalfOpen {
		if b.halfOpenInFlight >= b.cfg.SuccessThreshold {
			b.stats.BlockedRequests++
			return &OpenError{Name: b.name, State: HalfOpen, RetryAfter: b.cfg.Timeout}
		}
		b.halfOpenInFlight++
	}

	b.stats.TotalRequests++
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		b.stats.Successes++
		if b.stats.Successes >= b.cfg.SuccessThreshold {
			b.transition(HalfOpen, Closed)
			b.stats.Failures = 0
			b.stats.Successes = 0
		}
	case Closed:
		b.stats.Failures = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Failures++
	b.stats.LastFailureTime = time.Now()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		b.transition(HalfOpen, Open)
		b.stats.Successes = 0
	case Closed:
		if b.stats.Failures >= b.cfg.FailureThreshold {
			b.transition(Closed, Open)
		}
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(from, to State) {
	b.state = to
	b.stats.StateChanges++
	if b.OnStateChange != nil {
		hook := b.OnStateChange
		go hook(from, to)
	}
}

// Call executes fn under breaker protection. Only errors satisfying the
// caller-provided classify function (or a nil classify, meaning "every
// error counts") count as failures; anything else propagates without
// affecting breaker state, per contract ("only expected_exception classes
// count as failures").
func (b *Breaker) Call(fn func() error, classify func(error) bool) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	if err == nil {
		b.recordSuccess()
		return nil
	}
	if classify == nil || classify(err) {
		b.recordFailure()
	}
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetStats returns a snapshot of the breaker's counters.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.State = b.state
	return s
}

// Reset forces the breaker back to Closed with counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.stats = Stats{}
	b.halfOpenInFlight = 0
}
