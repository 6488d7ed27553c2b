// Package resilience guards calls to unreliable downstream stores.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open). The
// message sink wraps every persistent target in one so a store that keeps
// failing is skipped instead of delaying every delivery.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Do] while the breaker is open
// and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the lower-case state name.
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

// Defaults for zero [CircuitBreakerConfig] fields.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// no locks held.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	probes       int
	probeSuccess int
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero config fields
// take the package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

// Do runs fn if the breaker admits the call. It returns ctx.Err() without
// calling fn when ctx is already done, and [ErrCircuitOpen] while open. A
// cancellation of ctx by the caller is not counted as a failure.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, transition, err := cb.admit()
	cb.notify(transition)
	if err != nil {
		return err
	}

	err = fn(ctx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		cb.release(probe)
		return err
	}

	cb.notify(cb.record(probe, err == nil))
	return err
}

type transition struct {
	from, to State
	changed  bool
}

// admit decides whether a call may proceed.
func (cb *CircuitBreaker) admit() (probe bool, t transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, transition{}, ErrCircuitOpen
		}
		t = cb.setLocked(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			return false, t, ErrCircuitOpen
		}
		cb.probes++
		return true, t, nil
	}
	return false, t, nil
}

// release returns an unused probe slot.
func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

func (cb *CircuitBreaker) record(probe, ok bool) transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe && cb.state == StateHalfOpen {
		if !ok {
			return cb.setLocked(StateOpen)
		}
		cb.probeSuccess++
		if cb.probeSuccess >= cb.halfOpenMax {
			return cb.setLocked(StateClosed)
		}
		return transition{}
	}

	if ok {
		cb.failures = 0
		return transition{}
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		return cb.setLocked(StateOpen)
	}
	return transition{}
}

// setLocked moves to s and resets the counters of the new state.
func (cb *CircuitBreaker) setLocked(s State) transition {
	t := transition{from: cb.state, to: s, changed: cb.state != s}
	cb.state = s
	cb.probes, cb.probeSuccess = 0, 0
	switch s {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	return t
}

func (cb *CircuitBreaker) notify(t transition) {
	if !t.changed {
		return
	}
	level := slog.LevelInfo
	if t.to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "resilience: circuit state changed",
		"name", cb.name, "from", t.from.String(), "to", t.to.String())
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.setLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify(t)
}
