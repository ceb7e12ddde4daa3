// Package resilience keeps speculo answering when an upstream provider
// misbehaves.
//
// Every provider in a fallback chain gets its own [CircuitBreaker]. After
// MaxFailures consecutive errors the breaker opens and the chain skips that
// provider until ResetTimeout has passed; a few probe calls then decide
// whether it is healthy again. [FallbackGroup] walks the chain in order.
//
// Cancellation is not a provider failure: speculations are cancelled as a
// matter of course when a session ends or a newer partial supersedes them,
// so [context.Canceled] never counts against a breaker and stops a chain
// without trying the remaining providers.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through.
	StateHalfOpen
)

// String returns the state name used in logs and metric attributes.
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

// Breaker defaults, used for zero config fields.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name identifies the guarded provider in logs and in OnStateChange.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default:
	// [DefaultResetTimeout].
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: [DefaultHalfOpenMax].
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	now func() time.Time
}

// CircuitBreaker is a three-state breaker guarding one provider. It is safe
// for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	probeOK  int
}

// NewCircuitBreaker returns a closed breaker for cfg.
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
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// transition describes a state change to report once the lock is released.
type transition struct {
	from, to State
}

// Execute runs fn unless the breaker rejects the call with [ErrCircuitOpen].
// An fn error wrapping [context.Canceled] is returned unchanged and neither
// counts as a failure nor as a successful probe.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, changes, err := cb.admit()
	cb.notify(changes)
	if err != nil {
		return err
	}

	err = fn()

	cb.notify(cb.settle(probe, err))
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, changes []transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, nil, ErrCircuitOpen
		}
		changes = append(changes, cb.setState(StateHalfOpen))
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, changes, ErrCircuitOpen
		}
		cb.probes++
		return true, changes, nil
	}
	return false, changes, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) []transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case errors.Is(err, context.Canceled):
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}
		return nil

	case err != nil:
		if probe {
			if cb.state != StateHalfOpen {
				return nil
			}
			slog.Warn("circuit breaker probe failed", "provider", cb.cfg.Name, "err", err)
			return []transition{cb.setState(StateOpen)}
		}
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			slog.Warn("circuit breaker opened", "provider", cb.cfg.Name, "consecutive_failures", cb.failures)
			return []transition{cb.setState(StateOpen)}
		}
		return nil

	default:
		if !probe {
			cb.failures = 0
			return nil
		}
		if cb.state != StateHalfOpen {
			return nil
		}
		cb.probeOK++
		if cb.probeOK >= cb.cfg.HalfOpenMax {
			return []transition{cb.setState(StateClosed)}
		}
		return nil
	}
}

// setState moves the breaker to to and resets the counters that state
// starts from. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	cb.probes, cb.probeOK = 0, 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.cfg.now()
	case StateClosed:
		cb.failures = 0
	}
	return t
}

func (cb *CircuitBreaker) notify(changes []transition) {
	for _, t := range changes {
		if t.to != StateOpen {
			slog.Info("circuit breaker state changed", "provider", cb.cfg.Name, "from", t.from, "to", t.to)
		}
		if cb.cfg.OnStateChange != nil {
			cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
		}
	}
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports [StateHalfOpen]; the transition itself happens
// on the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}
