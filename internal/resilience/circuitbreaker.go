// Package resilience guards the studio calls with circuit breakers and
// ordered failover.
//
// A [Breaker] trips open after a run of consecutive failures, rejects calls
// with [ErrCircuitOpen] for a cooldown, then admits a few half-open probes
// before closing again. A [FallbackGroup] puts a breaker in front of every
// entry and walks them in order. [Guard] applies both to a studio provider.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling through while a breaker is open
// or its half-open probe slots are taken.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is a breaker's operating mode.
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

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted.
type BreakerConfig struct {
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default 5.
	Threshold int

	// Cooldown is how long an open breaker rejects calls. Default 30s.
	Cooldown time.Duration

	// Probes is the number of half-open successes needed to close, and the
	// number of probes allowed in flight. Default 3.
	Probes int

	// IsFailure classifies an error. Default [DefaultIsFailure].
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock.
	Now func() time.Time
}

// DefaultIsFailure counts every non-nil error except [context.Canceled].
func DefaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inflight int
	passed   int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do runs fn through b. While b rejects calls fn is not invoked and the
// error is [ErrCircuitOpen].
func Do[R any](b *Breaker, fn func() (R, error)) (R, error) {
	probe, err := b.allow()
	if err != nil {
		var zero R
		return zero, err
	}
	res, err := fn()
	b.done(probe, err)
	return res, err
}

// allow admits a call and reports whether it is a half-open probe.
func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state, b.inflight, b.passed = StateHalfOpen, 0, 0
	}
	if b.state == StateClosed {
		b.mu.Unlock()
		return false, nil
	}
	if b.inflight >= b.cfg.Probes {
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return false, ErrCircuitOpen
	}
	b.inflight++
	b.mu.Unlock()
	b.notify(from, StateHalfOpen)
	return true, nil
}

// done records the outcome of a call admitted by allow.
func (b *Breaker) done(probe bool, err error) {
	failed := b.cfg.IsFailure(err)

	b.mu.Lock()
	from := b.state
	switch {
	case !probe:
		if failed {
			b.failures++
			if b.state == StateClosed && b.failures >= b.cfg.Threshold {
				b.trip()
			}
		} else if err == nil {
			b.failures = 0
		}
	case b.state != StateHalfOpen:
		// The probe outlived its half-open window.
	case failed:
		b.trip()
	case err == nil:
		b.passed++
		if b.passed >= b.cfg.Probes {
			b.state, b.failures = StateClosed, 0
		}
	default:
		b.inflight--
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if to == StateOpen && from != StateOpen {
		slog.Warn("circuit breaker opened", "name", b.cfg.Name, "consecutive_failures", failures, "err", err)
	}
	if to == StateClosed && from == StateHalfOpen {
		slog.Info("circuit breaker closed", "name", b.cfg.Name)
	}
	b.notify(from, to)
}

// trip opens the breaker. Caller holds b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.cfg.Now()
	b.inflight, b.passed = 0, 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State reports the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state, b.failures, b.inflight, b.passed = StateClosed, 0, 0, 0
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
