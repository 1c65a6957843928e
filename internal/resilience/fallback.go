package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed wraps the last error once every entry of a [FallbackGroup]
// failed or was skipped.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is the breaker template applied to every entry. Its Name
// is replaced by the entry name.
type FallbackConfig struct {
	Breaker BreakerConfig
}

func (c FallbackConfig) breaker(name string) *Breaker {
	bc := c.Breaker
	bc.Name = name
	return NewBreaker(bc)
}

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own [Breaker]. Add every entry before sharing the group.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	members []member[T]
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a backend that is tried after all earlier ones.
func (g *FallbackGroup[T]) Add(name string, v T) {
	g.members = append(g.members, member[T]{name: name, value: v, breaker: g.cfg.breaker(name)})
}

// Names lists the entries in try order.
func (g *FallbackGroup[T]) Names() []string {
	out := make([]string, len(g.members))
	for i, m := range g.members {
		out[i] = m.name
	}
	return out
}

// Try calls fn on each entry in order and returns the first success.
// Entries with an open breaker are skipped. The walk stops as soon as ctx is
// done or fn returns [context.Canceled], returning that error unwrapped.
func Try[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		res, err := Do(m.breaker, func() (R, error) { return fn(m.value) })
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("fallback entry skipped, circuit open", "provider", m.name)
		default:
			slog.Warn("fallback entry failed", "provider", m.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
