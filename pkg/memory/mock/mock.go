// Package mock provides an in-memory test double for [memory.TurnStore].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.TurnStore{}
//	// inject store into the system under test …
//	if got := store.CallCount("SaveTurn"); got != 1 {
//	    t.Errorf("expected 1 SaveTurn call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/glyphstudio/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// TurnStore is a configurable test double for [memory.TurnStore]. Saved turns
// are kept in memory so Turns and Search behave like a real store unless a
// *Result field overrides them.
type TurnStore struct {
	mu sync.Mutex

	calls []Call
	saved []memory.Turn

	// SaveTurnErr is returned by SaveTurn when non-nil. The turn is not kept.
	SaveTurnErr error

	// TurnsErr is returned by Turns when non-nil.
	TurnsErr error

	// SearchResult, when non-nil, is returned by Search instead of matching
	// against saved turns.
	SearchResult []memory.Turn

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// PingErr is returned by Ping.
	PingErr error
}

func (s *TurnStore) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// SaveTurn implements [memory.TurnStore].
func (s *TurnStore) SaveTurn(_ context.Context, turn memory.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SaveTurn", turn)
	if s.SaveTurnErr != nil {
		return s.SaveTurnErr
	}
	for i, t := range s.saved {
		if t.SessionID == turn.SessionID && t.Index == turn.Index {
			s.saved[i] = turn
			return nil
		}
	}
	s.saved = append(s.saved, turn)
	return nil
}

// Turns implements [memory.TurnStore].
func (s *TurnStore) Turns(_ context.Context, sessionID string) ([]memory.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Turns", sessionID)
	if s.TurnsErr != nil {
		return nil, s.TurnsErr
	}
	out := []memory.Turn{}
	for _, t := range s.saved {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b memory.Turn) int { return a.Index - b.Index })
	return out, nil
}

// Search implements [memory.TurnStore] with a case-insensitive substring
// match over saved turns.
func (s *TurnStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Search", query, opts)
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	if s.SearchResult != nil {
		return s.SearchResult, nil
	}
	q := strings.ToLower(query)
	out := []memory.Turn{}
	for i := len(s.saved) - 1; i >= 0; i-- {
		t := s.saved[i]
		if opts.SessionID != "" && t.SessionID != opts.SessionID {
			continue
		}
		if !strings.Contains(strings.ToLower(t.User+" "+t.Model), q) {
			continue
		}
		out = append(out, t)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Ping implements [memory.TurnStore].
func (s *TurnStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Ping")
	return s.PingErr
}

// Calls returns a copy of all recorded calls.
func (s *TurnStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns the number of times method was called.
func (s *TurnStore) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and saved turns.
func (s *TurnStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.saved = nil
}

// Ensure TurnStore implements memory.TurnStore at compile time.
var _ memory.TurnStore = (*TurnStore)(nil)
