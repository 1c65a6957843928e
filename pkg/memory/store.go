// Package memory defines persistence for completed live conversation turns.
//
// A [TurnStore] receives every turn the live transcript aggregator completes
// and answers history and keyword queries over them. The interface is public
// so that external packages can supply alternative storage backends; the
// repository ships PostgreSQL (memory/postgres) and embedded SQLite
// (memory/sqlite) implementations.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Turn is one completed conversational turn of a live session.
type Turn struct {
	// SessionID identifies the live session the turn belongs to.
	SessionID string

	// Index is the zero-based position of the turn within its session.
	Index int

	// User is the concatenated transcription of the user's speech.
	User string

	// Model is the concatenated transcription of the model's speech.
	Model string

	// CompletedAt is when the turn-complete signal arrived.
	CompletedAt time.Time
}

// SearchOpts configures a keyword search over stored turns. All non-zero
// fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// After filters turns completed after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// DefaultSearchLimit is applied when [SearchOpts.Limit] is zero.
const DefaultSearchLimit = 50

// TurnStore persists completed live turns.
type TurnStore interface {
	// SaveTurn appends turn. Saving the same (SessionID, Index) twice
	// overwrites the earlier text.
	SaveTurn(ctx context.Context, turn Turn) error

	// Turns returns every turn of sessionID ordered by Index.
	// Returns an empty slice, not an error, for an unknown session.
	Turns(ctx context.Context, sessionID string) ([]Turn, error)

	// Search returns turns whose user or model text matches query, newest
	// first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Turn, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
