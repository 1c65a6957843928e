// Package postgres provides a PostgreSQL-backed [memory.TurnStore].
//
// Turns live in a single live_turns table keyed by (session_id, turn_index)
// with a GIN full-text index over the user and model text. [Migrate] creates
// the table and indexes idempotently.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.SaveTurn(ctx, turn)
//	hits, _ := store.Search(ctx, "weather", memory.SearchOpts{Limit: 10})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlLiveTurns = `
CREATE TABLE IF NOT EXISTS live_turns (
    session_id   TEXT         NOT NULL,
    turn_index   INTEGER      NOT NULL,
    user_text    TEXT         NOT NULL DEFAULT '',
    model_text   TEXT         NOT NULL DEFAULT '',
    completed_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, turn_index)
);

CREATE INDEX IF NOT EXISTS idx_live_turns_completed_at
    ON live_turns (completed_at);

CREATE INDEX IF NOT EXISTS idx_live_turns_fts
    ON live_turns USING GIN (to_tsvector('english', user_text || ' ' || model_text));
`

// Migrate creates the live_turns table and its indexes if they do not exist.
// It is safe to call on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlLiveTurns); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
