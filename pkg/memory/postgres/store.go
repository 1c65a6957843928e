package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/glyphstudio/pkg/memory"
)

// Compile-time interface check.
var _ memory.TurnStore = (*Store)(nil)

// Store is a PostgreSQL-backed [memory.TurnStore] holding a single
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the PostgreSQL database at dsn,
// verifies it with a ping, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [memory.TurnStore].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveTurn implements [memory.TurnStore].
func (s *Store) SaveTurn(ctx context.Context, turn memory.Turn) error {
	const q = `
		INSERT INTO live_turns (session_id, turn_index, user_text, model_text, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, turn_index) DO UPDATE
		SET user_text = EXCLUDED.user_text,
		    model_text = EXCLUDED.model_text,
		    completed_at = EXCLUDED.completed_at`

	_, err := s.pool.Exec(ctx, q,
		turn.SessionID,
		turn.Index,
		turn.User,
		turn.Model,
		turn.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save turn: %w", err)
	}
	return nil
}

// Turns implements [memory.TurnStore].
func (s *Store) Turns(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	const q = `
		SELECT session_id, turn_index, user_text, model_text, completed_at
		FROM   live_turns
		WHERE  session_id = $1
		ORDER  BY turn_index`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: turns: %w", err)
	}
	return collectTurns(rows)
}

// Search implements [memory.TurnStore] using PostgreSQL full-text search over
// the combined user and model text. The query is passed to plainto_tsquery so
// no special operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Turn, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', user_text || ' ' || model_text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "completed_at > "+next(opts.After))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = memory.DefaultSearchLimit
	}

	q := "SELECT session_id, turn_index, user_text, model_text, completed_at\n" +
		"FROM live_turns\n" +
		"WHERE " + strings.Join(conditions, " AND ") + "\n" +
		"ORDER BY completed_at DESC, turn_index DESC\n" +
		"LIMIT " + next(limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	return collectTurns(rows)
}

// collectTurns scans pgx rows into a slice of Turn values. It never returns a
// nil slice on success.
func collectTurns(rows pgx.Rows) ([]memory.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var t memory.Turn
		err := row.Scan(&t.SessionID, &t.Index, &t.User, &t.Model, &t.CompletedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan turns: %w", err)
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	return turns, nil
}
