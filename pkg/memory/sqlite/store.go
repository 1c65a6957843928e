// Package sqlite provides an embedded [memory.TurnStore] on top of the pure-Go
// modernc.org/sqlite driver. It needs no external database and is the default
// when the storage driver is "sqlite".
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/glyphstudio/pkg/memory"
	_ "modernc.org/sqlite"
)

// Compile-time interface check.
var _ memory.TurnStore = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS live_turns (
    session_id   TEXT    NOT NULL,
    turn_index   INTEGER NOT NULL,
    user_text    TEXT    NOT NULL DEFAULT '',
    model_text   TEXT    NOT NULL DEFAULT '',
    completed_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, turn_index)
);
CREATE INDEX IF NOT EXISTS idx_live_turns_completed_at ON live_turns(completed_at);
`

// Store is a SQLite-backed turn store. Timestamps are stored as Unix
// nanoseconds.
type Store struct {
	db *sql.DB
}

// Open creates the database file at path (and its parent directory) if needed
// and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping implements [memory.TurnStore].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveTurn implements [memory.TurnStore].
func (s *Store) SaveTurn(ctx context.Context, turn memory.Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO live_turns(session_id, turn_index, user_text, model_text, completed_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, turn_index) DO UPDATE
		 SET user_text=excluded.user_text, model_text=excluded.model_text, completed_at=excluded.completed_at`,
		turn.SessionID, turn.Index, turn.User, turn.Model, turn.CompletedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: save turn: %w", err)
	}
	return nil
}

// Turns implements [memory.TurnStore].
func (s *Store) Turns(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, turn_index, user_text, model_text, completed_at
		 FROM live_turns WHERE session_id = ? ORDER BY turn_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: turns: %w", err)
	}
	return scanTurns(rows)
}

// Search implements [memory.TurnStore]. Every whitespace-separated term of
// query must occur in the user or model text; matching is case-insensitive
// for ASCII.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Turn, error) {
	var (
		conditions []string
		args       []any
	)
	for _, term := range strings.Fields(query) {
		conditions = append(conditions, `(user_text || ' ' || model_text) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "completed_at > ?")
		args = append(args, opts.After.UnixNano())
	}
	if len(conditions) == 0 {
		conditions = append(conditions, "1 = 1")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = memory.DefaultSearchLimit
	}
	args = append(args, limit)

	q := "SELECT session_id, turn_index, user_text, model_text, completed_at FROM live_turns WHERE " +
		strings.Join(conditions, " AND ") +
		" ORDER BY completed_at DESC, turn_index DESC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: search: %w", err)
	}
	return scanTurns(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanTurns(rows *sql.Rows) ([]memory.Turn, error) {
	defer rows.Close()
	turns := []memory.Turn{}
	for rows.Next() {
		var (
			t     memory.Turn
			nanos int64
		)
		if err := rows.Scan(&t.SessionID, &t.Index, &t.User, &t.Model, &nanos); err != nil {
			return nil, fmt.Errorf("sqlite store: scan turn: %w", err)
		}
		t.CompletedAt = time.Unix(0, nanos)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: iterate turns: %w", err)
	}
	return turns, nil
}
