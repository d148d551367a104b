package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/papa/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			name TEXT NOT NULL,
			pid INTEGER NOT NULL,
			run INTEGER NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			exit_signal TEXT NULL,
			failures INTEGER NOT NULL,
			restarts INTEGER NOT NULL,
			error TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_process_history_name ON process_history(name);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_history(occurred_at, event, name, pid, run, state, exit_code, exit_signal, failures, restarts, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.Name, rec.PID, int64(rec.Run), rec.State,
		rec.ExitCode, nullString(rec.ExitSignal), rec.Failures, rec.Restarts, nullString(rec.Error))
	return err
}

// Count returns the number of stored events for name, all names when empty.
func (s *Sink) Count(ctx context.Context, name string) (int, error) {
	var n int
	var err error
	if name == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM process_history`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM process_history WHERE name = ?`, name).Scan(&n)
	}
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
