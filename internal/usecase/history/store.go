package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"runstream/internal/domain"
)

// defaultRecentLimit caps Recent when the caller passes no limit.
const defaultRecentLimit = 20

// Entry is one finished command record.
type Entry struct {
	ID        string               `json:"id"`
	Program   string               `json:"program"`
	Args      []string             `json:"args,omitempty"`
	Status    domain.CommandStatus `json:"status"`
	ExitCode  *int                 `json:"exit_code,omitempty"`
	Error     string               `json:"error,omitempty"`
	Lines     int                  `json:"lines"`
	Bytes     int64                `json:"bytes"`
	StartedAt time.Time            `json:"started_at"`
	EndedAt   *time.Time           `json:"ended_at,omitempty"`
}

// Store persists finished command sessions in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the history database at path and runs the schema
// migration. The parent directory is created if missing.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS commands (
			id         TEXT PRIMARY KEY,
			program    TEXT NOT NULL,
			args       TEXT NOT NULL DEFAULT '[]',
			status     TEXT NOT NULL,
			exit_code  INTEGER,
			error      TEXT NOT NULL DEFAULT '',
			lines      INTEGER NOT NULL DEFAULT 0,
			bytes      INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			ended_at   TEXT
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one finished command. Recording the same id again replaces
// the previous row.
func (s *Store) Record(_ context.Context, session domain.CommandSession, stats domain.BufferStats) error {
	argsJSON, err := json.Marshal(session.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	var exitCode any
	if session.ExitCode != nil {
		exitCode = *session.ExitCode
	}
	var endedAt any
	if session.EndedAt != nil {
		endedAt = session.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO commands
		 (id, program, args, status, exit_code, error, lines, bytes, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Program, string(argsJSON), string(session.Status),
		exitCode, session.Error, stats.Lines, stats.TotalBytes,
		session.StartedAt.UTC().Format(time.RFC3339Nano), endedAt,
	)
	return err
}

// Get returns the record for id.
func (s *Store) Get(_ context.Context, id string) (*Entry, error) {
	row := s.db.QueryRow(
		"SELECT id, program, args, status, exit_code, error, lines, bytes, started_at, ended_at FROM commands WHERE id = ?", id,
	)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewSubSystemError("history", "History.Get", domain.ErrNotFound, id)
		}
		return nil, err
	}
	return entry, nil
}

// Recent returns up to n records, most recently started first. n <= 0 falls
// back to the default limit.
func (s *Store) Recent(_ context.Context, n int) ([]*Entry, error) {
	if n <= 0 {
		n = defaultRecentLimit
	}
	rows, err := s.db.Query(
		"SELECT id, program, args, status, exit_code, error, lines, bytes, started_at, ended_at FROM commands ORDER BY started_at DESC LIMIT ?", n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var argsStr, status, startedStr string
	var exitCode sql.NullInt64
	var endedStr sql.NullString
	if err := row.Scan(&e.ID, &e.Program, &argsStr, &status, &exitCode, &e.Error,
		&e.Lines, &e.Bytes, &startedStr, &endedStr); err != nil {
		return nil, err
	}
	e.Status = domain.CommandStatus(status)
	if err := json.Unmarshal([]byte(argsStr), &e.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	if endedStr.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, endedStr.String); err == nil {
			e.EndedAt = &ts
		}
	}
	return &e, nil
}
