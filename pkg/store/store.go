package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidDependency is returned when a dependency insert would form a
	// cycle or reference a missing task.
	ErrInvalidDependency = errors.New("invalid dependency")

	// ErrInvalidInput is returned for store mutations with bad input (unknown
	// enum values, empty required fields). No state change occurs.
	ErrInvalidInput = errors.New("invalid input")
)

// timeLayout is a fixed-width ISO-8601 UTC format. Fixed width keeps
// lexicographic TEXT ordering identical to chronological ordering, which the
// canonical task sort relies on.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store is the durable, single-writer home of all persisted entities: tasks,
// dependencies, checkpoints, logs, artifacts, gates and idle tasks. It is
// backed by a single SQLite database file in WAL mode.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the database at <dataDir>/apex.db and
// applies schema migrations.
func Open(dataDir string) (*Store, error) {
	return openPath(filepath.Join(dataDir, "apex.db"))
}

// OpenMemory opens an in-memory store. Used by tests and dry runs.
func OpenMemory() (*Store, error) {
	return openPath(":memory:")
}

func openPath(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// :memory: databases coherent across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive. Used by health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// fmtNullTime maps the zero time to SQL NULL.
func fmtNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	// Tolerate rows written by older versions with plain RFC3339.
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return parseTime(ns.String)
}
