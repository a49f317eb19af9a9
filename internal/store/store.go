// Package store persists kiln's local state: issue watermarks and
// sessions, run history, and the processing-comment sentinel rows that
// make revision application at-most-once.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/golithk/kiln/internal/log"
)

// Store wraps the sqlite database and exposes typed repositories.
type Store struct {
	db *sql.DB

	Issues     *IssueRepository
	Runs       *RunRepository
	Processing *ProcessingRepository
	BoardMeta  *BoardMetaRepository
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configuring database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	log.Debug(log.CatDB, "Store opened", "path", path)
	return New(db), nil
}

// New builds a Store over an already-open database. Used by tests with
// in-memory databases.
func New(db *sql.DB) *Store {
	return &Store{
		db:         db,
		Issues:     &IssueRepository{db: db},
		Runs:       &RunRepository{db: db},
		Processing: &ProcessingRepository{db: db},
		BoardMeta:  &BoardMetaRepository{db: db},
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for migrations in tests.
func (s *Store) DB() *sql.DB { return s.db }

// FormatTime renders t as RFC3339 UTC with a Z suffix, the only
// timestamp form the store accepts.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTime parses an RFC3339 timestamp from the store or a board API.
// Offsets like +00:00 parse fine; the value is normalized to UTC.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
