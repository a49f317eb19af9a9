package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/golithk/kiln/internal/log"
)

// Migrations are forward-only and idempotent: base tables use CREATE
// TABLE IF NOT EXISTS, later column additions are guarded by a
// table_info probe. Re-running against any older database is safe.
const baseSchema = `
CREATE TABLE IF NOT EXISTS issues (
	repo_id TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	last_processed_comment_at TEXT,
	research_session_id TEXT,
	plan_session_id TEXT,
	implement_session_id TEXT,
	validate_session_id TEXT,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	hidden_until TEXT,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (repo_id, issue_number)
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	repo_id TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	session_id TEXT,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	error TEXT,
	total_cost_usd REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	num_turns INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_issue ON runs (repo_id, issue_number, started_at);

CREATE TABLE IF NOT EXISTS processing_comments (
	repo_id TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	comment_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	PRIMARY KEY (repo_id, issue_number, comment_id)
);

CREATE TABLE IF NOT EXISTS board_meta (
	project_url TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	status_field_id TEXT NOT NULL,
	options_json TEXT NOT NULL,
	fetched_at TEXT NOT NULL
);
`

// addedColumns lists columns introduced after the base schema shipped.
var addedColumns = []struct {
	table, column, decl string
}{
	{"runs", "duration_api_ms", "INTEGER NOT NULL DEFAULT 0"},
	{"runs", "cache_read_tokens", "INTEGER NOT NULL DEFAULT 0"},
	{"runs", "cache_creation_tokens", "INTEGER NOT NULL DEFAULT 0"},
}

// Migrate applies the schema to db. Safe to call repeatedly.
func Migrate(db *sql.DB) error {
	return migrate(db)
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(baseSchema); err != nil {
		return fmt.Errorf("applying base schema: %w", err)
	}
	for _, c := range addedColumns {
		ok, err := columnExists(db, c.table, c.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.column, c.decl)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", c.table, c.column, err)
		}
		log.Debug(log.CatDB, "Added column", "table", c.table, "column", c.column)
	}
	return qualifyLegacyRepoIDs(db)
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("reading table info for %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// qualifyLegacyRepoIDs rewrites rows written before repo IDs carried a
// host prefix. "acme/widgets" becomes "github.com/acme/widgets".
func qualifyLegacyRepoIDs(db *sql.DB) error {
	for _, table := range []string{"issues", "runs", "processing_comments"} {
		rows, err := db.Query(fmt.Sprintf("SELECT DISTINCT repo_id FROM %s", table))
		if err != nil {
			return fmt.Errorf("listing repo ids in %s: %w", table, err)
		}
		var legacy []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			if !isHostQualified(id) {
				legacy = append(legacy, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range legacy {
			stmt := fmt.Sprintf("UPDATE %s SET repo_id = ? WHERE repo_id = ?", table)
			if _, err := db.Exec(stmt, "github.com/"+id, id); err != nil {
				return fmt.Errorf("qualifying repo id %q in %s: %w", id, table, err)
			}
			log.Info(log.CatDB, "Qualified legacy repo id", "table", table, "repo", id)
		}
	}
	return nil
}

// isHostQualified reports whether id already carries a host segment.
// Host-qualified IDs have three slash-separated parts and the first
// contains a dot ("github.com/acme/widgets").
func isHostQualified(id string) bool {
	parts := strings.Split(id, "/")
	return len(parts) >= 3 && strings.Contains(parts[0], ".")
}
