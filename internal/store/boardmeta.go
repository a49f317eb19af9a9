package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BoardMetaRecord is cached project metadata: the node IDs needed to
// mutate items via GraphQL. Survives restarts so a cold daemon can act
// before its first metadata fetch completes.
type BoardMetaRecord struct {
	ProjectURL    string
	ProjectID     string
	StatusFieldID string
	// StatusOptions maps column name to option ID.
	StatusOptions map[string]string
	FetchedAt     time.Time
}

// BoardMetaRepository persists BoardMetaRecord rows.
type BoardMetaRepository struct {
	db *sql.DB
}

// Get returns cached metadata for a project URL, or ErrNotFound.
func (r *BoardMetaRepository) Get(projectURL string) (*BoardMetaRecord, error) {
	var (
		rec         BoardMetaRecord
		optionsJSON string
		fetchedAt   string
	)
	err := r.db.QueryRow(
		"SELECT project_url, project_id, status_field_id, options_json, fetched_at FROM board_meta WHERE project_url = ?",
		projectURL).Scan(&rec.ProjectURL, &rec.ProjectID, &rec.StatusFieldID, &optionsJSON, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading board meta for %s: %w", projectURL, err)
	}
	if err := json.Unmarshal([]byte(optionsJSON), &rec.StatusOptions); err != nil {
		return nil, fmt.Errorf("decoding board meta options for %s: %w", projectURL, err)
	}
	t, err := ParseTime(fetchedAt)
	if err != nil {
		return nil, err
	}
	rec.FetchedAt = t
	return &rec, nil
}

// Put upserts cached metadata.
func (r *BoardMetaRepository) Put(rec *BoardMetaRecord) error {
	optionsJSON, err := json.Marshal(rec.StatusOptions)
	if err != nil {
		return fmt.Errorf("encoding board meta options: %w", err)
	}
	_, err = r.db.Exec(
		`INSERT OR REPLACE INTO board_meta (project_url, project_id, status_field_id, options_json, fetched_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ProjectURL, rec.ProjectID, rec.StatusFieldID, string(optionsJSON), FormatTime(rec.FetchedAt))
	if err != nil {
		return fmt.Errorf("writing board meta for %s: %w", rec.ProjectURL, err)
	}
	return nil
}
