package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ProcessingRepository tracks comments whose revision is being applied.
// A row is the hard at-most-once sentinel: once present, the comment is
// never dispatched again until the issue's rows are cleared after a
// successful apply or a reset. Reactions on the board are soft UI state
// and resynced from these rows at startup.
type ProcessingRepository struct {
	db *sql.DB
}

// Mark records that commentID is being processed. Idempotent.
func (r *ProcessingRepository) Mark(repoID string, issueNumber int, commentID string) error {
	_, err := r.db.Exec(
		`INSERT OR IGNORE INTO processing_comments (repo_id, issue_number, comment_id, started_at)
		VALUES (?, ?, ?, ?)`,
		repoID, issueNumber, commentID, FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("marking comment %s on %s#%d: %w", commentID, repoID, issueNumber, err)
	}
	return nil
}

// IsMarked reports whether commentID already has a sentinel row.
func (r *ProcessingRepository) IsMarked(repoID string, issueNumber int, commentID string) (bool, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(1) FROM processing_comments WHERE repo_id = ? AND issue_number = ? AND comment_id = ?",
		repoID, issueNumber, commentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking comment %s on %s#%d: %w", commentID, repoID, issueNumber, err)
	}
	return n > 0, nil
}

// MarkedComments returns the sentinel comment IDs for an issue.
func (r *ProcessingRepository) MarkedComments(repoID string, issueNumber int) ([]string, error) {
	rows, err := r.db.Query(
		"SELECT comment_id FROM processing_comments WHERE repo_id = ? AND issue_number = ? ORDER BY started_at",
		repoID, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("listing marked comments for %s#%d: %w", repoID, issueNumber, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Clear removes all sentinel rows for an issue.
func (r *ProcessingRepository) Clear(repoID string, issueNumber int) error {
	_, err := r.db.Exec(
		"DELETE FROM processing_comments WHERE repo_id = ? AND issue_number = ?",
		repoID, issueNumber)
	if err != nil {
		return fmt.Errorf("clearing marked comments for %s#%d: %w", repoID, issueNumber, err)
	}
	return nil
}

// Issues returns the distinct issues that have sentinel rows, used for
// the startup reaction resync.
func (r *ProcessingRepository) Issues() (map[string][]int, error) {
	rows, err := r.db.Query("SELECT DISTINCT repo_id, issue_number FROM processing_comments")
	if err != nil {
		return nil, fmt.Errorf("listing issues with marked comments: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]int)
	for rows.Next() {
		var repo string
		var num int
		if err := rows.Scan(&repo, &num); err != nil {
			return nil, err
		}
		out[repo] = append(out[repo], num)
	}
	return out, rows.Err()
}
