package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// IssueRecord is kiln's local state for one tracked issue.
type IssueRecord struct {
	RepoID      string // host-qualified, e.g. github.com/acme/widgets
	IssueNumber int

	// LastProcessedCommentAt is the revision watermark. Comments at or
	// before it are already handled.
	LastProcessedCommentAt *time.Time

	ResearchSessionID  *string
	PlanSessionID      *string
	ImplementSessionID *string
	ValidateSessionID  *string

	ConsecutiveFailures int
	HiddenUntil         *time.Time
	UpdatedAt           time.Time
}

// SessionID returns the stored agent session for a stage name.
func (r *IssueRecord) SessionID(stage string) string {
	var p *string
	switch stage {
	case "research":
		p = r.ResearchSessionID
	case "plan":
		p = r.PlanSessionID
	case "implement":
		p = r.ImplementSessionID
	case "validate":
		p = r.ValidateSessionID
	}
	if p == nil {
		return ""
	}
	return *p
}

// Hidden reports whether the issue is cooling down at time now.
func (r *IssueRecord) Hidden(now time.Time) bool {
	return r.HiddenUntil != nil && now.Before(*r.HiddenUntil)
}

// IssueRepository persists IssueRecord rows.
type IssueRepository struct {
	db *sql.DB
}

const issueColumns = `repo_id, issue_number, last_processed_comment_at,
	research_session_id, plan_session_id, implement_session_id, validate_session_id,
	consecutive_failures, hidden_until, updated_at`

// Get returns the record for (repoID, issueNumber), or ErrNotFound.
func (r *IssueRepository) Get(repoID string, issueNumber int) (*IssueRecord, error) {
	row := r.db.QueryRow(
		"SELECT "+issueColumns+" FROM issues WHERE repo_id = ? AND issue_number = ?",
		repoID, issueNumber)
	rec, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Ensure returns the record, inserting an empty one when absent.
func (r *IssueRepository) Ensure(repoID string, issueNumber int) (*IssueRecord, error) {
	rec, err := r.Get(repoID, issueNumber)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := time.Now()
	_, err = r.db.Exec(
		"INSERT OR IGNORE INTO issues (repo_id, issue_number, updated_at) VALUES (?, ?, ?)",
		repoID, issueNumber, FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("inserting issue %s#%d: %w", repoID, issueNumber, err)
	}
	return r.Get(repoID, issueNumber)
}

// SetSessionID stores the agent session for a stage.
func (r *IssueRepository) SetSessionID(repoID string, issueNumber int, stage, sessionID string) error {
	col, err := sessionColumn(stage)
	if err != nil {
		return err
	}
	return r.update(repoID, issueNumber,
		fmt.Sprintf("UPDATE issues SET %s = ?, updated_at = ? WHERE repo_id = ? AND issue_number = ?", col),
		sessionID, FormatTime(time.Now()), repoID, issueNumber)
}

// ClearSessionID removes the stored session for a stage.
func (r *IssueRepository) ClearSessionID(repoID string, issueNumber int, stage string) error {
	col, err := sessionColumn(stage)
	if err != nil {
		return err
	}
	return r.update(repoID, issueNumber,
		fmt.Sprintf("UPDATE issues SET %s = NULL, updated_at = ? WHERE repo_id = ? AND issue_number = ?", col),
		FormatTime(time.Now()), repoID, issueNumber)
}

// ClearAllSessions removes all stage sessions, used on reset.
func (r *IssueRepository) ClearAllSessions(repoID string, issueNumber int) error {
	return r.update(repoID, issueNumber,
		`UPDATE issues SET research_session_id = NULL, plan_session_id = NULL,
			implement_session_id = NULL, validate_session_id = NULL, updated_at = ?
		WHERE repo_id = ? AND issue_number = ?`,
		FormatTime(time.Now()), repoID, issueNumber)
}

// AdvanceCommentWatermark moves the watermark forward to ts.
// Moves backward are ignored so the watermark never regresses.
func (r *IssueRepository) AdvanceCommentWatermark(repoID string, issueNumber int, ts time.Time) error {
	rec, err := r.Ensure(repoID, issueNumber)
	if err != nil {
		return err
	}
	if rec.LastProcessedCommentAt != nil && !ts.After(*rec.LastProcessedCommentAt) {
		return nil
	}
	return r.update(repoID, issueNumber,
		"UPDATE issues SET last_processed_comment_at = ?, updated_at = ? WHERE repo_id = ? AND issue_number = ?",
		FormatTime(ts), FormatTime(time.Now()), repoID, issueNumber)
}

// ClearCommentWatermark resets the watermark, used on reset.
func (r *IssueRepository) ClearCommentWatermark(repoID string, issueNumber int) error {
	return r.update(repoID, issueNumber,
		"UPDATE issues SET last_processed_comment_at = NULL, updated_at = ? WHERE repo_id = ? AND issue_number = ?",
		FormatTime(time.Now()), repoID, issueNumber)
}

// RecordFailure bumps the consecutive-failure count and hides the issue
// until hiddenUntil. Returns the new count.
func (r *IssueRepository) RecordFailure(repoID string, issueNumber int, hiddenUntil time.Time) (int, error) {
	if _, err := r.Ensure(repoID, issueNumber); err != nil {
		return 0, err
	}
	err := r.update(repoID, issueNumber,
		`UPDATE issues SET consecutive_failures = consecutive_failures + 1,
			hidden_until = ?, updated_at = ?
		WHERE repo_id = ? AND issue_number = ?`,
		FormatTime(hiddenUntil), FormatTime(time.Now()), repoID, issueNumber)
	if err != nil {
		return 0, err
	}
	rec, err := r.Get(repoID, issueNumber)
	if err != nil {
		return 0, err
	}
	return rec.ConsecutiveFailures, nil
}

// ClearFailures resets the failure count and unhides the issue.
func (r *IssueRepository) ClearFailures(repoID string, issueNumber int) error {
	return r.update(repoID, issueNumber,
		`UPDATE issues SET consecutive_failures = 0, hidden_until = NULL, updated_at = ?
		WHERE repo_id = ? AND issue_number = ?`,
		FormatTime(time.Now()), repoID, issueNumber)
}

// List returns all tracked issues, used by the status command.
func (r *IssueRepository) List() ([]*IssueRecord, error) {
	rows, err := r.db.Query("SELECT " + issueColumns + " FROM issues ORDER BY repo_id, issue_number")
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	defer rows.Close()
	var recs []*IssueRecord
	for rows.Next() {
		rec, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *IssueRepository) update(repoID string, issueNumber int, stmt string, args ...any) error {
	if _, err := r.db.Exec(stmt, args...); err != nil {
		return fmt.Errorf("updating issue %s#%d: %w", repoID, issueNumber, err)
	}
	return nil
}

func sessionColumn(stage string) (string, error) {
	switch stage {
	case "research":
		return "research_session_id", nil
	case "plan":
		return "plan_session_id", nil
	case "implement":
		return "implement_session_id", nil
	case "validate":
		return "validate_session_id", nil
	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}

func scanIssue(row interface{ Scan(...any) error }) (*IssueRecord, error) {
	var (
		rec       IssueRecord
		watermark sql.NullString
		research  sql.NullString
		plan      sql.NullString
		implement sql.NullString
		validate  sql.NullString
		hidden    sql.NullString
		updatedAt string
	)
	err := row.Scan(&rec.RepoID, &rec.IssueNumber, &watermark,
		&research, &plan, &implement, &validate,
		&rec.ConsecutiveFailures, &hidden, &updatedAt)
	if err != nil {
		return nil, err
	}
	if watermark.Valid {
		t, err := ParseTime(watermark.String)
		if err != nil {
			return nil, err
		}
		rec.LastProcessedCommentAt = &t
	}
	if research.Valid {
		rec.ResearchSessionID = &research.String
	}
	if plan.Valid {
		rec.PlanSessionID = &plan.String
	}
	if implement.Valid {
		rec.ImplementSessionID = &implement.String
	}
	if validate.Valid {
		rec.ValidateSessionID = &validate.String
	}
	if hidden.Valid {
		t, err := ParseTime(hidden.String)
		if err != nil {
			return nil, err
		}
		rec.HiddenUntil = &t
	}
	t, err := ParseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = t
	return &rec, nil
}
