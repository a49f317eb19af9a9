package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RunRecord is one agent execution against an issue stage.
type RunRecord struct {
	ID          string
	RepoID      string
	IssueNumber int
	Stage       string
	Status      string
	SessionID   *string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Error       *string

	Metrics RunMetrics
}

// RunMetrics holds cost and token accounting from a finished run.
type RunMetrics struct {
	TotalCostUSD        float64
	DurationMs          int64
	DurationAPIMs       int64
	NumTurns            int
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// RunRepository persists RunRecord rows.
type RunRepository struct {
	db *sql.DB
}

const runColumns = `id, repo_id, issue_number, stage, status, session_id,
	started_at, finished_at, error, total_cost_usd, duration_ms, duration_api_ms,
	num_turns, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens`

// Start inserts a running row.
func (r *RunRepository) Start(run *RunRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO runs (id, repo_id, issue_number, stage, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.RepoID, run.IssueNumber, run.Stage, RunRunning, FormatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return nil
}

// FinishSuccess marks the run succeeded with its session and metrics.
func (r *RunRepository) FinishSuccess(id, sessionID string, m RunMetrics) error {
	return r.finish(id, RunSucceeded, sessionID, "", m)
}

// FinishFailure marks the run failed with the error message.
func (r *RunRepository) FinishFailure(id, sessionID, errMsg string, m RunMetrics) error {
	return r.finish(id, RunFailed, sessionID, errMsg, m)
}

func (r *RunRepository) finish(id, status, sessionID, errMsg string, m RunMetrics) error {
	var sess, e any
	if sessionID != "" {
		sess = sessionID
	}
	if errMsg != "" {
		e = errMsg
	}
	res, err := r.db.Exec(
		`UPDATE runs SET status = ?, session_id = ?, finished_at = ?, error = ?,
			total_cost_usd = ?, duration_ms = ?, duration_api_ms = ?, num_turns = ?,
			input_tokens = ?, output_tokens = ?, cache_read_tokens = ?, cache_creation_tokens = ?
		WHERE id = ?`,
		status, sess, FormatTime(time.Now()), e,
		m.TotalCostUSD, m.DurationMs, m.DurationAPIMs, m.NumTurns,
		m.InputTokens, m.OutputTokens, m.CacheReadTokens, m.CacheCreationTokens, id)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("finishing run %s: %w", id, ErrNotFound)
	}
	return nil
}

// InFlight returns the running run for an issue, or ErrNotFound.
// At most one run per issue may be running at a time.
func (r *RunRepository) InFlight(repoID string, issueNumber int) (*RunRecord, error) {
	row := r.db.QueryRow(
		"SELECT "+runColumns+" FROM runs WHERE repo_id = ? AND issue_number = ? AND status = ?",
		repoID, issueNumber, RunRunning)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListForIssue returns runs for an issue, newest first.
func (r *RunRepository) ListForIssue(repoID string, issueNumber int) ([]*RunRecord, error) {
	rows, err := r.db.Query(
		"SELECT "+runColumns+" FROM runs WHERE repo_id = ? AND issue_number = ? ORDER BY started_at DESC",
		repoID, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("listing runs for %s#%d: %w", repoID, issueNumber, err)
	}
	defer rows.Close()
	var recs []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// FailAbandoned marks all running rows failed. Called at startup so
// runs orphaned by a crash do not block their issues forever.
func (r *RunRepository) FailAbandoned() (int64, error) {
	res, err := r.db.Exec(
		"UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE status = ?",
		RunFailed, FormatTime(time.Now()), "abandoned by daemon restart", RunRunning)
	if err != nil {
		return 0, fmt.Errorf("failing abandoned runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRun(row interface{ Scan(...any) error }) (*RunRecord, error) {
	var (
		rec        RunRecord
		sessionID  sql.NullString
		startedAt  string
		finishedAt sql.NullString
		errMsg     sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.RepoID, &rec.IssueNumber, &rec.Stage, &rec.Status,
		&sessionID, &startedAt, &finishedAt, &errMsg,
		&rec.Metrics.TotalCostUSD, &rec.Metrics.DurationMs, &rec.Metrics.DurationAPIMs,
		&rec.Metrics.NumTurns, &rec.Metrics.InputTokens, &rec.Metrics.OutputTokens,
		&rec.Metrics.CacheReadTokens, &rec.Metrics.CacheCreationTokens)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		rec.SessionID = &sessionID.String
	}
	t, err := ParseTime(startedAt)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = t
	if finishedAt.Valid {
		ft, err := ParseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		rec.FinishedAt = &ft
	}
	if errMsg.Valid {
		rec.Error = &errMsg.String
	}
	return &rec, nil
}
