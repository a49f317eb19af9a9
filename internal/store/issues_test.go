package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/store"
	"github.com/golithk/kiln/internal/testutil"
)

const (
	repo = "github.com/acme/widgets"
	num  = 42
)

func TestEnsureAndGet(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.Issues.Get(repo, num)
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec, err := s.Issues.Ensure(repo, num)
	require.NoError(t, err)
	assert.Equal(t, repo, rec.RepoID)
	assert.Equal(t, num, rec.IssueNumber)
	assert.Nil(t, rec.LastProcessedCommentAt)
	assert.Zero(t, rec.ConsecutiveFailures)

	// Ensure is idempotent.
	again, err := s.Issues.Ensure(repo, num)
	require.NoError(t, err)
	assert.Equal(t, rec.RepoID, again.RepoID)
}

func TestSessionIDRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	_, err := s.Issues.Ensure(repo, num)
	require.NoError(t, err)

	require.NoError(t, s.Issues.SetSessionID(repo, num, "plan", "sess-1"))
	rec, err := s.Issues.Get(repo, num)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", rec.SessionID("plan"))
	assert.Empty(t, rec.SessionID("research"))

	require.NoError(t, s.Issues.ClearSessionID(repo, num, "plan"))
	rec, err = s.Issues.Get(repo, num)
	require.NoError(t, err)
	assert.Empty(t, rec.SessionID("plan"))

	assert.Error(t, s.Issues.SetSessionID(repo, num, "bogus", "x"))
}

func TestClearAllSessions(t *testing.T) {
	s := testutil.NewTestStore(t)
	_, err := s.Issues.Ensure(repo, num)
	require.NoError(t, err)
	for _, stage := range []string{"research", "plan", "implement", "validate"} {
		require.NoError(t, s.Issues.SetSessionID(repo, num, stage, "sess-"+stage))
	}

	require.NoError(t, s.Issues.ClearAllSessions(repo, num))
	rec, err := s.Issues.Get(repo, num)
	require.NoError(t, err)
	for _, stage := range []string{"research", "plan", "implement", "validate"} {
		assert.Empty(t, rec.SessionID(stage))
	}
}

func TestWatermarkMonotone(t *testing.T) {
	s := testutil.NewTestStore(t)

	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	require.NoError(t, s.Issues.AdvanceCommentWatermark(repo, num, t2))
	rec, err := s.Issues.Get(repo, num)
	require.NoError(t, err)
	require.NotNil(t, rec.LastProcessedCommentAt)
	assert.True(t, rec.LastProcessedCommentAt.Equal(t2))

	// Moving backward is a no-op.
	require.NoError(t, s.Issues.AdvanceCommentWatermark(repo, num, t1))
	rec, err = s.Issues.Get(repo, num)
	require.NoError(t, err)
	assert.True(t, rec.LastProcessedCommentAt.Equal(t2))

	require.NoError(t, s.Issues.ClearCommentWatermark(repo, num))
	rec, err = s.Issues.Get(repo, num)
	require.NoError(t, err)
	assert.Nil(t, rec.LastProcessedCommentAt)
}

func TestFailureTracking(t *testing.T) {
	s := testutil.NewTestStore(t)
	until := time.Now().Add(time.Hour)

	n, err := s.Issues.RecordFailure(repo, num, until)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.Issues.RecordFailure(repo, num, until)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := s.Issues.Get(repo, num)
	require.NoError(t, err)
	assert.True(t, rec.Hidden(time.Now()))
	assert.False(t, rec.Hidden(until.Add(time.Second)))

	require.NoError(t, s.Issues.ClearFailures(repo, num))
	rec, err = s.Issues.Get(repo, num)
	require.NoError(t, err)
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.False(t, rec.Hidden(time.Now()))
}

func TestTimestampsStoredWithZSuffix(t *testing.T) {
	s := testutil.NewTestStore(t)
	ts := time.Date(2026, 8, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	require.NoError(t, s.Issues.AdvanceCommentWatermark(repo, num, ts))

	var raw string
	err := s.DB().QueryRow(
		"SELECT last_processed_comment_at FROM issues WHERE repo_id = ? AND issue_number = ?",
		repo, num).Scan(&raw)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-01T09:00:00Z", raw)
}
