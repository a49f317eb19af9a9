package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/store"
	"github.com/golithk/kiln/internal/testutil"
)

func TestLegacyRepoIDsGainHostPrefix(t *testing.T) {
	s := testutil.NewTestStore(t)

	// Simulate rows written before repo IDs carried a host.
	_, err := s.DB().Exec(
		"INSERT INTO issues (repo_id, issue_number, updated_at) VALUES (?, ?, ?)",
		"acme/widgets", 7, "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	_, err = s.DB().Exec(
		"INSERT INTO issues (repo_id, issue_number, updated_at) VALUES (?, ?, ?)",
		"ghe.example.com/acme/gears", 8, "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	// Reopening (same handle, re-run migrations) must qualify the bare row
	// and leave the qualified one alone.
	reopened := store.New(s.DB())
	require.NoError(t, store.Migrate(reopened.DB()))

	_, err = reopened.Issues.Get("github.com/acme/widgets", 7)
	assert.NoError(t, err)
	_, err = reopened.Issues.Get("acme/widgets", 7)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = reopened.Issues.Get("ghe.example.com/acme/gears", 8)
	assert.NoError(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	require.NoError(t, store.Migrate(s.DB()))
	require.NoError(t, store.Migrate(s.DB()))
}

func TestBoardMetaRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)

	rec := &store.BoardMetaRecord{
		ProjectURL:    "https://github.com/orgs/acme/projects/7",
		ProjectID:     "PVT_1",
		StatusFieldID: "PVTSSF_1",
		StatusOptions: map[string]string{"Backlog": "o1", "Research": "o2"},
	}
	rec.FetchedAt = rec.FetchedAt.UTC()
	require.NoError(t, s.BoardMeta.Put(rec))

	got, err := s.BoardMeta.Get(rec.ProjectURL)
	require.NoError(t, err)
	assert.Equal(t, "PVT_1", got.ProjectID)
	assert.Equal(t, "o2", got.StatusOptions["Research"])

	_, err = s.BoardMeta.Get("https://github.com/orgs/acme/projects/99")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
