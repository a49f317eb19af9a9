// Package testutil provides test helpers for database setup.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/store"
)

// NewTestStore creates an in-memory store with the full schema applied.
// The store is closed automatically when the test finishes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
