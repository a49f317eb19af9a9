package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMinter(t *testing.T, expiresIn int) (*Minter, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "cid", r.Form.Get("client_id"))
		calls++
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":%d}`, calls, expiresIn)
	}))
	t.Cleanup(srv.Close)
	return NewMinter(srv.URL, "cid", "secret", "mcp"), &calls
}

func TestTokenCachedUntilRefreshWindow(t *testing.T) {
	m, calls := newTestMinter(t, 3600)

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, *calls)

	// Advance the clock to inside the 5-minute refresh window.
	m.now = func() time.Time { return time.Now().Add(56 * time.Minute) }
	tok, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, 2, *calls)
}

func TestClearForcesRemint(t *testing.T) {
	m, calls := newTestMinter(t, 3600)

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	m.Clear()
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
}

func TestUnconfiguredMinter(t *testing.T) {
	m := NewMinter("", "", "", "")
	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestTokenEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewMinter(srv.URL, "cid", "bad", "")
	_, err := m.Token(context.Background())
	assert.ErrorContains(t, err, "status 401")
}
