package mcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/kilnerr"
)

type staticMinter struct {
	token string
	err   error
}

func (s staticMinter) Token(context.Context) (string, error) { return s.token, s.err }

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp-config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolveSubstitutesBearerToken(t *testing.T) {
	path := writeTemplate(t, `{
  "mcpServers": {
    "docs": {"type": "http", "url": "https://mcp.example.com", "headers": {"Authorization": "Bearer ${BEARER_TOKEN}"}}
  }
}`)
	m := NewManager(path, staticMinter{token: "tok-abc"}, 0)

	resolved, err := m.Resolve(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(resolved), "Bearer tok-abc")
	assert.NotContains(t, string(resolved), "${BEARER_TOKEN}")
}

func TestResolveMintFailureIsPluginUnavailable(t *testing.T) {
	path := writeTemplate(t, `{"mcpServers":{"docs":{"type":"http","url":"x","headers":{"a":"${BEARER_TOKEN}"}}}}`)
	m := NewManager(path, staticMinter{err: errors.New("denied")}, 0)

	_, err := m.Resolve(context.Background())
	assert.Equal(t, kilnerr.KindPluginUnavailable, kilnerr.Classify(err))
}

func TestWriteRunConfig(t *testing.T) {
	path := writeTemplate(t, `{"mcpServers":{"docs":{"type":"stdio","command":"docs-server"}}}`)
	m := NewManager(path, nil, 0)
	dir := t.TempDir()

	written, err := m.WriteRunConfig(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".kiln", "mcp-config.json"), written)

	info, err := os.Stat(written)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteRunConfigDisabled(t *testing.T) {
	m := NewManager("", nil, 0)
	written, err := m.WriteRunConfig(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestResolveRejectsMalformedTemplate(t *testing.T) {
	m := NewManager(writeTemplate(t, "{not json"), nil, 0)
	_, err := m.Resolve(context.Background())
	assert.ErrorContains(t, err, "parsing plugin config template")
}

func TestProbeAcceptsAnyAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// MCP servers typically reject plain GETs.
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	path := writeTemplate(t, `{"mcpServers":{"docs":{"type":"http","url":"`+srv.URL+`"}}}`)
	m := NewManager(path, nil, 0)
	assert.NoError(t, m.Probe(context.Background()))
}

func TestProbeUnreachableEndpoint(t *testing.T) {
	path := writeTemplate(t, `{"mcpServers":{"docs":{"type":"http","url":"http://127.0.0.1:1"}}}`)
	m := NewManager(path, nil, time.Second)

	err := m.Probe(context.Background())
	assert.Equal(t, kilnerr.KindPluginUnavailable, kilnerr.Classify(err))
}

func TestProbeSkipsStdioServers(t *testing.T) {
	path := writeTemplate(t, `{"mcpServers":{"local":{"type":"stdio","command":"docs-server"}}}`)
	m := NewManager(path, nil, 0)
	assert.NoError(t, m.Probe(context.Background()))
}

func TestWatcherInvalidatesCache(t *testing.T) {
	path := writeTemplate(t, `{"mcpServers":{"a":{"type":"stdio"}}}`)
	m := NewManager(path, nil, 0)

	first, err := m.Resolve(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(first), `"a"`)

	w, err := NewWatcher(m)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{"b":{"type":"stdio"}}}`), 0o644))

	select {
	case <-onChange:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload signal after template change")
	}

	second, err := m.Resolve(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(second), `"b"`)
}
