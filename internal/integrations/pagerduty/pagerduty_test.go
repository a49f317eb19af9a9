package pagerduty

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerAndResolveShareDedupKey(t *testing.T) {
	var events []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		events = append(events, ev)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient("rk-1", srv.URL)
	require.NoError(t, c.TriggerHibernation(context.Background(), "network unreachable"))
	require.NoError(t, c.ResolveHibernation(context.Background()))

	require.Len(t, events, 2)
	assert.Equal(t, "trigger", events[0]["event_action"])
	assert.Equal(t, "resolve", events[1]["event_action"])
	assert.Equal(t, events[0]["dedup_key"], events[1]["dedup_key"])
	assert.Equal(t, "kiln-hibernation", events[0]["dedup_key"])

	payload := events[0]["payload"].(map[string]any)
	assert.Contains(t, payload["summary"], "network unreachable")
}

func TestAgentStallDedupPerIssue(t *testing.T) {
	var events []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		events = append(events, ev)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient("rk-1", srv.URL)
	require.NoError(t, c.TriggerAgentStall(context.Background(), "github.com/acme/widgets", 42, "research", "no output for 5m"))
	require.NoError(t, c.TriggerAgentStall(context.Background(), "github.com/acme/widgets", 7, "plan", "no output for 5m"))

	require.Len(t, events, 2)
	assert.Equal(t, "trigger", events[0]["event_action"])
	assert.Equal(t, "kiln-stall-github.com/acme/widgets-42", events[0]["dedup_key"])
	assert.NotEqual(t, events[0]["dedup_key"], events[1]["dedup_key"])

	payload := events[0]["payload"].(map[string]any)
	assert.Contains(t, payload["summary"], "research")
	assert.Contains(t, payload["summary"], "no output for 5m")
}

func TestInstallReplacesGlobalClient(t *testing.T) {
	t.Cleanup(Reset)
	c := NewClient("rk-installed", "http://127.0.0.1:1")
	Install(c)
	assert.Same(t, c, Get())
}

func TestUnconfiguredClientIsNoop(t *testing.T) {
	c := &Client{}
	assert.NoError(t, c.TriggerHibernation(context.Background(), "x"))
	assert.NoError(t, c.ResolveHibernation(context.Background()))
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient("rk-1", srv.URL)
	assert.ErrorContains(t, c.TriggerHibernation(context.Background(), "x"), "status 400")
}

func TestGlobalInitAndReset(t *testing.T) {
	t.Cleanup(Reset)
	Init("rk-global")
	assert.Equal(t, "rk-global", Get().routingKey)

	Reset()
	assert.Empty(t, Get().routingKey)
}
