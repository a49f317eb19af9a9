package board

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/kilnerr"
)

// newTestClient points a GHES-variant client at a test server so both
// the /api/graphql and /api/v3 endpoints resolve to mux.
func newTestClient(t *testing.T, version string, mux *http.ServeMux) (*apiClient, string) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{
		Version:   version,
		BaseURL:   srv.URL,
		Token:     "test-token",
		SelfLogin: "kiln-bot",
	})
	require.NoError(t, err)
	return c.(*apiClient), srv.Listener.Addr().String()
}

func graphqlHandler(t *testing.T, respond func(query string, vars map[string]any) string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fmt.Fprint(w, respond(req.Query, req.Variables))
	}
}

func TestBoardItemsPagination(t *testing.T) {
	mux := http.NewServeMux()
	page := 0
	mux.HandleFunc("/api/graphql", graphqlHandler(t, func(query string, vars map[string]any) string {
		page++
		if page == 1 {
			assert.Nil(t, vars["after"])
			return `{"data":{"organization":{"projectV2":{"items":{
				"pageInfo":{"hasNextPage":true,"endCursor":"c1"},
				"nodes":[{"id":"item-1","fieldValueByName":{"name":"Research"},
					"content":{"number":42,"title":"First","url":"u1","closed":false,
						"updatedAt":"2026-08-01T10:00:00+00:00",
						"repository":{"nameWithOwner":"acme/widgets"}}}]}}}}}`
		}
		assert.Equal(t, "c1", vars["after"])
		return `{"data":{"organization":{"projectV2":{"items":{
			"pageInfo":{"hasNextPage":false,"endCursor":"c2"},
			"nodes":[
				{"id":"item-2","fieldValueByName":null,
					"content":{"number":43,"title":"Second","url":"u2","closed":true,
						"updatedAt":"2026-08-01T11:00:00Z",
						"repository":{"nameWithOwner":"acme/widgets"}}},
				{"id":"item-3","fieldValueByName":{"name":"Plan"},"content":null}
			]}}}}}`
	}))
	c, host := newTestClient(t, "3.18", mux)

	items, err := c.BoardItems(context.Background(), "https://ghe.example.com/orgs/acme/projects/7")
	require.NoError(t, err)
	require.Len(t, items, 2) // draft item dropped

	assert.Equal(t, "item-1", items[0].ItemID)
	assert.Equal(t, host+"/acme/widgets", items[0].RepoID)
	assert.Equal(t, "Research", items[0].Status)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), items[0].UpdatedAt)

	// Items without a status value normalize to Backlog.
	assert.Equal(t, ColumnBacklog, items[1].Status)
	assert.True(t, items[1].Closed)
}

func TestBoardItemsCursorStall(t *testing.T) {
	mux := http.NewServeMux()
	calls := 0
	mux.HandleFunc("/api/graphql", graphqlHandler(t, func(query string, vars map[string]any) string {
		calls++
		// hasNextPage forever with a cursor that never advances.
		return `{"data":{"organization":{"projectV2":{"items":{
			"pageInfo":{"hasNextPage":true,"endCursor":"stuck"},
			"nodes":[{"id":"item-1","fieldValueByName":{"name":"Plan"},
				"content":{"number":1,"title":"T","url":"u","closed":false,
					"updatedAt":"2026-08-01T10:00:00Z",
					"repository":{"nameWithOwner":"acme/widgets"}}}]}}}}}`
	}))
	c, _ := newTestClient(t, "3.18", mux)

	items, err := c.BoardItems(context.Background(), "https://ghe.example.com/orgs/acme/projects/7")
	require.NoError(t, err)
	assert.Equal(t, 2, calls) // first page, one repeat, then stop
	assert.Len(t, items, 2)
}

func TestBoardMetadataCached(t *testing.T) {
	mux := http.NewServeMux()
	calls := 0
	mux.HandleFunc("/api/graphql", graphqlHandler(t, func(query string, vars map[string]any) string {
		calls++
		return `{"data":{"organization":{"projectV2":{"id":"PVT_1",
			"field":{"id":"F_1","options":[
				{"id":"o1","name":"Backlog"},{"id":"o2","name":"Research"}]}}}}}`
	}))
	c, _ := newTestClient(t, "3.18", mux)

	projectURL := "https://ghe.example.com/orgs/acme/projects/7"
	meta, err := c.BoardMetadata(context.Background(), projectURL)
	require.NoError(t, err)
	assert.Equal(t, "PVT_1", meta.ProjectID)
	assert.Equal(t, "o2", meta.StatusOptions["Research"])

	_, err = c.BoardMetadata(context.Background(), projectURL)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCommentsSinceFiltersStrictlyAfter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"id":1,"user":{"login":"alice"},"body":"old","created_at":"2026-08-01T10:00:00Z","html_url":"u1"},
			{"id":2,"user":{"login":"bob"},"body":"new","created_at":"2026-08-01T10:30:00+00:00","html_url":"u2"}
		]`)
	})
	c, host := newTestClient(t, "3.18", mux)

	since := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	comments, err := c.CommentsSince(context.Background(), host+"/acme/widgets", 42, since)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "2", comments[0].ID)
	assert.Equal(t, "bob", comments[0].Author)
}

func TestCommentsSincePaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			var sb []string
			for i := 1; i <= 100; i++ {
				sb = append(sb, fmt.Sprintf(
					`{"id":%d,"user":{"login":"alice"},"body":"comment %d","created_at":"2026-08-01T10:%02d:00Z","html_url":"u"}`,
					i, i, i%60))
			}
			fmt.Fprint(w, "["+strings.Join(sb, ",")+"]")
		case "2":
			fmt.Fprint(w, `[{"id":101,"user":{"login":"alice"},"body":"the latest","created_at":"2026-08-01T12:00:00Z","html_url":"u"}]`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})
	c, host := newTestClient(t, "3.18", mux)

	comments, err := c.CommentsSince(context.Background(), host+"/acme/widgets", 42, time.Time{})
	require.NoError(t, err)
	require.Len(t, comments, 101)
	assert.Equal(t, "the latest", comments[100].Body)
}

func TestCommentsSinceReactionRollup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"id":1,"user":{"login":"alice"},"body":"applied","created_at":"2026-08-01T10:00:00Z","html_url":"u1",
				"reactions":{"+1":2,"eyes":0}},
			{"id":2,"user":{"login":"bob"},"body":"in flight","created_at":"2026-08-01T10:30:00Z","html_url":"u2",
				"reactions":{"+1":0,"eyes":1}},
			{"id":3,"user":{"login":"carol"},"body":"fresh","created_at":"2026-08-01T11:00:00Z","html_url":"u3"}
		]`)
	})
	c, host := newTestClient(t, "3.18", mux)

	comments, err := c.CommentsSince(context.Background(), host+"/acme/widgets", 42, time.Time{})
	require.NoError(t, err)
	require.Len(t, comments, 3)
	assert.True(t, comments[0].ThumbsUp)
	assert.False(t, comments[0].Eyes)
	assert.True(t, comments[1].Eyes)
	assert.False(t, comments[2].ThumbsUp)
	assert.False(t, comments[2].Eyes)
}

func TestUpdateCommentPatchesBody(t *testing.T) {
	mux := http.NewServeMux()
	var gotMethod, gotBody string
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/comments/17", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotBody = payload["body"]
	})
	c, host := newTestClient(t, "3.18", mux)

	err := c.UpdateComment(context.Background(), host+"/acme/widgets", "17", "revised artifact")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "revised artifact", gotBody)
}

func TestRemoveLabelToleratesMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c, host := newTestClient(t, "3.18", mux)

	err := c.RemoveLabel(context.Background(), host+"/acme/widgets", 42, "kiln:researching")
	assert.NoError(t, err)
}

func TestLastStatusActorCapabilityGate(t *testing.T) {
	c, host := newTestClient(t, "3.15", http.NewServeMux())
	_, err := c.LastStatusActor(context.Background(), host+"/acme/widgets", 42)
	assert.True(t, kilnerr.Is(err, kilnerr.KindBackendCapabilityMissing))
}

func TestLastStatusActorFromTimeline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/42/timeline", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"event":"labeled","actor":{"login":"x"}},
			{"event":"project_v2_item_status_changed","actor":{"login":"alice"}},
			{"event":"project_v2_item_status_changed","actor":{"login":"bob"}}
		]`)
	})
	c, host := newTestClient(t, "3.18", mux)

	actor, err := c.LastStatusActor(context.Background(), host+"/acme/widgets", 42)
	require.NoError(t, err)
	assert.Equal(t, "bob", actor)
}

func TestLinkedPRsTimelineFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/42/timeline", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"event":"cross-referenced","source":{"issue":{"number":50,"pull_request":{"html_url":"pr50"}}}},
			{"event":"cross-referenced","source":{"issue":{"number":51,"pull_request":{"html_url":"pr51"}}}},
			{"event":"cross-referenced","source":{"issue":{"number":52}}}
		]`)
	})
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls/50", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":50,"state":"open","body":"Fixes #42","head":{"ref":"kiln/issue-42"},"html_url":"pr50","merged_at":null}`)
	})
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls/51", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":51,"state":"open","body":"mentions #42 only","head":{"ref":"other"},"html_url":"pr51","merged_at":null}`)
	})
	c, host := newTestClient(t, "3.14", mux)

	prs, err := c.LinkedPullRequests(context.Background(), host+"/acme/widgets", 42)
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 50, prs[0].Number)
	assert.Equal(t, "kiln/issue-42", prs[0].Branch)
	assert.Equal(t, "open", prs[0].State)
}

func TestValidateConnectionClassifiesAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/user", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c, _ := newTestClient(t, "3.18", mux)

	err := c.ValidateConnection(context.Background())
	assert.True(t, kilnerr.Is(err, kilnerr.KindAuthFailure))
}

func TestValidateConnectionClassifiesNetwork(t *testing.T) {
	mux := http.NewServeMux()
	c, _ := newTestClient(t, "3.18", mux)
	// Point the transport at a closed port.
	c.tp.restURL = "http://127.0.0.1:1/api/v3"

	err := c.ValidateConnection(context.Background())
	assert.True(t, kilnerr.Is(err, kilnerr.KindNetworkFailure))
}

func TestDeleteBranchEscapesName(t *testing.T) {
	mux := http.NewServeMux()
	var gotPath string
	mux.HandleFunc("/api/v3/repos/acme/widgets/git/refs/heads/", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNoContent)
	})
	c, host := newTestClient(t, "3.18", mux)

	err := c.DeleteBranch(context.Background(), host+"/acme/widgets", "kiln/issue 42#fix")
	require.NoError(t, err)
	assert.Equal(t, "/api/v3/repos/acme/widgets/git/refs/heads/kiln/issue%2042%23fix", gotPath)
}
