package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/board"
	"github.com/golithk/kiln/internal/integrations/pagerduty"
	"github.com/golithk/kiln/internal/kilnerr"
	"github.com/golithk/kiln/internal/mcp"
	"github.com/golithk/kiln/internal/store"
)

func newTestSupervisor(t *testing.T, env *testEnv) *Supervisor {
	t.Helper()
	pagerduty.Reset()
	t.Cleanup(pagerduty.Reset)
	return &Supervisor{
		cfg:      env.disp.cfg,
		store:    env.store,
		client:   env.board,
		disp:     env.disp,
		tracer:   env.disp.tracer,
		plugins:  mcp.NewManager("", nil, 0),
		notifier: env.disp.notifier,
	}
}

func TestCycleClassifiesConnectionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.board.validateErr = kilnerr.Newf(kilnerr.KindNetworkFailure, "backend unreachable")

	err := env.disp.RunCycle(context.Background())
	assert.Equal(t, kilnerr.KindNetworkFailure, kilnerr.Classify(err))
}

func TestHibernationToggles(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSupervisor(t, env)
	ctx := context.Background()

	s.enterHibernation(ctx, kilnerr.Newf(kilnerr.KindNetworkFailure, "down"))
	assert.True(t, s.hibernating)

	// Re-entering while hibernating must not re-trigger.
	s.enterHibernation(ctx, kilnerr.Newf(kilnerr.KindNetworkFailure, "still down"))
	assert.True(t, s.hibernating)

	s.exitHibernation(ctx)
	assert.False(t, s.hibernating)

	// Exiting when not hibernating is a no-op.
	s.exitHibernation(ctx)
	assert.False(t, s.hibernating)
}

func TestResyncRemovesStaleEyes(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSupervisor(t, env)
	ctx := context.Background()

	c := env.board.seedComment(testRepo, 42, testHuman, "Revise this.")
	require.NoError(t, env.store.Processing.Mark(testRepo, 42, c.ID))
	require.NoError(t, env.board.AddReaction(ctx, testRepo, c.ID, board.ReactionEyes))

	s.resyncReactions(ctx)

	assert.False(t, env.board.hasReaction(c.ID, board.ReactionEyes))
	// Sentinel rows stay: the pending revision re-dispatches next cycle.
	marked, err := env.store.Processing.MarkedComments(testRepo, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, marked)
}

func TestAbandonedRunsFailedAtStartup(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.Runs.Start(&store.RunRecord{
		ID: "orphan", RepoID: testRepo, IssueNumber: 42, Stage: "plan", StartedAt: time.Now(),
	}))
	n, err := env.store.Runs.FailAbandoned()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = env.store.Runs.InFlight(testRepo, 42)
	assert.Error(t, err)
}
