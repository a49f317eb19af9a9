// Package daemon drives the poll-claim-execute loop: it reads project
// boards, gates items against local state, and dispatches stage runs,
// comment revisions and resets to a bounded worker pool.
package daemon

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/golithk/kiln/internal/agent"
	"github.com/golithk/kiln/internal/board"
	"github.com/golithk/kiln/internal/config"
	"github.com/golithk/kiln/internal/integrations/slacknotify"
	"github.com/golithk/kiln/internal/kilnerr"
	"github.com/golithk/kiln/internal/log"
	"github.com/golithk/kiln/internal/mcp"
	"github.com/golithk/kiln/internal/store"
	"github.com/golithk/kiln/internal/telemetry"
	"github.com/golithk/kiln/internal/workflow"
	"github.com/golithk/kiln/internal/workspace"
)

// Backoff bounds for per-issue failure cooldowns below the threshold.
const (
	backoffMin = 2 * time.Second
	backoffMax = 300 * time.Second
)

// labelColor is the color kiln labels are created with;
// errorLabelColor marks the per-stage failure labels.
const (
	labelColor      = "bfd4f2"
	errorLabelColor = "d73a4a"
)

// AgentRunner runs the coding agent. Satisfied by agent.Runner; tests
// substitute scripted fakes.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Workspaces provisions and removes run worktrees. Satisfied by
// workspace.Provisioner.
type Workspaces interface {
	Provision(ctx context.Context, repoID string, issueNumber int, stage string) (*workspace.Workspace, error)
	CleanupIssue(ctx context.Context, repoID string, issueNumber int) error
}

// Dispatcher owns one poll cycle: claim, gate, dispatch.
type Dispatcher struct {
	cfg      config.Config
	store    *store.Store
	client   board.Client
	registry *workflow.Registry
	agent    AgentRunner
	ws       Workspaces
	plugins  *mcp.Manager
	tracer   *telemetry.Provider
	notifier *slacknotify.Notifier

	pool    *workerPool
	locks   *keyedMutex
	homeDir string
	now     func() time.Time
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(cfg config.Config, st *store.Store, client board.Client,
	runner AgentRunner, ws Workspaces, plugins *mcp.Manager,
	tracer *telemetry.Provider, notifier *slacknotify.Notifier) *Dispatcher {
	home, _ := os.UserHomeDir()
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		client:   client,
		registry: workflow.NewRegistry(),
		agent:    runner,
		ws:       ws,
		plugins:  plugins,
		tracer:   tracer,
		notifier: notifier,
		pool:     newWorkerPool(cfg.Daemon.MaxConcurrentWorkflows),
		locks:    newKeyedMutex(),
		homeDir:  home,
		now:      time.Now,
	}
}

// RunCycle executes one poll cycle over all configured projects.
// Network and auth failures bubble up so the supervisor can hibernate
// or abort.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	cycleID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if err := d.client.ValidateConnection(ctx); err != nil {
		return err
	}
	for _, p := range d.cfg.Projects {
		if err := d.pollProject(ctx, cycleID, p.URL); err != nil {
			switch kilnerr.Classify(err) {
			case kilnerr.KindNetworkFailure, kilnerr.KindAuthFailure:
				return err
			}
			log.ErrorErr(log.CatDaemon, "Project poll failed", err,
				"cycle", cycleID, "project", p.URL)
		}
	}
	return nil
}

func (d *Dispatcher) pollProject(ctx context.Context, cycleID, projectURL string) error {
	items, err := d.client.BoardItems(ctx, projectURL)
	if err != nil {
		return err
	}
	log.Debug(log.CatDaemon, "Board fetched",
		"cycle", cycleID, "project", projectURL, "items", len(items))

	labeledRepos := make(map[string]bool)
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !labeledRepos[item.RepoID] {
			d.ensureLabels(ctx, item.RepoID)
			labeledRepos[item.RepoID] = true
		}
		d.handleItem(ctx, cycleID, projectURL, item)
	}
	return nil
}

// ensureLabels creates kiln's labels on a repository if absent.
func (d *Dispatcher) ensureLabels(ctx context.Context, repoID string) {
	labels := append(d.registry.RunningLabels(), d.registry.CompleteLabels()...)
	for _, l := range labels {
		if err := d.client.EnsureLabelExists(ctx, repoID, l, labelColor); err != nil {
			log.Warn(log.CatDaemon, "Failed to ensure label", "repo", repoID, "label", l, "error", err)
			return
		}
	}
	for _, l := range d.registry.FailedLabels() {
		if err := d.client.EnsureLabelExists(ctx, repoID, l, errorLabelColor); err != nil {
			log.Warn(log.CatDaemon, "Failed to ensure label", "repo", repoID, "label", l, "error", err)
			return
		}
	}
}

func (d *Dispatcher) handleItem(ctx context.Context, cycleID, projectURL string, item board.BoardItem) {
	if item.Closed {
		if err := d.client.ArchiveItem(ctx, projectURL, item.ItemID); err != nil {
			log.Warn(log.CatDaemon, "Failed to archive closed item",
				"repo", item.RepoID, "issue", item.IssueNumber, "error", err)
		}
		return
	}

	// Unknown statuses normalize to Backlog so every card is in a column
	// kiln understands.
	if item.Status != board.ColumnBacklog && item.Status != board.ColumnDone &&
		d.registry.ForColumn(item.Status) == nil {
		log.Info(log.CatDaemon, "Normalizing unknown status",
			"repo", item.RepoID, "issue", item.IssueNumber, "status", item.Status)
		if err := d.client.UpdateItemStatus(ctx, projectURL, item.ItemID, board.ColumnBacklog); err != nil {
			log.Warn(log.CatDaemon, "Failed to set Backlog status",
				"repo", item.RepoID, "issue", item.IssueNumber, "error", err)
		}
		return
	}

	if item.Status == board.ColumnDone {
		return
	}

	rec, err := d.store.Issues.Ensure(item.RepoID, item.IssueNumber)
	if err != nil {
		log.ErrorErr(log.CatDaemon, "Failed to load issue state", err,
			"repo", item.RepoID, "issue", item.IssueNumber)
		return
	}

	if item.Status == board.ColumnBacklog {
		if d.hasProgress(ctx, rec, item) {
			d.submit("reset", item, func(ctx context.Context) {
				d.runReset(ctx, projectURL, item)
			})
		}
		return
	}

	if d.moveWhenMerged(ctx, projectURL, item) {
		return
	}

	stage := d.registry.ForColumn(item.Status)
	labels, err := d.client.Labels(ctx, item.RepoID, item.IssueNumber)
	if err != nil {
		log.Warn(log.CatDaemon, "Failed to fetch labels",
			"repo", item.RepoID, "issue", item.IssueNumber, "error", err)
		return
	}

	d.sweepStaleRunning(ctx, item, labels)

	if rec.Hidden(d.now()) {
		log.Debug(log.CatDaemon, "Issue cooling down",
			"repo", item.RepoID, "issue", item.IssueNumber, "until", rec.HiddenUntil)
		return
	}
	if _, err := d.store.Runs.InFlight(item.RepoID, item.IssueNumber); err == nil {
		return
	}
	if !d.actorAllowed(ctx, item) {
		return
	}

	// A stage needs its predecessor's artifact.
	if pred := d.registry.Predecessor(stage); pred != nil && !hasLabel(labels, pred.CompleteLabel()) {
		log.Debug(log.CatDaemon, "Stage gated on predecessor",
			"repo", item.RepoID, "issue", item.IssueNumber, "stage", stage.Name())
		return
	}

	pending, err := d.pendingComments(ctx, rec, item)
	if err != nil {
		log.Warn(log.CatDaemon, "Failed to fetch comments",
			"repo", item.RepoID, "issue", item.IssueNumber, "error", err)
		return
	}

	switch {
	case len(pending) > 0:
		d.submit("revision", item, func(ctx context.Context) {
			d.runRevision(ctx, projectURL, item, stage, pending)
		})
	case !hasLabel(labels, stage.CompleteLabel()):
		d.submit("stage "+stage.Name(), item, func(ctx context.Context) {
			d.runStage(ctx, projectURL, item, stage)
		})
	}
}

// moveWhenMerged moves an issue to Done when a linked PR has merged.
// Returns true when the item was moved.
func (d *Dispatcher) moveWhenMerged(ctx context.Context, projectURL string, item board.BoardItem) bool {
	prs, err := d.client.LinkedPullRequests(ctx, item.RepoID, item.IssueNumber)
	if err != nil {
		if !kilnerr.Is(err, kilnerr.KindBackendCapabilityMissing) {
			log.Warn(log.CatDaemon, "Failed to fetch linked PRs",
				"repo", item.RepoID, "issue", item.IssueNumber, "error", err)
		}
		return false
	}
	for _, pr := range prs {
		if pr.State != "merged" {
			continue
		}
		log.Info(log.CatDaemon, "Linked PR merged, moving to Done",
			"repo", item.RepoID, "issue", item.IssueNumber, "pr", pr.Number)
		if err := d.client.UpdateItemStatus(ctx, projectURL, item.ItemID, board.ColumnDone); err != nil {
			log.Warn(log.CatDaemon, "Failed to move item to Done",
				"repo", item.RepoID, "issue", item.IssueNumber, "error", err)
			return false
		}
		return true
	}
	return false
}

// sweepStaleRunning removes running labels left behind by dead runs.
func (d *Dispatcher) sweepStaleRunning(ctx context.Context, item board.BoardItem, labels []string) {
	var stale []string
	for _, l := range d.registry.RunningLabels() {
		if hasLabel(labels, l) {
			stale = append(stale, l)
		}
	}
	if len(stale) == 0 {
		return
	}
	if _, err := d.store.Runs.InFlight(item.RepoID, item.IssueNumber); err == nil {
		return
	}
	runs, err := d.store.Runs.ListForIssue(item.RepoID, item.IssueNumber)
	if err != nil {
		return
	}
	if len(runs) > 0 && d.now().Sub(runs[0].StartedAt) < d.cfg.Daemon.StaleRunningAfter {
		return
	}
	for _, l := range stale {
		log.Info(log.CatDaemon, "Sweeping stale running label",
			"repo", item.RepoID, "issue", item.IssueNumber, "label", l)
		if err := d.client.RemoveLabel(ctx, item.RepoID, item.IssueNumber, l); err != nil {
			log.Warn(log.CatDaemon, "Failed to remove stale label",
				"repo", item.RepoID, "issue", item.IssueNumber, "label", l, "error", err)
		}
	}
}

// actorAllowed checks who last moved the item. Kiln's own moves are
// skipped silently: a column is worked only when a person put the item
// there. Backends without the activity query allow everything.
func (d *Dispatcher) actorAllowed(ctx context.Context, item board.BoardItem) bool {
	actor, err := d.client.LastStatusActor(ctx, item.RepoID, item.IssueNumber)
	if err != nil {
		if kilnerr.Is(err, kilnerr.KindBackendCapabilityMissing) {
			return true
		}
		log.Warn(log.CatDaemon, "Failed to resolve status actor",
			"repo", item.RepoID, "issue", item.IssueNumber, "error", err)
		return false
	}
	if actor == "" {
		return true
	}
	if d.cfg.Authorization.IsSelf(actor) {
		log.Debug(log.CatDaemon, "Skipping self-moved item",
			"repo", item.RepoID, "issue", item.IssueNumber)
		return false
	}
	if !d.cfg.Authorization.Allowed(actor) {
		log.Warn(log.CatDaemon, "Status changed by unauthorized actor",
			"repo", item.RepoID, "issue", item.IssueNumber, "actor", actor)
		return false
	}
	return true
}

// pendingComments returns unprocessed comments by allowed authors,
// oldest first. Kiln's own comments never count, and neither do
// comments already carrying an acknowledgement reaction: a crash
// between reacting and advancing the watermark must not replay them.
func (d *Dispatcher) pendingComments(ctx context.Context, rec *store.IssueRecord, item board.BoardItem) ([]board.Comment, error) {
	var since time.Time
	if rec.LastProcessedCommentAt != nil {
		since = *rec.LastProcessedCommentAt
	}
	comments, err := d.client.CommentsSince(ctx, item.RepoID, item.IssueNumber, since)
	if err != nil {
		return nil, err
	}
	var pending []board.Comment
	for _, c := range comments {
		if !d.cfg.Authorization.Allowed(c.Author) {
			continue
		}
		if c.ThumbsUp || c.Eyes {
			continue
		}
		pending = append(pending, c)
	}
	return pending, nil
}

// hasProgress reports whether an issue in Backlog carries prior kiln
// state, meaning it was moved back and needs a reset.
func (d *Dispatcher) hasProgress(ctx context.Context, rec *store.IssueRecord, item board.BoardItem) bool {
	if rec.LastProcessedCommentAt != nil ||
		rec.ResearchSessionID != nil || rec.PlanSessionID != nil ||
		rec.ImplementSessionID != nil || rec.ValidateSessionID != nil {
		return true
	}
	labels, err := d.client.Labels(ctx, item.RepoID, item.IssueNumber)
	if err != nil {
		return false
	}
	for _, l := range labels {
		if strings.HasPrefix(l, "kiln:") {
			return true
		}
	}
	return false
}

// submit claims the issue's lock and hands fn to the pool. Busy pools
// and held locks drop the work; the next cycle re-claims it.
func (d *Dispatcher) submit(kind string, item board.BoardItem, fn func(ctx context.Context)) {
	key := issueKey(item.RepoID, item.IssueNumber)
	if !d.locks.TryAcquire(key) {
		return
	}
	err := d.pool.Submit(kind+" "+key, func(ctx context.Context) {
		defer d.locks.Release(key)
		fn(ctx)
	})
	if err != nil {
		d.locks.Release(key)
		log.Debug(log.CatDaemon, "Dropped work", "task", kind, "key", key, "reason", err)
	}
}

// Shutdown stops claiming and waits for in-flight work to finish.
func (d *Dispatcher) Shutdown() {
	d.pool.Drain()
}

// recordFailure bumps the issue's failure count and hides it with an
// exponential cooldown, switching to the long cooldown past the
// threshold.
func (d *Dispatcher) recordFailure(repoID string, issueNumber int) {
	rec, err := d.store.Issues.Ensure(repoID, issueNumber)
	if err != nil {
		log.ErrorErr(log.CatDaemon, "Failed to load issue for backoff", err,
			"repo", repoID, "issue", issueNumber)
		return
	}
	next := rec.ConsecutiveFailures + 1
	var cooldown time.Duration
	if next >= d.cfg.Daemon.FailureThreshold {
		cooldown = d.cfg.Daemon.FailureCooldown
	} else {
		cooldown = backoffMin << (next - 1)
		if cooldown > backoffMax {
			cooldown = backoffMax
		}
	}
	count, err := d.store.Issues.RecordFailure(repoID, issueNumber, d.now().Add(cooldown))
	if err != nil {
		log.ErrorErr(log.CatDaemon, "Failed to record failure", err,
			"repo", repoID, "issue", issueNumber)
		return
	}
	log.Info(log.CatDaemon, "Issue cooling down after failure",
		"repo", repoID, "issue", issueNumber, "failures", count, "cooldown", cooldown)
}

func issueKey(repoID string, issueNumber int) string {
	return fmt.Sprintf("%s#%d", repoID, issueNumber)
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
