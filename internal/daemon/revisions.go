package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/golithk/kiln/internal/agent"
	"github.com/golithk/kiln/internal/board"
	"github.com/golithk/kiln/internal/log"
	"github.com/golithk/kiln/internal/store"
	"github.com/golithk/kiln/internal/telemetry"
	"github.com/golithk/kiln/internal/workflow"
)

// runRevision applies new review comments to the latest stage artifact.
// Each comment gets a sentinel row before any work starts; rows survive
// failures so a crash between applying and acknowledging never applies
// a comment twice.
func (d *Dispatcher) runRevision(ctx context.Context, projectURL string, item board.BoardItem, stage *workflow.Stage, pending []board.Comment) {
	repoID, num := item.RepoID, item.IssueNumber

	all, err := d.client.CommentsSince(ctx, repoID, num, time.Time{})
	if err != nil {
		log.Warn(log.CatDaemon, "Failed to fetch comments for revision",
			"repo", repoID, "issue", num, "error", err)
		return
	}
	target, targetComment, artifact := d.revisionTarget(all, stage)
	if target == nil {
		// Comments arrived before any artifact exists. The stage run will
		// see the issue discussion through the issue body and comments.
		d.runStage(ctx, projectURL, item, stage)
		return
	}

	runID := uuid.NewString()
	ctx, span := d.tracer.StartRun(ctx, "revise-"+target.Name(), repoID, num)
	run := &store.RunRecord{
		ID: runID, RepoID: repoID, IssueNumber: num,
		Stage: "revise-" + target.Name(), StartedAt: d.now(),
	}
	if err := d.store.Runs.Start(run); err != nil {
		log.ErrorErr(log.CatDaemon, "Failed to start revision run", err, "repo", repoID, "issue", num)
		telemetry.EndRun(span, err, 0, 0)
		return
	}
	log.Info(log.CatDaemon, "Revision started",
		"repo", repoID, "issue", num, "stage", target.Name(), "comments", len(pending))

	for _, c := range pending {
		if err := d.store.Processing.Mark(repoID, num, c.ID); err != nil {
			log.ErrorErr(log.CatDB, "Failed to mark comment", err, "comment", c.ID)
			telemetry.EndRun(span, err, 0, 0)
			return
		}
		if err := d.client.AddReaction(ctx, repoID, c.ID, board.ReactionEyes); err != nil {
			log.Warn(log.CatDaemon, "Failed to add eyes reaction", "comment", c.ID, "error", err)
		}
	}

	result, err := d.executeRevision(ctx, item, target, artifact, pending)
	if err != nil {
		// Watermark and sentinel rows stay put: the next cycle retries
		// the same comments.
		for _, c := range pending {
			if rerr := d.client.RemoveReaction(ctx, repoID, c.ID, board.ReactionEyes); rerr != nil {
				log.Warn(log.CatDaemon, "Failed to remove eyes reaction", "comment", c.ID, "error", rerr)
			}
		}
		d.failRun(ctx, runID, item, "revise-"+target.Name(), "", err)
		telemetry.EndRun(span, err, 0, 0)
		return
	}

	d.acknowledgeRevision(ctx, item, target, targetComment, artifact, pending, result, runID)
	log.Info(log.CatDaemon, "Revision complete",
		"repo", repoID, "issue", num, "stage", target.Name())
	telemetry.EndRun(span, nil, result.Metrics.TotalCostUSD, result.Metrics.NumTurns)
}

func (d *Dispatcher) executeRevision(ctx context.Context, item board.BoardItem, target *workflow.Stage, artifact string, pending []board.Comment) (*agent.Result, error) {
	repoID, num := item.RepoID, item.IssueNumber

	ws, err := d.ws.Provision(ctx, repoID, num, "revise-"+target.Name())
	if err != nil {
		return nil, err
	}
	mcpPath, err := d.plugins.WriteRunConfig(ctx, ws.Path)
	if err != nil {
		log.Warn(log.CatDaemon, "Revising without plugins",
			"repo", repoID, "issue", num, "error", err)
		mcpPath = ""
	}

	sctx := workflow.StageContext{
		IssueURL:      item.URL,
		IssueTitle:    item.Title,
		RepoID:        repoID,
		IssueNumber:   num,
		WorkspacePath: ws.Path,
	}
	texts := make([]string, len(pending))
	for i, c := range pending {
		texts[i] = c.Body
	}
	req := agent.Request{
		Prompt:        workflow.RevisionPrompt(target, sctx, artifact, texts),
		Model:         d.cfg.Agent.ModelFor(target.Name()),
		WorkDir:       ws.Path,
		MCPConfigPath: mcpPath,
	}
	req.SessionID = d.resumableSession(repoID, num, target.Name(), ws.Path)

	return d.agent.Run(ctx, req)
}

// acknowledgeRevision rewrites the artifact comment in place, posts
// the diff reply, and marks every processed comment done. Ordering
// matters: the watermark advances before sentinel rows clear, so a
// crash in between leaves the comments excluded rather than
// reprocessed.
func (d *Dispatcher) acknowledgeRevision(ctx context.Context, item board.BoardItem, target *workflow.Stage, targetComment board.Comment, artifact string, pending []board.Comment, result *agent.Result, runID string) {
	repoID, num := item.RepoID, item.IssueNumber

	revised := target.Marker() + "\n\n" + result.Text
	if err := d.client.UpdateComment(ctx, repoID, targetComment.ID, revised); err != nil {
		log.Warn(log.CatDaemon, "Failed to update artifact comment, posting anew",
			"repo", repoID, "issue", num, "comment", targetComment.ID, "error", err)
		if _, err := d.client.AddComment(ctx, repoID, num, revised); err != nil {
			log.Warn(log.CatDaemon, "Failed to post revised artifact",
				"repo", repoID, "issue", num, "error", err)
		}
	}

	diff := UnifiedDiff(artifact, result.Text)
	summary := fmt.Sprintf("Revised the %s output for %d review comment(s).",
		target.Name(), len(pending))
	if _, err := d.client.AddComment(ctx, repoID, num,
		RenderDiffComment(workflow.MarkerResponse, summary, diff)); err != nil {
		log.Warn(log.CatDaemon, "Failed to post revision response",
			"repo", repoID, "issue", num, "error", err)
	}

	var newest time.Time
	for _, c := range pending {
		if err := d.client.AddReaction(ctx, repoID, c.ID, board.ReactionThumbsUp); err != nil {
			log.Warn(log.CatDaemon, "Failed to add thumbs up", "comment", c.ID, "error", err)
		}
		if err := d.client.RemoveReaction(ctx, repoID, c.ID, board.ReactionEyes); err != nil {
			log.Warn(log.CatDaemon, "Failed to remove eyes reaction", "comment", c.ID, "error", err)
		}
		if c.CreatedAt.After(newest) {
			newest = c.CreatedAt
		}
	}

	if err := d.store.Issues.SetSessionID(repoID, num, target.Name(), result.SessionID); err != nil {
		log.ErrorErr(log.CatDB, "Failed to store session", err, "repo", repoID, "issue", num)
	}
	if err := d.store.Issues.AdvanceCommentWatermark(repoID, num, newest); err != nil {
		log.ErrorErr(log.CatDB, "Failed to advance watermark", err, "repo", repoID, "issue", num)
	}
	if err := d.store.Processing.Clear(repoID, num); err != nil {
		log.ErrorErr(log.CatDB, "Failed to clear sentinel rows", err, "repo", repoID, "issue", num)
	}
	if err := d.store.Issues.ClearFailures(repoID, num); err != nil {
		log.ErrorErr(log.CatDB, "Failed to clear failures", err, "repo", repoID, "issue", num)
	}
	if err := d.store.Runs.FinishSuccess(runID, result.SessionID, storeMetrics(result.Metrics)); err != nil {
		log.ErrorErr(log.CatDB, "Failed to finish revision run", err, "run", runID)
	}
}

// revisionTarget walks back from the current stage to the latest stage
// that has produced an artifact, returning the artifact comment itself
// so it can be rewritten.
func (d *Dispatcher) revisionTarget(comments []board.Comment, from *workflow.Stage) (*workflow.Stage, board.Comment, string) {
	self := d.cfg.Authorization.SelfUsername
	for s := from; s != nil; s = d.registry.Predecessor(s) {
		if c, text, ok := latestArtifact(comments, self, s.Marker()); ok {
			return s, c, text
		}
	}
	return nil, board.Comment{}, ""
}
