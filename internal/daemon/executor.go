package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/golithk/kiln/internal/agent"
	"github.com/golithk/kiln/internal/board"
	"github.com/golithk/kiln/internal/integrations/pagerduty"
	"github.com/golithk/kiln/internal/kilnerr"
	"github.com/golithk/kiln/internal/log"
	"github.com/golithk/kiln/internal/store"
	"github.com/golithk/kiln/internal/telemetry"
	"github.com/golithk/kiln/internal/workflow"
)

// runStage executes one workflow stage for an item and records the
// outcome.
func (d *Dispatcher) runStage(ctx context.Context, projectURL string, item board.BoardItem, stage *workflow.Stage) {
	repoID, num := item.RepoID, item.IssueNumber

	// The claim is re-checked on the worker: the column can change
	// hands between the poll and the pool picking this up.
	if !d.actorAllowed(ctx, item) {
		log.Debug(log.CatDaemon, "Claim lost before execution",
			"repo", repoID, "issue", num, "stage", stage.Name())
		return
	}

	runID := uuid.NewString()
	ctx, span := d.tracer.StartRun(ctx, stage.Name(), repoID, num)

	run := &store.RunRecord{
		ID: runID, RepoID: repoID, IssueNumber: num,
		Stage: stage.Name(), StartedAt: d.now(),
	}
	if err := d.store.Runs.Start(run); err != nil {
		log.ErrorErr(log.CatDaemon, "Failed to start run", err, "repo", repoID, "issue", num)
		telemetry.EndRun(span, err, 0, 0)
		return
	}
	if err := d.client.AddLabel(ctx, repoID, num, stage.RunningLabel()); err != nil {
		log.Warn(log.CatDaemon, "Failed to add running label",
			"repo", repoID, "issue", num, "label", stage.RunningLabel(), "error", err)
	}
	log.Info(log.CatDaemon, "Stage started",
		"repo", repoID, "issue", num, "stage", stage.Name(), "run", runID)

	result, err := d.executeStage(ctx, runID, projectURL, item, stage)
	if err != nil {
		d.failRun(ctx, runID, item, stage.Name(), stage.RunningLabel(), err)
		d.reportStageFailure(ctx, item, stage, err)
		telemetry.EndRun(span, err, 0, 0)
		return
	}
	log.Info(log.CatDaemon, "Stage complete",
		"repo", repoID, "issue", num, "stage", stage.Name(),
		"costUSD", result.Metrics.TotalCostUSD)
	telemetry.EndRun(span, nil, result.Metrics.TotalCostUSD, result.Metrics.NumTurns)
}

func (d *Dispatcher) executeStage(ctx context.Context, runID, projectURL string, item board.BoardItem, stage *workflow.Stage) (*agent.Result, error) {
	repoID, num := item.RepoID, item.IssueNumber

	ws, err := d.ws.Provision(ctx, repoID, num, stage.Name())
	if err != nil {
		return nil, err
	}

	mcpPath, err := d.plugins.WriteRunConfig(ctx, ws.Path)
	if err != nil {
		// Missing plugins degrade the run, they do not fail it.
		if !kilnerr.Is(err, kilnerr.KindPluginUnavailable) {
			return nil, err
		}
		log.Warn(log.CatDaemon, "Running without plugins",
			"repo", repoID, "issue", num, "error", err)
		mcpPath = ""
	}

	body, err := d.client.IssueBody(ctx, repoID, num)
	if err != nil {
		return nil, err
	}
	artifacts, err := d.collectArtifacts(ctx, repoID, num)
	if err != nil {
		return nil, err
	}

	sctx := workflow.StageContext{
		IssueURL:      item.URL,
		IssueTitle:    item.Title,
		IssueBody:     body,
		RepoID:        repoID,
		IssueNumber:   num,
		Artifacts:     artifacts,
		WorkspacePath: ws.Path,
	}
	req := agent.Request{
		Prompt:        stage.Prompt(sctx),
		Model:         d.cfg.Agent.ModelFor(stage.Name()),
		WorkDir:       ws.Path,
		MCPConfigPath: mcpPath,
	}
	req.SessionID = d.resumableSession(repoID, num, stage.Name(), ws.Path)

	result, err := d.agent.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	comment, err := d.client.AddComment(ctx, repoID, num, stage.Marker()+"\n\n"+result.Text)
	if err != nil {
		return nil, err
	}
	if err := d.client.AddLabel(ctx, repoID, num, stage.CompleteLabel()); err != nil {
		log.Warn(log.CatDaemon, "Failed to add complete label",
			"repo", repoID, "issue", num, "error", err)
	}
	if err := d.client.RemoveLabel(ctx, repoID, num, stage.RunningLabel()); err != nil {
		log.Warn(log.CatDaemon, "Failed to remove running label",
			"repo", repoID, "issue", num, "error", err)
	}
	if err := d.client.RemoveLabel(ctx, repoID, num, stage.FailedLabel()); err != nil {
		log.Warn(log.CatDaemon, "Failed to remove failure label",
			"repo", repoID, "issue", num, "error", err)
	}
	if err := d.client.UpdateItemStatus(ctx, projectURL, item.ItemID, stage.NextColumn()); err != nil {
		log.Warn(log.CatDaemon, "Failed to advance column",
			"repo", repoID, "issue", num, "column", stage.NextColumn(), "error", err)
	} else if stage.NextColumn() == board.ColumnDone {
		// Advancing into the final column retires the card from the
		// board as well.
		if err := d.client.ArchiveItem(ctx, projectURL, item.ItemID); err != nil {
			log.Warn(log.CatDaemon, "Failed to archive finished item",
				"repo", repoID, "issue", num, "error", err)
		}
	}

	if err := d.store.Issues.SetSessionID(repoID, num, stage.Name(), result.SessionID); err != nil {
		log.ErrorErr(log.CatDB, "Failed to store session", err, "repo", repoID, "issue", num)
	}
	if err := d.store.Runs.FinishSuccess(runID, result.SessionID, storeMetrics(result.Metrics)); err != nil {
		log.ErrorErr(log.CatDB, "Failed to finish run", err, "run", runID)
	}
	if err := d.store.Issues.ClearFailures(repoID, num); err != nil {
		log.ErrorErr(log.CatDB, "Failed to clear failures", err, "repo", repoID, "issue", num)
	}
	// The posted artifact is kiln's own comment; advancing the watermark
	// past it keeps it out of revision detection.
	if err := d.store.Issues.AdvanceCommentWatermark(repoID, num, comment.CreatedAt); err != nil {
		log.ErrorErr(log.CatDB, "Failed to advance watermark", err, "repo", repoID, "issue", num)
	}
	return result, nil
}

// failRun records a failed run and cools the issue down.
func (d *Dispatcher) failRun(ctx context.Context, runID string, item board.BoardItem, stageName, runningLabel string, runErr error) {
	repoID, num := item.RepoID, item.IssueNumber
	log.ErrorErr(log.CatDaemon, "Run failed", runErr,
		"repo", repoID, "issue", num, "stage", stageName, "kind", kilnerr.Classify(runErr))

	if err := d.store.Runs.FinishFailure(runID, "", runErr.Error(), store.RunMetrics{}); err != nil {
		log.ErrorErr(log.CatDB, "Failed to record run failure", err, "run", runID)
	}
	if runningLabel != "" {
		if err := d.client.RemoveLabel(ctx, repoID, num, runningLabel); err != nil {
			log.Warn(log.CatDaemon, "Failed to remove running label",
				"repo", repoID, "issue", num, "error", err)
		}
	}
	d.recordFailure(repoID, num)
	d.notifier.RunFailed(repoID, num, stageName, runErr.Error())
}

// reportStageFailure leaves the failure visible on the issue: a
// failure label, a comment asking for a human, and a page when the
// agent went silent. The column never advances on failure.
func (d *Dispatcher) reportStageFailure(ctx context.Context, item board.BoardItem, stage *workflow.Stage, runErr error) {
	repoID, num := item.RepoID, item.IssueNumber

	if err := d.client.AddLabel(ctx, repoID, num, stage.FailedLabel()); err != nil {
		log.Warn(log.CatDaemon, "Failed to add failure label",
			"repo", repoID, "issue", num, "label", stage.FailedLabel(), "error", err)
	}
	body := fmt.Sprintf("%s\n\nThe %s stage failed and I need a human to take a look.\n\n> %s",
		workflow.MarkerResponse, stage.Name(), failureSummary(runErr))
	if _, err := d.client.AddComment(ctx, repoID, num, body); err != nil {
		log.Warn(log.CatDaemon, "Failed to post failure comment",
			"repo", repoID, "issue", num, "error", err)
	}
	if kilnerr.Is(runErr, kilnerr.KindAgentTimeoutInactivity) {
		if err := pagerduty.Get().TriggerAgentStall(ctx, repoID, num, stage.Name(), failureSummary(runErr)); err != nil {
			log.Warn(log.CatNotify, "Failed to page on agent stall",
				"repo", repoID, "issue", num, "error", err)
		}
	}
}

// failureSummary reduces an error to its first line, capped, so issue
// comments stay readable.
func failureSummary(err error) string {
	s := err.Error()
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 300
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// resumableSession returns the stored session for a stage when the CLI
// still has it on disk, clearing it otherwise.
func (d *Dispatcher) resumableSession(repoID string, num int, stageName, workDir string) string {
	rec, err := d.store.Issues.Get(repoID, num)
	if err != nil {
		return ""
	}
	sid := rec.SessionID(stageName)
	if sid == "" {
		return ""
	}
	if agent.SessionFileExists(d.homeDir, workDir, sid) {
		return sid
	}
	log.Debug(log.CatDaemon, "Stored session gone, starting fresh",
		"repo", repoID, "issue", num, "stage", stageName)
	if err := d.store.Issues.ClearSessionID(repoID, num, stageName); err != nil {
		log.ErrorErr(log.CatDB, "Failed to clear session", err, "repo", repoID, "issue", num)
	}
	return ""
}

// collectArtifacts finds the latest artifact comment per stage.
func (d *Dispatcher) collectArtifacts(ctx context.Context, repoID string, num int) (map[string]string, error) {
	comments, err := d.client.CommentsSince(ctx, repoID, num, time.Time{})
	if err != nil {
		return nil, err
	}
	artifacts := make(map[string]string)
	for _, stage := range d.registry.Stages() {
		if _, text, ok := latestArtifact(comments, d.cfg.Authorization.SelfUsername, stage.Marker()); ok {
			artifacts[stage.Name()] = text
		}
	}
	return artifacts, nil
}

// latestArtifact returns the newest comment by author carrying marker,
// plus its body with the marker stripped.
func latestArtifact(comments []board.Comment, author, marker string) (board.Comment, string, bool) {
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		if !strings.EqualFold(c.Author, author) {
			continue
		}
		if !strings.Contains(c.Body, marker) {
			continue
		}
		return c, strings.TrimSpace(strings.Replace(c.Body, marker, "", 1)), true
	}
	return board.Comment{}, "", false
}

func storeMetrics(m agent.Metrics) store.RunMetrics {
	return store.RunMetrics{
		TotalCostUSD:        m.TotalCostUSD,
		DurationMs:          m.DurationMs,
		DurationAPIMs:       m.DurationAPIMs,
		NumTurns:            m.NumTurns,
		InputTokens:         m.InputTokens,
		OutputTokens:        m.OutputTokens,
		CacheReadTokens:     m.CacheReadTokens,
		CacheCreationTokens: m.CacheCreationTokens,
	}
}
