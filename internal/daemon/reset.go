package daemon

import (
	"context"

	"github.com/golithk/kiln/internal/board"
	"github.com/golithk/kiln/internal/kilnerr"
	"github.com/golithk/kiln/internal/log"
)

// resetComment is the audit trail left after a reset.
const resetComment = "Workflow state reset: labels, sessions and workspaces cleared. " +
	"Move the issue to Research to start over."

// runReset tears down everything kiln built for an issue that moved
// back to Backlog. Every step is idempotent, so a reset interrupted by
// a crash completes on the next cycle.
func (d *Dispatcher) runReset(ctx context.Context, projectURL string, item board.BoardItem) {
	repoID, num := item.RepoID, item.IssueNumber
	log.Info(log.CatDaemon, "Resetting issue", "repo", repoID, "issue", num)

	labels := append(d.registry.RunningLabels(), d.registry.CompleteLabels()...)
	labels = append(labels, d.registry.FailedLabels()...)
	for _, l := range labels {
		if err := d.client.RemoveLabel(ctx, repoID, num, l); err != nil {
			log.Warn(log.CatDaemon, "Failed to remove label",
				"repo", repoID, "issue", num, "label", l, "error", err)
		}
	}

	d.closeLinkedPRs(ctx, item)

	if err := d.store.Issues.ClearAllSessions(repoID, num); err != nil {
		log.ErrorErr(log.CatDB, "Failed to clear sessions", err, "repo", repoID, "issue", num)
	}
	if err := d.store.Issues.ClearCommentWatermark(repoID, num); err != nil {
		log.ErrorErr(log.CatDB, "Failed to clear watermark", err, "repo", repoID, "issue", num)
	}
	if err := d.store.Processing.Clear(repoID, num); err != nil {
		log.ErrorErr(log.CatDB, "Failed to clear sentinel rows", err, "repo", repoID, "issue", num)
	}
	if err := d.store.Issues.ClearFailures(repoID, num); err != nil {
		log.ErrorErr(log.CatDB, "Failed to clear failures", err, "repo", repoID, "issue", num)
	}

	if err := d.ws.CleanupIssue(ctx, repoID, num); err != nil {
		log.Warn(log.CatDaemon, "Failed to clean workspaces",
			"repo", repoID, "issue", num, "error", err)
	}

	if _, err := d.client.AddComment(ctx, repoID, num, resetComment); err != nil {
		log.Warn(log.CatDaemon, "Failed to post reset comment",
			"repo", repoID, "issue", num, "error", err)
	}
	log.Info(log.CatDaemon, "Reset complete", "repo", repoID, "issue", num)
}

// closeLinkedPRs closes open PRs linked to the issue and deletes their
// branches. Merged PRs are left alone.
func (d *Dispatcher) closeLinkedPRs(ctx context.Context, item board.BoardItem) {
	repoID, num := item.RepoID, item.IssueNumber
	prs, err := d.client.LinkedPullRequests(ctx, repoID, num)
	if err != nil {
		if kilnerr.Is(err, kilnerr.KindBackendCapabilityMissing) {
			log.Debug(log.CatDaemon, "Backend cannot enumerate linked PRs, skipping",
				"repo", repoID, "issue", num)
			return
		}
		log.Warn(log.CatDaemon, "Failed to fetch linked PRs",
			"repo", repoID, "issue", num, "error", err)
		return
	}
	for _, pr := range prs {
		if pr.State == "merged" {
			continue
		}
		if pr.State == "open" {
			if err := d.client.ClosePR(ctx, repoID, pr.Number); err != nil {
				log.Warn(log.CatDaemon, "Failed to close PR",
					"repo", repoID, "pr", pr.Number, "error", err)
				continue
			}
			log.Info(log.CatDaemon, "Closed linked PR", "repo", repoID, "pr", pr.Number)
		}
		if pr.Branch == "" {
			continue
		}
		if err := d.client.DeleteBranch(ctx, repoID, pr.Branch); err != nil {
			log.Warn(log.CatDaemon, "Failed to delete branch",
				"repo", repoID, "branch", pr.Branch, "error", err)
		}
	}
}
