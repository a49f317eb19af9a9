// Package workspace provisions isolated git worktrees for agent runs.
// Each run gets a fresh branch off the repository's default branch, in a
// directory of its own, so concurrent runs never trip over each other.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// GitExecutor defines the git operations the provisioner needs.
// This abstraction allows for easy testing with mock implementations.
type GitExecutor interface {
	// CloneMirror creates a bare mirror of remoteURL at mirrorPath.
	CloneMirror(ctx context.Context, remoteURL, mirrorPath string) error
	// FetchMirror updates an existing mirror.
	FetchMirror(ctx context.Context, mirrorPath string) error
	// DefaultBranch returns the mirror's HEAD branch name.
	DefaultBranch(ctx context.Context, mirrorPath string) (string, error)
	// AddWorktree creates a worktree at path on a new branch from baseRef.
	AddWorktree(ctx context.Context, mirrorPath, path, branch, baseRef string) error
	// RemoveWorktree removes a worktree and its branch.
	RemoveWorktree(ctx context.Context, mirrorPath, path, branch string) error
	// PruneWorktrees drops stale worktree references.
	PruneWorktrees(ctx context.Context, mirrorPath string) error
}

// commandTimeout bounds any single git invocation. Clones of large
// repositories dominate; everything else finishes in seconds.
const commandTimeout = 5 * time.Minute

// cliExecutor is the production GitExecutor, shelling out to git.
type cliExecutor struct{}

// NewGitExecutor returns the git CLI-backed executor.
func NewGitExecutor() GitExecutor {
	return &cliExecutor{}
}

var _ GitExecutor = (*cliExecutor)(nil)

func (e *cliExecutor) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err,
			strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *cliExecutor) CloneMirror(ctx context.Context, remoteURL, mirrorPath string) error {
	_, err := e.run(ctx, "", "clone", "--mirror", remoteURL, mirrorPath)
	return err
}

func (e *cliExecutor) FetchMirror(ctx context.Context, mirrorPath string) error {
	_, err := e.run(ctx, mirrorPath, "fetch", "--prune", "origin")
	return err
}

func (e *cliExecutor) DefaultBranch(ctx context.Context, mirrorPath string) (string, error) {
	out, err := e.run(ctx, mirrorPath, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("mirror %s has no HEAD branch", mirrorPath)
	}
	return out, nil
}

func (e *cliExecutor) AddWorktree(ctx context.Context, mirrorPath, path, branch, baseRef string) error {
	_, err := e.run(ctx, mirrorPath, "worktree", "add", "-b", branch, path, baseRef)
	return err
}

func (e *cliExecutor) RemoveWorktree(ctx context.Context, mirrorPath, path, branch string) error {
	if _, err := e.run(ctx, mirrorPath, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	// Branch deletion is best-effort; the worktree is already gone.
	_, _ = e.run(ctx, mirrorPath, "branch", "-D", branch)
	return nil
}

func (e *cliExecutor) PruneWorktrees(ctx context.Context, mirrorPath string) error {
	_, err := e.run(ctx, mirrorPath, "worktree", "prune")
	return err
}
