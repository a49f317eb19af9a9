package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/golithk/kiln/internal/board"
	"github.com/golithk/kiln/internal/log"
)

// Workspace is a provisioned worktree for one agent run.
type Workspace struct {
	// Path is the worktree directory the agent runs in.
	Path string
	// Branch is the run's branch, pushed by the agent when it opens a PR.
	Branch string
	// MirrorPath is the bare mirror the worktree hangs off.
	MirrorPath string
}

// Provisioner creates and removes run workspaces under a root directory.
//
// Layout: <root>/<host>/<owner>/<repo>.git for mirrors, and
// <root>/<host>/<owner>/<repo>/issue-<n>-<stage>-<id> for worktrees.
type Provisioner struct {
	root string
	git  GitExecutor
	// credentialsFile, when set, is copied into each workspace so the
	// agent's tooling can authenticate.
	credentialsFile string
}

// NewProvisioner builds a Provisioner rooted at root.
func NewProvisioner(root, credentialsFile string, git GitExecutor) *Provisioner {
	return &Provisioner{root: root, git: git, credentialsFile: credentialsFile}
}

func (p *Provisioner) mirrorPath(repoID string) string {
	return filepath.Join(p.root, filepath.FromSlash(repoID)+".git")
}

func (p *Provisioner) worktreeDir(repoID string) string {
	return filepath.Join(p.root, filepath.FromSlash(repoID))
}

// Provision fetches (cloning on first use) the repo mirror and creates
// a worktree on a fresh branch for the given issue and stage.
func (p *Provisioner) Provision(ctx context.Context, repoID string, issueNumber int, stage string) (*Workspace, error) {
	host, owner, name, err := board.SplitRepoID(repoID)
	if err != nil {
		return nil, err
	}
	mirror := p.mirrorPath(repoID)
	if _, err := os.Stat(mirror); os.IsNotExist(err) {
		remote := fmt.Sprintf("https://%s/%s/%s.git", host, owner, name)
		if err := os.MkdirAll(filepath.Dir(mirror), 0755); err != nil {
			return nil, fmt.Errorf("creating mirror directory: %w", err)
		}
		log.Info(log.CatWS, "Cloning mirror", "repo", repoID)
		if err := p.git.CloneMirror(ctx, remote, mirror); err != nil {
			return nil, fmt.Errorf("cloning %s: %w", repoID, err)
		}
	} else if err := p.git.FetchMirror(ctx, mirror); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", repoID, err)
	}

	// Stale references accumulate when runs are killed mid-flight.
	_ = p.git.PruneWorktrees(ctx, mirror)

	base, err := p.git.DefaultBranch(ctx, mirror)
	if err != nil {
		return nil, err
	}

	shortID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	branch := fmt.Sprintf("kiln/issue-%d-%s-%s", issueNumber, stage, shortID)
	path := filepath.Join(p.worktreeDir(repoID), fmt.Sprintf("issue-%d-%s-%s", issueNumber, stage, shortID))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating worktree directory: %w", err)
	}
	if err := p.git.AddWorktree(ctx, mirror, path, branch, base); err != nil {
		return nil, fmt.Errorf("creating worktree for %s#%d: %w", repoID, issueNumber, err)
	}

	if err := p.copyCredentials(path); err != nil {
		_ = p.git.RemoveWorktree(ctx, mirror, path, branch)
		return nil, err
	}

	log.Debug(log.CatWS, "Workspace provisioned",
		"repo", repoID, "issue", issueNumber, "stage", stage, "path", path, "branch", branch)
	return &Workspace{Path: path, Branch: branch, MirrorPath: mirror}, nil
}

// Remove deletes a single workspace.
func (p *Provisioner) Remove(ctx context.Context, ws *Workspace) error {
	if err := p.git.RemoveWorktree(ctx, ws.MirrorPath, ws.Path, ws.Branch); err != nil {
		return fmt.Errorf("removing workspace %s: %w", ws.Path, err)
	}
	return nil
}

// CleanupIssue removes every workspace belonging to an issue, used by
// the reset handler.
func (p *Provisioner) CleanupIssue(ctx context.Context, repoID string, issueNumber int) error {
	dir := p.worktreeDir(repoID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing workspaces for %s: %w", repoID, err)
	}
	prefix := fmt.Sprintf("issue-%d-", issueNumber)
	mirror := p.mirrorPath(repoID)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		branch := "kiln/" + e.Name()
		if err := p.git.RemoveWorktree(ctx, mirror, path, branch); err != nil {
			log.Warn(log.CatWS, "Failed to remove worktree, deleting directory",
				"path", path, "error", err)
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("removing workspace %s: %w", path, err)
			}
		}
	}
	_ = p.git.PruneWorktrees(ctx, mirror)
	log.Info(log.CatWS, "Workspaces cleaned", "repo", repoID, "issue", issueNumber)
	return nil
}

// copyCredentials places the configured credentials file into the
// workspace under .kiln/credentials.yaml.
func (p *Provisioner) copyCredentials(wsPath string) error {
	if p.credentialsFile == "" {
		return nil
	}
	data, err := os.ReadFile(p.credentialsFile)
	if err != nil {
		return fmt.Errorf("reading credentials file: %w", err)
	}
	dir := filepath.Join(wsPath, ".kiln")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "credentials.yaml"), data, 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}
