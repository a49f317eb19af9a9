package board

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the backend reports a missing resource.
var ErrNotFound = errors.New("not found")

// MetadataCache persists project metadata across restarts. The board
// package keeps its own short-lived in-process cache on top of it.
type MetadataCache interface {
	Get(projectURL string) (*Metadata, bool)
	Put(projectURL string, m *Metadata)
}

// Client is the board backend contract. One implementation exists per
// supported backend version; all are produced by NewClient.
type Client interface {
	// Capabilities reports what this variant supports.
	Capabilities() Capabilities

	// ValidateConnection checks reachability and credentials.
	// Network loss and bad credentials classify differently so the
	// daemon can hibernate on the former and abort on the latter.
	ValidateConnection(ctx context.Context) error

	// BoardItems returns all items on the project board.
	BoardItems(ctx context.Context, projectURL string) ([]BoardItem, error)
	// BoardMetadata returns the project's mutation IDs. Cached.
	BoardMetadata(ctx context.Context, projectURL string) (*Metadata, error)
	// UpdateItemStatus moves an item to the named column.
	UpdateItemStatus(ctx context.Context, projectURL, itemID, column string) error
	// ArchiveItem archives a board item.
	ArchiveItem(ctx context.Context, projectURL, itemID string) error

	// IssueBody returns the issue body text.
	IssueBody(ctx context.Context, repoID string, issueNumber int) (string, error)

	Labels(ctx context.Context, repoID string, issueNumber int) ([]string, error)
	AddLabel(ctx context.Context, repoID string, issueNumber int, label string) error
	RemoveLabel(ctx context.Context, repoID string, issueNumber int, label string) error
	// EnsureLabelExists creates the label on the repository if absent.
	EnsureLabelExists(ctx context.Context, repoID, label, color string) error

	// CommentsSince returns comments created strictly after since,
	// oldest first.
	CommentsSince(ctx context.Context, repoID string, issueNumber int, since time.Time) ([]Comment, error)
	AddComment(ctx context.Context, repoID string, issueNumber int, body string) (*Comment, error)
	// UpdateComment replaces an existing comment's body.
	UpdateComment(ctx context.Context, repoID, commentID, body string) error
	AddReaction(ctx context.Context, repoID, commentID, reaction string) error
	RemoveReaction(ctx context.Context, repoID, commentID, reaction string) error

	// LastStatusActor returns the login that last changed the issue's
	// board status. Capability-gated; variants without
	// SupportsStatusActorCheck return a backend_capability_missing
	// error.
	LastStatusActor(ctx context.Context, repoID string, issueNumber int) (string, error)

	// LinkedPullRequests returns PRs that would close the issue.
	LinkedPullRequests(ctx context.Context, repoID string, issueNumber int) ([]LinkedPullRequest, error)
	PRState(ctx context.Context, repoID string, prNumber int) (string, error)
	ClosePR(ctx context.Context, repoID string, prNumber int) error
	// DeleteBranch deletes a branch; the name is URL-path-encoded so
	// slashes survive.
	DeleteBranch(ctx context.Context, repoID, branch string) error
}
