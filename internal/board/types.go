// Package board talks to GitHub project boards, on github.com and on
// GitHub Enterprise Server. Variants differ in capability: older GHES
// releases lack first-class linked-PR queries and status-actor lookups,
// and those gaps are expressed through the Capabilities flags rather
// than version checks scattered through callers.
package board

import (
	"fmt"
	"strings"
	"time"
)

// Board columns kiln understands. Anything else normalizes to Backlog.
const (
	ColumnBacklog   = "Backlog"
	ColumnResearch  = "Research"
	ColumnPlan      = "Plan"
	ColumnImplement = "Implement"
	ColumnValidate  = "Validate"
	ColumnDone      = "Done"
)

// Reactions used as soft processing markers on comments.
const (
	ReactionEyes     = "eyes"
	ReactionThumbsUp = "+1"
)

// Capabilities describes what a backend variant can do.
type Capabilities struct {
	// Version is the variant identifier ("github.com", "3.18", ...).
	Version string
	// SupportsSubIssues reports sub-issue hierarchy queries.
	SupportsSubIssues bool
	// SupportsLinkedPRsFirstClass reports the
	// closedByPullRequestsReferences GraphQL connection. Variants
	// without it fall back to a timeline scan.
	SupportsLinkedPRsFirstClass bool
	// SupportsStatusActorCheck reports project-item activity queries
	// that expose who moved an item.
	SupportsStatusActorCheck bool
}

// BoardItem is one card on a project board.
type BoardItem struct {
	// ItemID is the project item node ID, used for status moves and
	// archiving.
	ItemID string
	// RepoID is host-qualified: github.com/acme/widgets.
	RepoID      string
	IssueNumber int
	Title       string
	// Status is the board column name.
	Status    string
	URL       string
	Closed    bool
	UpdatedAt time.Time
}

// Comment is an issue comment.
type Comment struct {
	// ID is the comment's REST identifier, stable across fetches.
	ID        string
	Author    string
	Body      string
	CreatedAt time.Time
	URL       string
	// ThumbsUp and Eyes report the backend's reaction rollup. A
	// THUMBS_UP marks the comment as already applied, EYES as in-flight
	// from an interrupted revision.
	ThumbsUp bool
	Eyes     bool
}

// LinkedPullRequest is a PR that references (and would close) an issue.
type LinkedPullRequest struct {
	Number int
	State  string // open, closed, merged
	Branch string
	URL    string
}

// Metadata holds the project node IDs needed for mutations.
type Metadata struct {
	ProjectID     string
	StatusFieldID string
	// StatusOptions maps column name to option ID.
	StatusOptions map[string]string
}

// SplitRepoID splits a host-qualified repo ID into host, owner and name.
func SplitRepoID(repoID string) (host, owner, name string, err error) {
	parts := strings.SplitN(repoID, "/", 3)
	if len(parts) != 3 || !strings.Contains(parts[0], ".") {
		return "", "", "", fmt.Errorf("repo id %q is not host-qualified", repoID)
	}
	return parts[0], parts[1], parts[2], nil
}

// NormalizeTimestamp rewrites a +00:00 (or -00:00) UTC offset suffix to
// the canonical Z form. Non-UTC offsets are left alone.
func NormalizeTimestamp(s string) string {
	if strings.HasSuffix(s, "+00:00") || strings.HasSuffix(s, "-00:00") {
		return s[:len(s)-6] + "Z"
	}
	return s
}

// ParseTimestamp parses a board API timestamp, tolerating both the Z
// and +00:00 forms, and returns UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, NormalizeTimestamp(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing board timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
