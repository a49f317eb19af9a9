package board

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

const linkedPRsQuery = `
query($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    issue(number: $number) {
      closedByPullRequestsReferences(first: 20, includeClosedPrs: true) {
        nodes {
          number
          state
          headRefName
          url
          merged
        }
      }
    }
  }
}`

type linkedPRsData struct {
	Repository struct {
		Issue struct {
			ClosedByPullRequestsReferences struct {
				Nodes []struct {
					Number      int    `json:"number"`
					State       string `json:"state"`
					HeadRefName string `json:"headRefName"`
					URL         string `json:"url"`
					Merged      bool   `json:"merged"`
				} `json:"nodes"`
			} `json:"closedByPullRequestsReferences"`
		} `json:"issue"`
	} `json:"repository"`
}

// LinkedPullRequests returns PRs that would close the issue. Variants
// with the first-class connection use it directly; older GHES releases
// scan the issue timeline for cross-referenced PRs whose body carries a
// closing keyword.
func (c *apiClient) LinkedPullRequests(ctx context.Context, repoID string, issueNumber int) ([]LinkedPullRequest, error) {
	if c.caps.SupportsLinkedPRsFirstClass {
		return c.linkedPRsFirstClass(ctx, repoID, issueNumber)
	}
	return c.linkedPRsFromTimeline(ctx, repoID, issueNumber)
}

func (c *apiClient) linkedPRsFirstClass(ctx context.Context, repoID string, issueNumber int) ([]LinkedPullRequest, error) {
	_, owner, name, err := SplitRepoID(repoID)
	if err != nil {
		return nil, err
	}
	var data linkedPRsData
	err = c.tp.GraphQL(ctx, linkedPRsQuery, map[string]any{
		"owner": owner, "name": name, "number": issueNumber,
	}, &data)
	if err != nil {
		return nil, fmt.Errorf("fetching linked PRs: %w", err)
	}
	var prs []LinkedPullRequest
	for _, n := range data.Repository.Issue.ClosedByPullRequestsReferences.Nodes {
		state := "open"
		switch {
		case n.Merged:
			state = "merged"
		case n.State == "CLOSED":
			state = "closed"
		}
		prs = append(prs, LinkedPullRequest{
			Number: n.Number,
			State:  state,
			Branch: n.HeadRefName,
			URL:    n.URL,
		})
	}
	return prs, nil
}

type timelineEvent struct {
	Event string `json:"event"`
	Actor struct {
		Login string `json:"login"`
	} `json:"actor"`
	Source struct {
		Issue struct {
			Number      int `json:"number"`
			PullRequest *struct {
				HTMLURL string `json:"html_url"`
			} `json:"pull_request"`
		} `json:"issue"`
	} `json:"source"`
}

func (c *apiClient) timelineEvents(ctx context.Context, repoID string, issueNumber int) ([]timelineEvent, error) {
	base, err := c.repoPath(repoID)
	if err != nil {
		return nil, err
	}
	var events []timelineEvent
	path := fmt.Sprintf("%s/issues/%d/timeline?per_page=100", base, issueNumber)
	if err := c.tp.REST(ctx, "GET", path, nil, &events); err != nil {
		return nil, fmt.Errorf("fetching issue timeline: %w", err)
	}
	return events, nil
}

// closingKeywordPattern matches GitHub's closing keywords followed by an
// issue reference, e.g. "Fixes #42" or "closes acme/widgets#42".
var closingKeywordPattern = regexp.MustCompile(
	`(?i)\b(close[sd]?|fix(e[sd])?|resolve[sd]?)\b[:\s]+(?:[\w.-]+/[\w.-]+)?#(\d+)`)

// bodyClosesIssue reports whether a PR body references issueNumber with
// a closing keyword.
func bodyClosesIssue(body string, issueNumber int) bool {
	for _, m := range closingKeywordPattern.FindAllStringSubmatch(body, -1) {
		if n, err := strconv.Atoi(m[len(m)-1]); err == nil && n == issueNumber {
			return true
		}
	}
	return false
}

func (c *apiClient) linkedPRsFromTimeline(ctx context.Context, repoID string, issueNumber int) ([]LinkedPullRequest, error) {
	events, err := c.timelineEvents(ctx, repoID, issueNumber)
	if err != nil {
		return nil, err
	}
	base, err := c.repoPath(repoID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool)
	var prs []LinkedPullRequest
	for _, ev := range events {
		if ev.Event != "cross-referenced" || ev.Source.Issue.PullRequest == nil {
			continue
		}
		prNumber := ev.Source.Issue.Number
		if prNumber == 0 || seen[prNumber] {
			continue
		}
		seen[prNumber] = true

		var pr struct {
			Number int    `json:"number"`
			State  string `json:"state"`
			Body   string `json:"body"`
			Head   struct {
				Ref string `json:"ref"`
			} `json:"head"`
			HTMLURL  string  `json:"html_url"`
			MergedAt *string `json:"merged_at"`
		}
		if err := c.tp.REST(ctx, "GET", fmt.Sprintf("%s/pulls/%d", base, prNumber), nil, &pr); err != nil {
			if errorsIsNotFound(err) {
				continue // cross-reference from another repo
			}
			return nil, fmt.Errorf("fetching PR #%d: %w", prNumber, err)
		}
		if !bodyClosesIssue(pr.Body, issueNumber) {
			continue
		}
		state := pr.State
		if pr.MergedAt != nil {
			state = "merged"
		}
		prs = append(prs, LinkedPullRequest{
			Number: pr.Number,
			State:  state,
			Branch: pr.Head.Ref,
			URL:    pr.HTMLURL,
		})
	}
	return prs, nil
}
