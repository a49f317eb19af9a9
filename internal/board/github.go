package board

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/golithk/kiln/internal/kilnerr"
	"github.com/golithk/kiln/internal/log"
)

// metadataTTL bounds how long project mutation IDs are trusted before a
// refetch. Option IDs change when someone edits the board's columns.
const metadataTTL = 10 * time.Minute

// Options configures NewClient.
type Options struct {
	// Version selects the variant: "github.com", "3.18", "3.17",
	// "3.15", "3.14".
	Version string
	// BaseURL is the GHES root, e.g. https://ghe.example.com.
	// Ignored for github.com.
	BaseURL string
	Token   string
	// SelfLogin is kiln's own account, needed to find its reactions.
	SelfLogin string
	// Persist, when set, backs the metadata cache across restarts.
	Persist MetadataCache
}

// NewClient builds the backend client for the configured variant.
func NewClient(opts Options) (Client, error) {
	caps, err := capabilitiesFor(opts.Version)
	if err != nil {
		return nil, err
	}
	var graphqlURL, restURL, host string
	if opts.Version == "github.com" {
		graphqlURL = "https://api.github.com/graphql"
		restURL = "https://api.github.com"
		host = "github.com"
	} else {
		if opts.BaseURL == "" {
			return nil, fmt.Errorf("base URL is required for GHES %s", opts.Version)
		}
		base := strings.TrimSuffix(opts.BaseURL, "/")
		u, err := url.Parse(base)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid base URL %q", opts.BaseURL)
		}
		graphqlURL = base + "/api/graphql"
		restURL = base + "/api/v3"
		host = u.Host
	}
	return &apiClient{
		caps:      caps,
		host:      host,
		tp:        newTransport(graphqlURL, restURL, opts.Token),
		selfLogin: opts.SelfLogin,
		metaCache: gocache.New(metadataTTL, metadataTTL),
		persist:   opts.Persist,
	}, nil
}

func capabilitiesFor(version string) (Capabilities, error) {
	switch version {
	case "github.com":
		return Capabilities{Version: version, SupportsSubIssues: true, SupportsLinkedPRsFirstClass: true, SupportsStatusActorCheck: true}, nil
	case "3.18":
		return Capabilities{Version: version, SupportsSubIssues: true, SupportsLinkedPRsFirstClass: true, SupportsStatusActorCheck: true}, nil
	case "3.17":
		return Capabilities{Version: version, SupportsSubIssues: true}, nil
	case "3.15", "3.14":
		return Capabilities{Version: version}, nil
	default:
		return Capabilities{}, fmt.Errorf("unsupported backend version %q", version)
	}
}

// apiClient implements Client for every variant; capability flags steer
// the divergent paths.
type apiClient struct {
	caps      Capabilities
	host      string
	tp        *transport
	selfLogin string
	metaCache *gocache.Cache
	persist   MetadataCache
}

var _ Client = (*apiClient)(nil)

func (c *apiClient) Capabilities() Capabilities { return c.caps }

func (c *apiClient) ValidateConnection(ctx context.Context) error {
	var user struct {
		Login string `json:"login"`
	}
	if err := c.tp.REST(ctx, "GET", "/user", nil, &user); err != nil {
		return fmt.Errorf("validating connection: %w", err)
	}
	log.Debug(log.CatBoard, "Connection validated", "login", user.Login, "version", c.caps.Version)
	return nil
}

// projectURLPattern matches org and user project URLs.
var projectURLPattern = regexp.MustCompile(`^/(orgs|users)/([^/]+)/projects/(\d+)$`)

func parseProjectURL(projectURL string) (ownerType, owner string, number int, err error) {
	u, err := url.Parse(projectURL)
	if err != nil {
		return "", "", 0, fmt.Errorf("parsing project url %q: %w", projectURL, err)
	}
	m := projectURLPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return "", "", 0, fmt.Errorf("unrecognized project url %q", projectURL)
	}
	number, _ = strconv.Atoi(m[3])
	return m[1], m[2], number, nil
}

const boardItemsQuery = `
query($owner: String!, $number: Int!, $after: String) {
  %s(login: $owner) {
    projectV2(number: $number) {
      items(first: 100, after: $after) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          fieldValueByName(name: "Status") {
            ... on ProjectV2ItemFieldSingleSelectValue { name }
          }
          content {
            ... on Issue {
              number title url closed updatedAt
              repository { nameWithOwner }
            }
          }
        }
      }
    }
  }
}`

func (c *apiClient) BoardItems(ctx context.Context, projectURL string) ([]BoardItem, error) {
	ownerType, owner, number, err := parseProjectURL(projectURL)
	if err != nil {
		return nil, err
	}
	ownerField := "organization"
	if ownerType == "users" {
		ownerField = "user"
	}
	query := fmt.Sprintf(boardItemsQuery, ownerField)

	var items []BoardItem
	var after any
	prevCursor := ""
	for {
		vars := map[string]any{"owner": owner, "number": number}
		if after != nil {
			vars["after"] = after
		}
		var page map[string]itemsOwner
		if err := c.tp.GraphQL(ctx, query, vars, &page); err != nil {
			return nil, fmt.Errorf("fetching board items: %w", err)
		}
		conn := page[ownerField].ProjectV2.Items
		for _, node := range conn.Nodes {
			if node.Content == nil || node.Content.Repository.NameWithOwner == "" {
				continue // draft items and non-issues
			}
			status := ColumnBacklog
			if node.FieldValueByName != nil && node.FieldValueByName.Name != "" {
				status = node.FieldValueByName.Name
			}
			updated, err := ParseTimestamp(node.Content.UpdatedAt)
			if err != nil {
				return nil, err
			}
			items = append(items, BoardItem{
				ItemID:      node.ID,
				RepoID:      c.host + "/" + node.Content.Repository.NameWithOwner,
				IssueNumber: node.Content.Number,
				Title:       node.Content.Title,
				Status:      status,
				URL:         node.Content.URL,
				Closed:      node.Content.Closed,
				UpdatedAt:   updated,
			})
		}
		if !conn.PageInfo.HasNextPage {
			break
		}
		// A non-advancing cursor means the backend is looping; stop
		// with what we have rather than spin.
		if conn.PageInfo.EndCursor == prevCursor {
			log.Warn(log.CatBoard, "Cursor did not advance, stopping pagination",
				"project", projectURL, "cursor", prevCursor)
			break
		}
		prevCursor = conn.PageInfo.EndCursor
		after = conn.PageInfo.EndCursor
	}
	return items, nil
}

type itemsOwner struct {
	ProjectV2 struct {
		Items struct {
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Nodes []struct {
				ID               string `json:"id"`
				FieldValueByName *struct {
					Name string `json:"name"`
				} `json:"fieldValueByName"`
				Content *struct {
					Number     int    `json:"number"`
					Title      string `json:"title"`
					URL        string `json:"url"`
					Closed     bool   `json:"closed"`
					UpdatedAt  string `json:"updatedAt"`
					Repository struct {
						NameWithOwner string `json:"nameWithOwner"`
					} `json:"repository"`
				} `json:"content"`
			} `json:"nodes"`
		} `json:"items"`
	} `json:"projectV2"`
}

const boardMetadataQuery = `
query($owner: String!, $number: Int!) {
  %s(login: $owner) {
    projectV2(number: $number) {
      id
      field(name: "Status") {
        ... on ProjectV2SingleSelectField {
          id
          options { id name }
        }
      }
    }
  }
}`

type metadataOwner struct {
	ProjectV2 struct {
		ID    string `json:"id"`
		Field struct {
			ID      string `json:"id"`
			Options []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"options"`
		} `json:"field"`
	} `json:"projectV2"`
}

func (c *apiClient) BoardMetadata(ctx context.Context, projectURL string) (*Metadata, error) {
	if cached, ok := c.metaCache.Get(projectURL); ok {
		return cached.(*Metadata), nil
	}

	ownerType, owner, number, err := parseProjectURL(projectURL)
	if err != nil {
		return nil, err
	}
	ownerField := "organization"
	if ownerType == "users" {
		ownerField = "user"
	}
	var page map[string]metadataOwner
	if err := c.tp.GraphQL(ctx, fmt.Sprintf(boardMetadataQuery, ownerField),
		map[string]any{"owner": owner, "number": number}, &page); err != nil {
		// Fall back to the persisted copy when the fetch fails, so a
		// cold daemon can keep working through a flaky backend.
		if c.persist != nil {
			if meta, ok := c.persist.Get(projectURL); ok {
				log.Warn(log.CatBoard, "Using persisted board metadata after fetch failure",
					"project", projectURL, "error", err)
				return meta, nil
			}
		}
		return nil, fmt.Errorf("fetching board metadata: %w", err)
	}

	proj := page[ownerField].ProjectV2
	if proj.ID == "" {
		return nil, fmt.Errorf("project not found: %s", projectURL)
	}
	meta := &Metadata{
		ProjectID:     proj.ID,
		StatusFieldID: proj.Field.ID,
		StatusOptions: make(map[string]string, len(proj.Field.Options)),
	}
	for _, o := range proj.Field.Options {
		meta.StatusOptions[o.Name] = o.ID
	}
	c.metaCache.Set(projectURL, meta, gocache.DefaultExpiration)
	if c.persist != nil {
		c.persist.Put(projectURL, meta)
	}
	return meta, nil
}

const updateStatusMutation = `
mutation($project: ID!, $item: ID!, $field: ID!, $option: String!) {
  updateProjectV2ItemFieldValue(input: {
    projectId: $project, itemId: $item, fieldId: $field,
    value: { singleSelectOptionId: $option }
  }) { projectV2Item { id } }
}`

func (c *apiClient) UpdateItemStatus(ctx context.Context, projectURL, itemID, column string) error {
	meta, err := c.BoardMetadata(ctx, projectURL)
	if err != nil {
		return err
	}
	option, ok := meta.StatusOptions[column]
	if !ok {
		return fmt.Errorf("project %s has no %q column", projectURL, column)
	}
	err = c.tp.GraphQL(ctx, updateStatusMutation, map[string]any{
		"project": meta.ProjectID, "item": itemID,
		"field": meta.StatusFieldID, "option": option,
	}, nil)
	if err != nil {
		return fmt.Errorf("moving item to %s: %w", column, err)
	}
	log.Debug(log.CatBoard, "Item status updated", "item", itemID, "column", column)
	return nil
}

const archiveItemMutation = `
mutation($project: ID!, $item: ID!) {
  archiveProjectV2Item(input: { projectId: $project, itemId: $item }) {
    item { id }
  }
}`

func (c *apiClient) ArchiveItem(ctx context.Context, projectURL, itemID string) error {
	meta, err := c.BoardMetadata(ctx, projectURL)
	if err != nil {
		return err
	}
	err = c.tp.GraphQL(ctx, archiveItemMutation, map[string]any{
		"project": meta.ProjectID, "item": itemID,
	}, nil)
	if err != nil {
		return fmt.Errorf("archiving item %s: %w", itemID, err)
	}
	return nil
}

func (c *apiClient) repoPath(repoID string) (string, error) {
	_, owner, name, err := SplitRepoID(repoID)
	if err != nil {
		return "", err
	}
	return "/repos/" + owner + "/" + name, nil
}

func (c *apiClient) IssueBody(ctx context.Context, repoID string, issueNumber int) (string, error) {
	base, err := c.repoPath(repoID)
	if err != nil {
		return "", err
	}
	var issue struct {
		Body string `json:"body"`
	}
	if err := c.tp.REST(ctx, "GET", fmt.Sprintf("%s/issues/%d", base, issueNumber), nil, &issue); err != nil {
		return "", fmt.Errorf("fetching issue body: %w", err)
	}
	return issue.Body, nil
}

func (c *apiClient) Labels(ctx context.Context, repoID string, issueNumber int) ([]string, error) {
	base, err := c.repoPath(repoID)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Name string `json:"name"`
	}
	if err := c.tp.REST(ctx, "GET", fmt.Sprintf("%s/issues/%d/labels?per_page=100", base, issueNumber), nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching labels: %w", err)
	}
	labels := make([]string, 0, len(raw))
	for _, l := range raw {
		labels = append(labels, l.Name)
	}
	return labels, nil
}

func (c *apiClient) AddLabel(ctx context.Context, repoID string, issueNumber int, label string) error {
	base, err := c.repoPath(repoID)
	if err != nil {
		return err
	}
	payload := map[string][]string{"labels": {label}}
	if err := c.tp.REST(ctx, "POST", fmt.Sprintf("%s/issues/%d/labels", base, issueNumber), payload, nil); err != nil {
		return fmt.Errorf("adding label %s: %w", label, err)
	}
	return nil
}

func (c *apiClient) RemoveLabel(ctx context.Context, repoID string, issueNumber int, label string) error {
	base, err := c.repoPath(repoID)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/issues/%d/labels/%s", base, issueNumber, url.PathEscape(label))
	err = c.tp.REST(ctx, "DELETE", path, nil, nil)
	if err != nil && !errorsIsNotFound(err) {
		return fmt.Errorf("removing label %s: %w", label, err)
	}
	return nil
}

func (c *apiClient) EnsureLabelExists(ctx context.Context, repoID, label, color string) error {
	base, err := c.repoPath(repoID)
	if err != nil {
		return err
	}
	err = c.tp.REST(ctx, "GET", base+"/labels/"+url.PathEscape(label), nil, nil)
	if err == nil {
		return nil
	}
	if !errorsIsNotFound(err) {
		return fmt.Errorf("checking label %s: %w", label, err)
	}
	payload := map[string]string{"name": label, "color": color}
	if err := c.tp.REST(ctx, "POST", base+"/labels", payload, nil); err != nil {
		return fmt.Errorf("creating label %s: %w", label, err)
	}
	log.Info(log.CatBoard, "Created label", "repo", repoID, "label", label)
	return nil
}

// commentsPerPage is the REST page size for comment enumeration.
const commentsPerPage = 100

type restComment struct {
	ID   int64 `json:"id"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
	HTMLURL   string `json:"html_url"`
	Reactions struct {
		ThumbsUp int `json:"+1"`
		Eyes     int `json:"eyes"`
	} `json:"reactions"`
}

func (rc restComment) toComment() (Comment, error) {
	created, err := ParseTimestamp(rc.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	return Comment{
		ID:        strconv.FormatInt(rc.ID, 10),
		Author:    rc.User.Login,
		Body:      rc.Body,
		CreatedAt: created,
		URL:       rc.HTMLURL,
		ThumbsUp:  rc.Reactions.ThumbsUp > 0,
		Eyes:      rc.Reactions.Eyes > 0,
	}, nil
}

func (c *apiClient) CommentsSince(ctx context.Context, repoID string, issueNumber int, since time.Time) ([]Comment, error) {
	base, err := c.repoPath(repoID)
	if err != nil {
		return nil, err
	}
	var comments []Comment
	for page := 1; ; page++ {
		path := fmt.Sprintf("%s/issues/%d/comments?per_page=%d&page=%d",
			base, issueNumber, commentsPerPage, page)
		if !since.IsZero() {
			path += "&since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
		}
		var raw []restComment
		if err := c.tp.REST(ctx, "GET", path, nil, &raw); err != nil {
			return nil, fmt.Errorf("fetching comments: %w", err)
		}
		for _, rc := range raw {
			cm, err := rc.toComment()
			if err != nil {
				return nil, err
			}
			// The since parameter is inclusive of updates; filter to
			// strictly-after creation so the watermark comment itself
			// never reappears.
			if !since.IsZero() && !cm.CreatedAt.After(since) {
				continue
			}
			comments = append(comments, cm)
		}
		if len(raw) < commentsPerPage {
			return comments, nil
		}
	}
}

func (c *apiClient) AddComment(ctx context.Context, repoID string, issueNumber int, body string) (*Comment, error) {
	base, err := c.repoPath(repoID)
	if err != nil {
		return nil, err
	}
	var raw restComment
	payload := map[string]string{"body": body}
	if err := c.tp.REST(ctx, "POST", fmt.Sprintf("%s/issues/%d/comments", base, issueNumber), payload, &raw); err != nil {
		return nil, fmt.Errorf("adding comment: %w", err)
	}
	cm, err := raw.toComment()
	if err != nil {
		return nil, err
	}
	return &cm, nil
}

func (c *apiClient) UpdateComment(ctx context.Context, repoID, commentID, body string) error {
	base, err := c.repoPath(repoID)
	if err != nil {
		return err
	}
	payload := map[string]string{"body": body}
	path := fmt.Sprintf("%s/issues/comments/%s", base, commentID)
	if err := c.tp.REST(ctx, "PATCH", path, payload, nil); err != nil {
		return fmt.Errorf("updating comment %s: %w", commentID, err)
	}
	return nil
}

func (c *apiClient) AddReaction(ctx context.Context, repoID, commentID, reaction string) error {
	base, err := c.repoPath(repoID)
	if err != nil {
		return err
	}
	payload := map[string]string{"content": reaction}
	path := fmt.Sprintf("%s/issues/comments/%s/reactions", base, commentID)
	if err := c.tp.REST(ctx, "POST", path, payload, nil); err != nil {
		return fmt.Errorf("adding %s reaction: %w", reaction, err)
	}
	return nil
}

func (c *apiClient) RemoveReaction(ctx context.Context, repoID, commentID, reaction string) error {
	base, err := c.repoPath(repoID)
	if err != nil {
		return err
	}
	var raw []struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	listPath := fmt.Sprintf("%s/issues/comments/%s/reactions?per_page=100", base, commentID)
	if err := c.tp.REST(ctx, "GET", listPath, nil, &raw); err != nil {
		return fmt.Errorf("listing reactions: %w", err)
	}
	for _, r := range raw {
		if r.Content != reaction || !strings.EqualFold(r.User.Login, c.selfLogin) {
			continue
		}
		path := fmt.Sprintf("%s/issues/comments/%s/reactions/%d", base, commentID, r.ID)
		if err := c.tp.REST(ctx, "DELETE", path, nil, nil); err != nil && !errorsIsNotFound(err) {
			return fmt.Errorf("removing %s reaction: %w", reaction, err)
		}
	}
	return nil
}

func (c *apiClient) LastStatusActor(ctx context.Context, repoID string, issueNumber int) (string, error) {
	if !c.caps.SupportsStatusActorCheck {
		return "", kilnerr.Newf(kilnerr.KindBackendCapabilityMissing,
			"backend %s cannot report status actors", c.caps.Version)
	}
	events, err := c.timelineEvents(ctx, repoID, issueNumber)
	if err != nil {
		return "", err
	}
	actor := ""
	for _, ev := range events {
		if ev.Event == "project_v2_item_status_changed" && ev.Actor.Login != "" {
			actor = ev.Actor.Login
		}
	}
	return actor, nil
}

func (c *apiClient) PRState(ctx context.Context, repoID string, prNumber int) (string, error) {
	base, err := c.repoPath(repoID)
	if err != nil {
		return "", err
	}
	var pr struct {
		State    string  `json:"state"`
		MergedAt *string `json:"merged_at"`
	}
	if err := c.tp.REST(ctx, "GET", fmt.Sprintf("%s/pulls/%d", base, prNumber), nil, &pr); err != nil {
		return "", fmt.Errorf("fetching PR state: %w", err)
	}
	if pr.MergedAt != nil {
		return "merged", nil
	}
	return pr.State, nil
}

func (c *apiClient) ClosePR(ctx context.Context, repoID string, prNumber int) error {
	base, err := c.repoPath(repoID)
	if err != nil {
		return err
	}
	payload := map[string]string{"state": "closed"}
	if err := c.tp.REST(ctx, "PATCH", fmt.Sprintf("%s/pulls/%d", base, prNumber), payload, nil); err != nil {
		return fmt.Errorf("closing PR #%d: %w", prNumber, err)
	}
	return nil
}

func (c *apiClient) DeleteBranch(ctx context.Context, repoID, branch string) error {
	base, err := c.repoPath(repoID)
	if err != nil {
		return err
	}
	// Branch names contain slashes; escape each segment so the ref
	// path stays intact.
	path := base + "/git/refs/heads/" + EscapeBranch(branch)
	err = c.tp.REST(ctx, "DELETE", path, nil, nil)
	if err != nil && !errorsIsNotFound(err) {
		return fmt.Errorf("deleting branch %s: %w", branch, err)
	}
	return nil
}

// EscapeBranch URL-encodes a branch name for a ref path, escaping each
// slash-separated segment while keeping the separators.
func EscapeBranch(branch string) string {
	segments := strings.Split(branch, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
