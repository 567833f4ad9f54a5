// Package codehost is the GitHub side of the pipeline: it parses inbound
// pull-request events, publishes the authoritative status check and sticky
// review comment, and requests the merge once a change is approved. All API
// calls go through the gateway; GitHub's rate-limit headers are translated
// into retry-after hints so the gateway backs off until the limit resets.
package codehost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/gateway"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// Dependency is the gateway dependency name for the code host.
const Dependency = "codehost"

// StatusContext is the commit-status context reviewd publishes under.
const StatusContext = "reviewd/pipeline"

// commentMarker tags the single authoritative pipeline comment so later
// runs update it in place instead of stacking new comments.
const commentMarker = "<!-- reviewd-pipeline-comment -->"

// StatusState mirrors the code-host status-check states.
type StatusState string

const (
	StatusPending StatusState = "pending"
	StatusSuccess StatusState = "success"
	StatusFailure StatusState = "failure"
)

// Client wraps the GitHub API for the operations the engine needs.
type Client struct {
	gh *github.Client
	gw *gateway.Gateway
}

// NewClient creates an authenticated GitHub client.
func NewClient(ctx context.Context, cfg config.CodeHostConfig, gw *gateway.Gateway) (*Client, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("code host token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	gh := github.NewClient(tc)
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid code host base URL: %w", err)
		}
	}
	return &Client{gh: gh, gw: gw}, nil
}

// ParseChangeEvent extracts a change event from a pull_request webhook
// payload. Returns ok=false for actions and payloads the pipeline ignores
// (closed PRs, drafts are surfaced via the event's IsDraft flag).
func ParseChangeEvent(payload []byte) (*workflow.ChangeEvent, bool, error) {
	var event github.PullRequestEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, false, fmt.Errorf("failed to parse pull request event: %w", err)
	}

	switch event.GetAction() {
	case "opened", "synchronize", "reopened", "ready_for_review":
	default:
		return nil, false, nil
	}

	pr := event.GetPullRequest()
	repo := event.GetRepo()
	if pr == nil || repo == nil || pr.GetHead() == nil {
		return nil, false, fmt.Errorf("pull request event missing required fields")
	}

	ce := &workflow.ChangeEvent{
		Repository: repo.GetFullName(),
		ChangeID:   strconv.Itoa(pr.GetNumber()),
		Revision:   pr.GetHead().GetSHA(),
		Author: workflow.AuthorIdentity{
			Username:    pr.GetUser().GetLogin(),
			Email:       pr.GetUser().GetEmail(),
			DisplayName: pr.GetUser().GetName(),
		},
		IsDraft: pr.GetDraft(),
	}
	return ce, true, nil
}

// ChangedPaths lists the files touched by a pull request.
func (c *Client) ChangedPaths(ctx context.Context, repository, changeID string) ([]string, error) {
	owner, name, number, err := splitChange(repository, changeID)
	if err != nil {
		return nil, err
	}

	var paths []string
	err = c.gw.Do(ctx, Dependency, "list_files", func(ctx context.Context) error {
		opts := &github.ListOptions{PerPage: 100}
		paths = paths[:0]
		for {
			files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, name, number, opts)
			if err != nil {
				return classifyGitHub(err, resp)
			}
			for _, f := range files {
				paths = append(paths, f.GetFilename())
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// SetStatus publishes the pipeline's commit status for a revision.
func (c *Client) SetStatus(ctx context.Context, repository, revision string, state StatusState, summary, targetURL string) error {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return err
	}
	status := &github.RepoStatus{
		State:       github.String(string(state)),
		Description: github.String(truncate(summary, 140)),
		Context:     github.String(StatusContext),
	}
	if targetURL != "" {
		status.TargetURL = github.String(targetURL)
	}
	return c.gw.Do(ctx, Dependency, "set_status", func(ctx context.Context) error {
		_, resp, err := c.gh.Repositories.CreateStatus(ctx, owner, name, revision, status)
		return classifyGitHub(err, resp)
	})
}

// UpsertComment posts the single authoritative pipeline comment, updating
// the existing marked comment in place when one exists.
func (c *Client) UpsertComment(ctx context.Context, repository, changeID, body string) error {
	owner, name, number, err := splitChange(repository, changeID)
	if err != nil {
		return err
	}
	marked := commentMarker + "\n" + body

	var existingID int64
	err = c.gw.Do(ctx, Dependency, "find_comment", func(ctx context.Context) error {
		opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
		existingID = 0
		for {
			comments, resp, err := c.gh.Issues.ListComments(ctx, owner, name, number, opts)
			if err != nil {
				return classifyGitHub(err, resp)
			}
			for _, cm := range comments {
				if strings.Contains(cm.GetBody(), commentMarker) {
					existingID = cm.GetID()
					return nil
				}
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	if err != nil {
		return err
	}

	comment := &github.IssueComment{Body: github.String(marked)}
	if existingID != 0 {
		return c.gw.Do(ctx, Dependency, "update_comment", func(ctx context.Context) error {
			_, resp, err := c.gh.Issues.EditComment(ctx, owner, name, existingID, comment)
			return classifyGitHub(err, resp)
		})
	}
	return c.gw.Do(ctx, Dependency, "create_comment", func(ctx context.Context) error {
		_, resp, err := c.gh.Issues.CreateComment(ctx, owner, name, number, comment)
		return classifyGitHub(err, resp)
	})
}

// Merge requests the merge of an approved change.
func (c *Client) Merge(ctx context.Context, repository, changeID, summary string) error {
	owner, name, number, err := splitChange(repository, changeID)
	if err != nil {
		return err
	}
	return c.gw.Do(ctx, Dependency, "merge", func(ctx context.Context) error {
		_, resp, err := c.gh.PullRequests.Merge(ctx, owner, name, number, summary, &github.PullRequestOptions{})
		return classifyGitHub(err, resp)
	})
}

// ChangeURL returns the web URL for a change.
func ChangeURL(repository, changeID string) string {
	return fmt.Sprintf("https://github.com/%s/pull/%s", repository, changeID)
}

// ChangeURL returns the web URL for a change.
func (c *Client) ChangeURL(repository, changeID string) string {
	return ChangeURL(repository, changeID)
}

// classifyGitHub maps a go-github error/response pair onto the gateway's
// error taxonomy. A 403 carrying rate-limit headers is throttling, not a
// permission failure, and gets a retry-after hint from the reset time.
func classifyGitHub(err error, resp *github.Response) error {
	if err == nil {
		return nil
	}
	if resp == nil || resp.Response == nil {
		return gateway.Transient(err)
	}
	code := resp.Response.StatusCode

	if code == http.StatusForbidden && resp.Rate.Limit > 0 {
		return gateway.RateLimited(err, rateLimitBackoff(resp))
	}
	if code == http.StatusTooManyRequests {
		return gateway.RateLimited(err, rateLimitBackoff(resp))
	}
	if ge := gateway.FromStatusCode(code, err); ge != nil {
		return ge
	}
	return gateway.Transient(err)
}

// rateLimitBackoff computes how long to wait for the rate limit window to
// reset, with a small buffer so the reset has actually happened.
func rateLimitBackoff(resp *github.Response) time.Duration {
	if resp.Rate.Limit == 0 && resp.Rate.Remaining == 0 {
		return time.Minute
	}
	backoff := time.Until(resp.Rate.Reset.Time) + time.Second
	if backoff < time.Second {
		backoff = time.Second
	}
	return backoff
}

func splitRepo(repository string) (owner, name string, err error) {
	parts := strings.SplitN(repository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", repository)
	}
	return parts[0], parts[1], nil
}

func splitChange(repository, changeID string) (owner, name string, number int, err error) {
	owner, name, err = splitRepo(repository)
	if err != nil {
		return "", "", 0, err
	}
	number, err = strconv.Atoi(changeID)
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid change id %q: %w", changeID, err)
	}
	return owner, name, number, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
