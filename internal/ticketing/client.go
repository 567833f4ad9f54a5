// Package ticketing is the REST client for the issue tracker. It covers the
// four operations the pipeline needs (create, link, comment, account search)
// plus a label search used as the idempotency backstop. Every call goes
// through the gateway; create is non-idempotent and must be preceded by the
// ticket subsystem's duplicate check.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/gateway"
)

// Dependency is the gateway dependency name for the issue tracker.
const Dependency = "ticketing"

const maxResponseBytes = 4 * 1024 * 1024

// CreateRequest describes a ticket to create.
type CreateRequest struct {
	Project   string
	IssueType string
	Summary   string
	Body      string
	Assignee  string
	Labels    []string
}

// Issue is a minimal tracker issue view returned by searches.
type Issue struct {
	Key     string    `json:"key"`
	Created time.Time `json:"created"`
}

// Client talks to the issue tracker's REST API.
type Client struct {
	baseURL string
	token   config.Secret
	gw      *gateway.Gateway
	http    *http.Client
}

// NewClient creates a tracker client.
func NewClient(cfg config.TicketingConfig, gw *gateway.Gateway) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		gw:      gw,
		http:    &http.Client{},
	}
}

// Create files a new ticket and returns its key.
func (c *Client) Create(ctx context.Context, req CreateRequest) (string, error) {
	payload := map[string]any{
		"fields": map[string]any{
			"project":     map[string]string{"key": req.Project},
			"issuetype":   map[string]string{"name": req.IssueType},
			"summary":     req.Summary,
			"description": req.Body,
			"labels":      req.Labels,
		},
	}
	if req.Assignee != "" {
		payload["fields"].(map[string]any)["assignee"] = map[string]string{"accountId": req.Assignee}
	}

	var created struct {
		Key string `json:"key"`
	}
	err := c.gw.Do(ctx, Dependency, "create", func(ctx context.Context) error {
		return c.post(ctx, "/rest/api/2/issue", payload, &created)
	})
	if err != nil {
		return "", err
	}
	if created.Key == "" {
		return "", fmt.Errorf("tracker returned empty issue key")
	}
	return created.Key, nil
}

// Link attaches an external reference (e.g. the originating change URL) to a
// ticket. Idempotent on the tracker side; safe to retry freely.
func (c *Client) Link(ctx context.Context, key, title, externalURL string) error {
	payload := map[string]any{
		"object": map[string]string{
			"url":   externalURL,
			"title": title,
		},
	}
	return c.gw.Do(ctx, Dependency, "link", func(ctx context.Context) error {
		return c.post(ctx, "/rest/api/2/issue/"+url.PathEscape(key)+"/remotelink", payload, nil)
	})
}

// Comment adds a comment to a ticket. Safe to retry freely.
func (c *Client) Comment(ctx context.Context, key, body string) error {
	payload := map[string]string{"body": body}
	return c.gw.Do(ctx, Dependency, "comment", func(ctx context.Context) error {
		return c.post(ctx, "/rest/api/2/issue/"+url.PathEscape(key)+"/comment", payload, nil)
	})
}

// SearchAccount looks up a tracker account by identifier (email or
// username). Returns ("", nil) when no account matches. Implements the
// identity resolver's AccountDirectory.
func (c *Client) SearchAccount(ctx context.Context, identifier string) (string, error) {
	var accounts []struct {
		AccountID string `json:"accountId"`
	}
	err := c.gw.Do(ctx, Dependency, "search_account", func(ctx context.Context) error {
		return c.get(ctx, "/rest/api/2/user/search?query="+url.QueryEscape(identifier), &accounts)
	})
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", nil
	}
	return accounts[0].AccountID, nil
}

// SearchByLabel returns issues carrying the given label, oldest first. The
// ticket subsystem uses this as the tracker-side idempotency backstop.
func (c *Client) SearchByLabel(ctx context.Context, label string) ([]Issue, error) {
	var result struct {
		Issues []struct {
			Key    string `json:"key"`
			Fields struct {
				Created string `json:"created"`
			} `json:"fields"`
		} `json:"issues"`
	}
	jql := fmt.Sprintf("labels = %q ORDER BY created ASC", label)
	err := c.gw.Do(ctx, Dependency, "search", func(ctx context.Context) error {
		return c.get(ctx, "/rest/api/2/search?jql="+url.QueryEscape(jql), &result)
	})
	if err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(result.Issues))
	for _, i := range result.Issues {
		created, _ := time.Parse("2006-01-02T15:04:05.000-0700", i.Fields.Created)
		issues = append(issues, Issue{Key: i.Key, Created: created})
	}
	return issues, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.roundTrip(ctx, http.MethodPost, path, bytes.NewReader(body), out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.roundTrip(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token.IsSet() {
		req.Header.Set("Authorization", "Bearer "+c.token.Value())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gateway.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return gateway.RateLimited(
			fmt.Errorf("tracker throttled %s %s", method, path),
			parseRetryAfter(resp.Header.Get("Retry-After")),
		)
	}
	if ge := gateway.FromStatusCode(resp.StatusCode, nil); ge != nil {
		return ge
	}
	if out == nil {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gateway.Transient(fmt.Errorf("failed to read response: %w", err))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseRetryAfter parses a Retry-After header in either delay-seconds or
// HTTP-date form. Returns zero when unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
