package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zeeeepa/codegenapp/internal/rest"
)

// Config configures the GitHub API client.
type Config struct {
	BaseURL string // defaults to https://api.github.com
	Token   string
	Timeout time.Duration
}

// Client is a thin wrapper over the GitHub REST API, covering the calls the
// validation pipeline needs.
type Client struct {
	rest *rest.Client
}

// NewClient creates a GitHub client authenticated with a token.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	header := http.Header{}
	header.Set("Accept", "application/vnd.github+json")

	rc := rest.NewClient(rest.Config{
		BaseURL: baseURL,
		Timeout: cfg.Timeout,
		Retry:   rest.RetryPolicy{MaxAttempts: 3, Delay: time.Second, Backoff: true},
		Header:  header,
	})
	if cfg.Token != "" {
		rc.SetBearerToken(cfg.Token)
	}
	return &Client{rest: rc}
}

// PullRequest is the subset of the GitHub PR payload we consume.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// GetPullRequest fetches one pull request.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	resp, err := c.rest.Do(ctx, &rest.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number),
	})
	if err != nil {
		return nil, fmt.Errorf("get pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	pr := &PullRequest{}
	if err := resp.JSON(pr); err != nil {
		return nil, err
	}
	return pr, nil
}

// MergePullRequest merges a pull request using the given method
// (merge, squash, or rebase).
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int, method string) error {
	if method == "" {
		method = "squash"
	}
	_, err := c.rest.Do(ctx, &rest.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number),
		Body:   map[string]string{"merge_method": method},
	})
	if err != nil {
		return fmt.Errorf("merge pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// CreateIssueComment posts a comment on a pull request or issue.
func (c *Client) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, err := c.rest.Do(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number),
		Body:   map[string]string{"body": body},
	})
	if err != nil {
		return fmt.Errorf("comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// CompareDiff fetches the unified diff between two refs.
func (c *Client) CompareDiff(ctx context.Context, owner, repo, base, head string) (string, error) {
	header := http.Header{}
	header.Set("Accept", "application/vnd.github.diff")

	resp, err := c.rest.Do(ctx, &rest.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/repos/%s/%s/compare/%s...%s", owner, repo, base, head),
		Header: header,
	})
	if err != nil {
		return "", fmt.Errorf("compare %s...%s in %s/%s: %w", base, head, owner, repo, err)
	}
	return string(resp.Body), nil
}

// ParseRepoURL extracts owner and repo from a GitHub repository URL such as
// https://github.com/owner/repo or git@github.com:owner/repo.git.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	s := strings.TrimSuffix(repoURL, ".git")

	if strings.HasPrefix(s, "git@") {
		_, after, found := strings.Cut(s, ":")
		if !found {
			return "", "", fmt.Errorf("unrecognized repo url: %s", repoURL)
		}
		s = after
	} else {
		u, perr := url.Parse(s)
		if perr != nil {
			return "", "", fmt.Errorf("unrecognized repo url: %s", repoURL)
		}
		s = strings.TrimPrefix(u.Path, "/")
	}

	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("unrecognized repo url: %s", repoURL)
	}
	return parts[0], parts[1], nil
}
