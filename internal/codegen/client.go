package codegen

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/zeeeepa/codegenapp/internal/models"
	"github.com/zeeeepa/codegenapp/internal/rest"
)

// resumeEndpoints are the candidate resume paths, tried in order. Different
// API deployments expose different shapes, so a 404 means "try the next one",
// not "the run is gone".
var resumeEndpoints = []string{
	"/organizations/%s/agent/run/%s/resume",
	"/organizations/%s/agent/run/%s/continue",
	"/agent-runs/%s/resume",
	"/beta/organizations/%s/agent/run/%s/resume",
}

// Config configures the agent API client.
type Config struct {
	BaseURL string
	Token   string
	OrgID   string
	Timeout time.Duration
}

// Client wraps the remote agent API.
type Client struct {
	rest *rest.Client
	org  string
}

// NewClient creates an agent API client with bearer auth and retry on
// transport failures and 5xx responses.
func NewClient(cfg Config) *Client {
	rc := rest.NewClient(rest.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Retry:   rest.RetryPolicy{MaxAttempts: 3, Delay: time.Second, Backoff: true},
	})
	if cfg.Token != "" {
		rc.SetBearerToken(cfg.Token)
	}
	return &Client{rest: rc, org: cfg.OrgID}
}

// RunInfo is the agent API's view of a run, translated at the boundary.
type RunInfo struct {
	ID          string
	Status      models.RunStatus
	WebURL      string
	Progress    int
	CurrentStep string
	Result      *RunResult // nil until the API reports a result
}

// RunResult is a tagged variant over the shapes the agent API returns:
// plain text, a plan awaiting confirmation, or an opened pull request.
type RunResult struct {
	Kind     models.RunResponseType
	Text     string
	PRURL    string
	PRNumber int
	Raw      string // original JSON, persisted verbatim
}

// CreateRun starts a new agent run for the given prompt. An empty org means
// the client's configured organization.
func (c *Client) CreateRun(ctx context.Context, org, prompt string) (*RunInfo, error) {
	resp, err := c.rest.Do(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/organizations/%s/agent/run", c.orgOr(org)),
		Body:   map[string]string{"prompt": prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return parseRunInfo(resp.Body), nil
}

// GetRun fetches the current remote state of a run.
func (c *Client) GetRun(ctx context.Context, org, externalID string) (*RunInfo, error) {
	resp, err := c.rest.Do(ctx, &rest.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/organizations/%s/agent/run/%s", c.orgOr(org), externalID),
	})
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", externalID, err)
	}
	return parseRunInfo(resp.Body), nil
}

// ResumeRun sends a follow-up message to a paused run, probing the candidate
// endpoints in order and advancing past 404s only.
func (c *Client) ResumeRun(ctx context.Context, org, externalID, message string) (*RunInfo, error) {
	okOr404 := func(status int) bool {
		return (status >= 200 && status < 300) || status == http.StatusNotFound
	}

	var tried []string
	for _, pattern := range resumeEndpoints {
		path := formatEndpoint(pattern, c.orgOr(org), externalID)
		tried = append(tried, path)

		resp, err := c.rest.Do(ctx, &rest.Request{
			Method:         http.MethodPost,
			Path:           path,
			Body:           map[string]string{"prompt": message},
			ValidateStatus: okOr404,
		})
		if err != nil {
			return nil, fmt.Errorf("resume run %s: %w", externalID, err)
		}
		if resp.StatusCode == http.StatusNotFound {
			slog.Debug("resume endpoint not found, trying next", "run", externalID, "path", path)
			continue
		}
		return parseRunInfo(resp.Body), nil
	}
	return nil, &ResumeEndpointError{RunID: externalID, Tried: tried}
}

// CancelRun requests remote cancellation of a run. A 404 means the run is
// already gone remotely and counts as success.
func (c *Client) CancelRun(ctx context.Context, org, externalID string) error {
	okOr404 := func(status int) bool {
		return (status >= 200 && status < 300) || status == http.StatusNotFound
	}

	resp, err := c.rest.Do(ctx, &rest.Request{
		Method:         http.MethodPost,
		Path:           fmt.Sprintf("/organizations/%s/agent/run/%s/cancel", c.orgOr(org), externalID),
		ValidateStatus: okOr404,
	})
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", externalID, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		slog.Debug("cancel target already gone", "run", externalID)
	}
	return nil
}

// orgOr resolves a per-call org override, empty meaning the configured one.
func (c *Client) orgOr(org string) string {
	if org != "" {
		return org
	}
	return c.org
}

// formatEndpoint fills an endpoint pattern with org and run id. The
// /agent-runs/ shape has no org segment.
func formatEndpoint(pattern, org, runID string) string {
	if strings.Count(pattern, "%s") == 1 {
		return fmt.Sprintf(pattern, runID)
	}
	return fmt.Sprintf(pattern, org, runID)
}

// parseRunInfo reads the fields we use out of a run payload. The id is
// numeric on some deployments and a string on others.
func parseRunInfo(body []byte) *RunInfo {
	r := gjson.ParseBytes(body)
	info := &RunInfo{
		ID:          r.Get("id").String(),
		Status:      statusFromAPI(r.Get("status").String()),
		WebURL:      r.Get("web_url").String(),
		Progress:    int(r.Get("progress").Int()),
		CurrentStep: r.Get("current_step").String(),
	}
	if result := r.Get("result"); result.Exists() && result.Raw != "null" {
		info.Result = classifyResult(result)
	}
	return info
}

// classifyResult turns the duck-typed result payload into a tagged variant.
func classifyResult(result gjson.Result) *RunResult {
	out := &RunResult{Raw: result.Raw}
	switch {
	case result.Get("pr_url").Exists():
		out.Kind = models.RunResponsePR
		out.PRURL = result.Get("pr_url").String()
		out.PRNumber = int(result.Get("pr_number").Int())
	case result.Get("pull_request").Exists():
		out.Kind = models.RunResponsePR
		out.PRURL = result.Get("pull_request.url").String()
		out.PRNumber = int(result.Get("pull_request.number").Int())
	case result.Get("plan").Exists():
		out.Kind = models.RunResponsePlan
		out.Text = result.Get("plan").String()
	case result.Get("type").String() == "plan":
		out.Kind = models.RunResponsePlan
		out.Text = result.Get("text").String()
	default:
		out.Kind = models.RunResponseRegular
		if text := result.Get("text"); text.Exists() {
			out.Text = text.String()
		} else if result.Type == gjson.String {
			out.Text = result.String()
		} else {
			out.Text = result.Raw
		}
	}
	return out
}

// statusFromAPI maps remote status strings onto local run states.
func statusFromAPI(s string) models.RunStatus {
	switch strings.ToLower(s) {
	case "pending", "queued", "created":
		return models.RunStatusPending
	case "running", "active", "in_progress":
		return models.RunStatusRunning
	case "waiting_input", "awaiting_input", "paused":
		return models.RunStatusWaitingInput
	case "completed", "complete", "finished":
		return models.RunStatusCompleted
	case "failed", "error", "errored":
		return models.RunStatusFailed
	case "cancelled", "canceled", "stopped":
		return models.RunStatusCancelled
	default:
		return models.RunStatusPending
	}
}
