package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zeeeepa/codegenapp/internal/llm"
	"github.com/zeeeepa/codegenapp/internal/rest"
	"github.com/zeeeepa/codegenapp/internal/slots"
)

// Collaborators are the external services the pipeline steps delegate to.
// Their internals are out of scope here; each is a remote HTTP service (or
// the Anthropic API for analysis) reached through a small interface.

// Sandbox is an isolated workspace prepared by the sandbox provider.
type Sandbox struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SandboxProvider prepares an isolated workspace holding the repo at a ref.
type SandboxProvider interface {
	CreateSandbox(ctx context.Context, repoURL, ref string) (*Sandbox, error)
}

// BuildResult is the build runner's verdict for one sandbox.
type BuildResult struct {
	Passed        bool   `json:"passed"`
	DeploymentURL string `json:"deployment_url"`
	Log           string `json:"log"`
}

// BuildRunner builds the code in a sandbox and deploys a preview.
type BuildRunner interface {
	Build(ctx context.Context, sandboxID string) (*BuildResult, error)
}

// Evaluation is the web evaluator's verdict for a deployed preview.
type Evaluation struct {
	Passed bool   `json:"passed"`
	Notes  string `json:"notes"`
}

// Evaluator exercises a deployed preview URL and reports whether it behaves.
type Evaluator interface {
	Evaluate(ctx context.Context, targetURL string) (*Evaluation, error)
}

// Analysis is the code analyzer's verdict for a PR diff.
type Analysis struct {
	Passed   bool
	Summary  string
	Findings []string
}

// Analyzer reviews a pull request diff.
type Analyzer interface {
	Analyze(ctx context.Context, title, diff string) (*Analysis, error)
}

// --- HTTP collaborator clients ---

func collaboratorClient(baseURL string, timeout time.Duration) *rest.Client {
	return rest.NewClient(rest.Config{
		BaseURL: baseURL,
		Timeout: timeout,
		Retry:   rest.RetryPolicy{MaxAttempts: 3, Delay: time.Second, Backoff: true},
	})
}

// HTTPSandbox talks to a sandbox provider service.
type HTTPSandbox struct {
	rest *rest.Client
}

func NewHTTPSandbox(baseURL string, timeout time.Duration) *HTTPSandbox {
	return &HTTPSandbox{rest: collaboratorClient(baseURL, timeout)}
}

func (s *HTTPSandbox) CreateSandbox(ctx context.Context, repoURL, ref string) (*Sandbox, error) {
	resp, err := s.rest.Do(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   "/sandboxes",
		Body:   map[string]string{"repo_url": repoURL, "ref": ref},
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	sb := &Sandbox{}
	if err := resp.JSON(sb); err != nil {
		return nil, err
	}
	if sb.ID == "" {
		return nil, fmt.Errorf("sandbox provider returned no id")
	}
	return sb, nil
}

// HTTPBuilder talks to a build runner service.
type HTTPBuilder struct {
	rest *rest.Client
}

func NewHTTPBuilder(baseURL string, timeout time.Duration) *HTTPBuilder {
	return &HTTPBuilder{rest: collaboratorClient(baseURL, timeout)}
}

func (b *HTTPBuilder) Build(ctx context.Context, sandboxID string) (*BuildResult, error) {
	resp, err := b.rest.Do(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   "/builds",
		Body:   map[string]string{"sandbox_id": sandboxID},
	})
	if err != nil {
		return nil, fmt.Errorf("run build: %w", err)
	}
	result := &BuildResult{}
	if err := resp.JSON(result); err != nil {
		return nil, err
	}
	return result, nil
}

// HTTPEvaluator talks to the web evaluation service. Evaluations share the
// automation slot pool with browser resume sessions.
type HTTPEvaluator struct {
	rest *rest.Client
	pool *slots.Pool
}

func NewHTTPEvaluator(baseURL string, timeout time.Duration, pool *slots.Pool) *HTTPEvaluator {
	return &HTTPEvaluator{rest: collaboratorClient(baseURL, timeout), pool: pool}
}

func (e *HTTPEvaluator) Evaluate(ctx context.Context, targetURL string) (*Evaluation, error) {
	if e.pool != nil {
		if err := e.pool.Acquire(); err != nil {
			return nil, err
		}
		defer e.pool.Release()
	}

	resp, err := e.rest.Do(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   "/evaluations",
		Body:   map[string]string{"url": targetURL},
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate deployment: %w", err)
	}
	ev := &Evaluation{}
	if err := resp.JSON(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// LLMAnalyzer adapts the Anthropic review client to the Analyzer interface.
type LLMAnalyzer struct {
	client *llm.Client
}

func NewLLMAnalyzer(client *llm.Client) *LLMAnalyzer {
	return &LLMAnalyzer{client: client}
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, title, diff string) (*Analysis, error) {
	review, err := a.client.ReviewDiff(ctx, title, diff)
	if err != nil {
		return nil, err
	}
	summary := review.Summary
	if len(review.Findings) > 0 {
		summary += "\n- " + strings.Join(review.Findings, "\n- ")
	}
	return &Analysis{
		Passed:   review.Passed(),
		Summary:  summary,
		Findings: review.Findings,
	}, nil
}
