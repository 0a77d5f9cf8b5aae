package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zeeeepa/codegenapp/internal/github"
	"github.com/zeeeepa/codegenapp/internal/models"
)

// Canonical step names. A config may trim or reorder these but cannot invent
// new ones.
const (
	StepSandbox  = "sandbox"
	StepAnalyze  = "analyze"
	StepBuild    = "build"
	StepEvaluate = "evaluate"
	StepReport   = "report"
)

// ErrStepSkipped marks a step that cannot run in the current setup (its
// collaborator is not configured or its input is missing). A skipped step
// does not fail the pipeline.
var ErrStepSkipped = errors.New("step skipped")

// Step is one named unit of pipeline work. Retries is the budget of extra
// attempts after the first failure. Run's string return is the step's
// recorded output (log tail, verdict summary, empty when there is none).
type Step struct {
	Name    string
	Retries int
	Run     func(ctx context.Context, ex *Execution) (string, error)
}

// Deps holds the collaborators the built-in steps delegate to. Nil entries
// cause the dependent steps to be skipped rather than fail.
type Deps struct {
	Sandbox   SandboxProvider
	Analyzer  Analyzer
	Builder   BuildRunner
	Evaluator Evaluator
	GitHub    *github.Client
}

// BuildSteps resolves a step config against the collaborators.
func BuildSteps(cfg Config, deps Deps) ([]Step, error) {
	steps := make([]Step, 0, len(cfg.Steps))
	for _, sc := range cfg.Steps {
		run, err := stepFunc(sc.Name, deps)
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Name: sc.Name, Retries: sc.Retries, Run: run})
	}
	return steps, nil
}

func stepFunc(name string, deps Deps) (func(context.Context, *Execution) (string, error), error) {
	switch name {
	case StepSandbox:
		return sandboxStep(deps.Sandbox), nil
	case StepAnalyze:
		return analyzeStep(deps.Analyzer, deps.GitHub), nil
	case StepBuild:
		return buildStep(deps.Builder), nil
	case StepEvaluate:
		return evaluateStep(deps.Evaluator), nil
	case StepReport:
		return reportStep(deps.GitHub), nil
	default:
		return nil, fmt.Errorf("unknown pipeline step %q", name)
	}
}

func sandboxStep(provider SandboxProvider) func(context.Context, *Execution) (string, error) {
	return func(ctx context.Context, ex *Execution) (string, error) {
		if provider == nil {
			return "", fmt.Errorf("%w: sandbox provider not configured", ErrStepSkipped)
		}
		ref := ex.Project.DefaultBranch
		if ex.PR != nil && ex.PR.Head.SHA != "" {
			ref = ex.PR.Head.SHA
		}
		sb, err := provider.CreateSandbox(ctx, ex.Project.RepoURL, ref)
		if err != nil {
			return "", err
		}
		ex.Sandbox = sb
		return fmt.Sprintf("sandbox %s %s", sb.ID, sb.Status), nil
	}
}

func analyzeStep(analyzer Analyzer, gh *github.Client) func(context.Context, *Execution) (string, error) {
	return func(ctx context.Context, ex *Execution) (string, error) {
		if analyzer == nil {
			return "", fmt.Errorf("%w: analyzer not configured", ErrStepSkipped)
		}
		if gh == nil || ex.PR == nil {
			return "", fmt.Errorf("%w: no pull request to analyze", ErrStepSkipped)
		}
		diff, err := gh.CompareDiff(ctx, ex.Owner, ex.Repo, ex.PR.Base.Ref, ex.PR.Head.SHA)
		if err != nil {
			return "", fmt.Errorf("fetch diff: %w", err)
		}
		analysis, err := analyzer.Analyze(ctx, ex.PR.Title, diff)
		if err != nil {
			return "", err
		}
		if !analysis.Passed {
			return "", fmt.Errorf("analysis blocked the change: %s", analysis.Summary)
		}
		return analysis.Summary, nil
	}
}

func buildStep(builder BuildRunner) func(context.Context, *Execution) (string, error) {
	return func(ctx context.Context, ex *Execution) (string, error) {
		if builder == nil {
			return "", fmt.Errorf("%w: build runner not configured", ErrStepSkipped)
		}
		var sandboxID string
		if ex.Sandbox != nil {
			sandboxID = ex.Sandbox.ID
		}
		result, err := builder.Build(ctx, sandboxID)
		if err != nil {
			return "", err
		}
		if result.DeploymentURL != "" {
			ex.Pipeline.DeploymentURL = result.DeploymentURL
		}
		if !result.Passed {
			return "", fmt.Errorf("build failed: %s", tail(result.Log, 500))
		}
		return tail(result.Log, 500), nil
	}
}

func evaluateStep(evaluator Evaluator) func(context.Context, *Execution) (string, error) {
	return func(ctx context.Context, ex *Execution) (string, error) {
		if evaluator == nil {
			return "", fmt.Errorf("%w: evaluator not configured", ErrStepSkipped)
		}
		if ex.Pipeline.DeploymentURL == "" {
			return "", fmt.Errorf("%w: no deployment to evaluate", ErrStepSkipped)
		}
		ev, err := evaluator.Evaluate(ctx, ex.Pipeline.DeploymentURL)
		if err != nil {
			return "", err
		}
		if !ev.Passed {
			return "", fmt.Errorf("evaluation failed: %s", ev.Notes)
		}
		return ev.Notes, nil
	}
}

func reportStep(gh *github.Client) func(context.Context, *Execution) (string, error) {
	return func(ctx context.Context, ex *Execution) (string, error) {
		if gh == nil || ex.PR == nil {
			return "", fmt.Errorf("%w: no pull request to report on", ErrStepSkipped)
		}
		if err := gh.CreateIssueComment(ctx, ex.Owner, ex.Repo, ex.PR.Number, reportBody(ex.Pipeline)); err != nil {
			return "", err
		}
		return fmt.Sprintf("comment posted on #%d", ex.PR.Number), nil
	}
}

// reportBody renders the step outcomes as a PR comment.
func reportBody(p *models.ValidationPipeline) string {
	var b strings.Builder
	b.WriteString("## Validation results\n\n")
	for _, s := range p.Steps {
		if s.Name == StepReport {
			continue
		}
		status := s.Status
		if status == "" {
			status = models.StepStatusPending
		}
		fmt.Fprintf(&b, "- **%s**: %s", s.Name, status)
		if s.Attempts > 1 {
			fmt.Fprintf(&b, " (%d attempts)", s.Attempts)
		}
		if s.Status == models.StepStatusFailed && s.Error != "" {
			fmt.Fprintf(&b, ": %s", s.Error)
		}
		b.WriteString("\n")
	}
	if p.DeploymentURL != "" {
		fmt.Fprintf(&b, "\nPreview deployment: %s\n", p.DeploymentURL)
	}
	return b.String()
}

// tail keeps the last n bytes of a build log.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
