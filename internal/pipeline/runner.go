package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeeeepa/codegenapp/internal/github"
	"github.com/zeeeepa/codegenapp/internal/models"
	"github.com/zeeeepa/codegenapp/internal/notify"
	"github.com/zeeeepa/codegenapp/internal/store"
)

// stepRetryDelay separates attempts of a failing step.
var stepRetryDelay = 2 * time.Second

// Execution carries the state steps hand to each other during one run.
type Execution struct {
	Pipeline *models.ValidationPipeline
	Project  *models.Project
	Owner    string
	Repo     string
	PR       *github.PullRequest
	Sandbox  *Sandbox
}

// Runner drives validation pipelines through their ordered steps.
type Runner struct {
	store    store.Store
	gh       *github.Client
	notifier notify.Notifier
	steps    []Step
}

// NewRunner creates a pipeline runner. The GitHub client may be nil; steps
// and completion actions that need it are skipped.
func NewRunner(st store.Store, gh *github.Client, notifier notify.Notifier, steps []Step) *Runner {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Runner{store: st, gh: gh, notifier: notifier, steps: steps}
}

// TriggerInput identifies the pull request a new pipeline validates.
type TriggerInput struct {
	ProjectID string
	RunID     string
	PRNumber  int
	PRURL     string
}

// Trigger creates a pipeline for the pull request and runs it to completion
// within the caller's context. The returned pipeline reflects the final
// persisted state; a failed validation is a recorded outcome, not an error.
func (r *Runner) Trigger(ctx context.Context, in TriggerInput) (*models.ValidationPipeline, error) {
	project, err := r.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}

	p := &models.ValidationPipeline{
		ProjectID: project.ID,
		RunID:     in.RunID,
		PRNumber:  in.PRNumber,
		PRURL:     in.PRURL,
		Status:    models.PipelineStatusPending,
		Steps:     r.newStepResults(),
	}
	if err := r.store.CreatePipeline(ctx, p); err != nil {
		return nil, err
	}

	if err := r.Run(ctx, p, project); err != nil {
		return p, err
	}
	return p, nil
}

// Run executes the step sequence against an already persisted pipeline.
// Re-running a terminal pipeline resets its steps and counts as a retry.
func (r *Runner) Run(ctx context.Context, p *models.ValidationPipeline, project *models.Project) error {
	ex := &Execution{Pipeline: p, Project: project}

	if owner, repo, err := github.ParseRepoURL(project.RepoURL); err == nil {
		ex.Owner, ex.Repo = owner, repo
	} else {
		slog.Warn("unparseable repo url", "project", project.Name, "url", project.RepoURL, "error", err)
	}
	if r.gh != nil && ex.Owner != "" && p.PRNumber > 0 {
		pr, err := r.gh.GetPullRequest(ctx, ex.Owner, ex.Repo, p.PRNumber)
		if err != nil {
			slog.Warn("fetch pull request", "pr", p.PRNumber, "error", err)
		} else {
			ex.PR = pr
			if p.PRURL == "" {
				p.PRURL = pr.HTMLURL
			}
		}
	}

	if isTerminal(p.Status) {
		p.RetryCount++
		p.ErrorMessage = ""
		p.CompletedAt = nil
		p.Steps = r.newStepResults()
	}
	if len(p.Steps) != len(r.steps) {
		p.Steps = r.newStepResults()
	}
	p.Status = models.PipelineStatusRunning
	if err := r.persist(ctx, p); err != nil {
		return err
	}

	for i := range r.steps {
		if ctx.Err() != nil {
			return r.finishCancelled(ctx, p, i)
		}

		err := r.runStep(ctx, r.steps[i], &p.Steps[i], ex)
		if ctx.Err() != nil {
			return r.finishCancelled(ctx, p, i+1)
		}
		if err != nil && !errors.Is(err, ErrStepSkipped) {
			return r.finishFailed(ctx, p, i, err)
		}
		if err := r.persist(ctx, p); err != nil {
			return err
		}
	}

	return r.finishPassed(ctx, ex)
}

// Cancel marks a pipeline cancelled. Terminal pipelines are left untouched.
func (r *Runner) Cancel(ctx context.Context, id string) (*models.ValidationPipeline, error) {
	p, err := r.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if isTerminal(p.Status) {
		return p, nil
	}

	p.Status = models.PipelineStatusCancelled
	markRemainingSkipped(p.Steps)
	now := time.Now().UTC()
	p.CompletedAt = &now
	if err := r.persist(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// runStep executes one step within its retry budget, recording attempts and
// timing on the step result.
func (r *Runner) runStep(ctx context.Context, step Step, res *models.StepResult, ex *Execution) error {
	started := time.Now().UTC()
	res.StartedAt = &started
	res.Status = models.StepStatusRunning

	var out string
	var err error
	for attempt := 1; attempt <= step.Retries+1; attempt++ {
		res.Attempts = attempt
		out, err = step.Run(ctx, ex)
		if err == nil || errors.Is(err, ErrStepSkipped) || ctx.Err() != nil {
			break
		}
		if attempt <= step.Retries {
			slog.Warn("pipeline step failed, retrying", "step", step.Name, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(stepRetryDelay):
			}
		}
	}

	finished := time.Now().UTC()
	res.FinishedAt = &finished
	res.Output = out
	switch {
	case err == nil:
		res.Status = models.StepStatusPassed
	case errors.Is(err, ErrStepSkipped):
		res.Status = models.StepStatusSkipped
		res.Error = err.Error()
	default:
		res.Status = models.StepStatusFailed
		res.Error = err.Error()
	}
	return err
}

func (r *Runner) finishFailed(ctx context.Context, p *models.ValidationPipeline, failedIdx int, cause error) error {
	ctx = context.WithoutCancel(ctx)

	p.Status = models.PipelineStatusFailed
	p.ErrorMessage = fmt.Sprintf("step %s: %v", r.steps[failedIdx].Name, cause)
	markRemainingSkipped(p.Steps[failedIdx+1:])
	now := time.Now().UTC()
	p.CompletedAt = &now
	if err := r.persist(ctx, p); err != nil {
		return err
	}

	_ = r.notifier.Send(ctx, notify.Notification{
		Title:    "validation pipeline failed",
		Message:  p.ErrorMessage,
		Severity: notify.SeverityError,
		RunID:    p.RunID,
		PRURL:    p.PRURL,
	})
	return nil
}

func (r *Runner) finishCancelled(ctx context.Context, p *models.ValidationPipeline, next int) error {
	ctx = context.WithoutCancel(ctx)

	p.Status = models.PipelineStatusCancelled
	markRemainingSkipped(p.Steps[next:])
	now := time.Now().UTC()
	p.CompletedAt = &now
	return r.persist(ctx, p)
}

func (r *Runner) finishPassed(ctx context.Context, ex *Execution) error {
	p := ex.Pipeline
	p.Status = models.PipelineStatusPassed
	now := time.Now().UTC()
	p.CompletedAt = &now
	if err := r.persist(ctx, p); err != nil {
		return err
	}

	if ex.Project.AutoMerge && r.gh != nil && ex.PR != nil {
		if err := r.gh.MergePullRequest(ctx, ex.Owner, ex.Repo, ex.PR.Number, ""); err != nil {
			slog.Warn("auto-merge failed", "pr", ex.PR.Number, "error", err)
			_ = r.notifier.Send(ctx, notify.Notification{
				Title:    "auto-merge failed",
				Message:  fmt.Sprintf("validation passed but merge of #%d failed: %v", ex.PR.Number, err),
				Severity: notify.SeverityWarning,
				RunID:    p.RunID,
				PRURL:    p.PRURL,
			})
			return nil
		}
		_ = r.notifier.Send(ctx, notify.Notification{
			Title:    "validation passed, PR merged",
			Message:  fmt.Sprintf("all steps passed, merged #%d", ex.PR.Number),
			Severity: notify.SeveritySuccess,
			RunID:    p.RunID,
			PRURL:    p.PRURL,
		})
		return nil
	}

	_ = r.notifier.Send(ctx, notify.Notification{
		Title:    "validation passed, ready for review",
		Message:  "all steps passed, auto-merge is off",
		Severity: notify.SeverityInfo,
		RunID:    p.RunID,
		PRURL:    p.PRURL,
	})
	return nil
}

func (r *Runner) newStepResults() []models.StepResult {
	results := make([]models.StepResult, len(r.steps))
	for i, s := range r.steps {
		results[i] = models.StepResult{Name: s.Name, Status: models.StepStatusPending}
	}
	return results
}

func (r *Runner) persist(ctx context.Context, p *models.ValidationPipeline) error {
	if err := r.store.UpdatePipeline(ctx, p); err != nil {
		return fmt.Errorf("persist pipeline: %w", err)
	}
	return nil
}

// Progress reports completed steps over total steps as a percentage.
func Progress(p *models.ValidationPipeline) int {
	if len(p.Steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range p.Steps {
		switch s.Status {
		case models.StepStatusPassed, models.StepStatusFailed, models.StepStatusSkipped:
			done++
		}
	}
	return done * 100 / len(p.Steps)
}

func isTerminal(s models.PipelineStatus) bool {
	switch s {
	case models.PipelineStatusPassed, models.PipelineStatusFailed, models.PipelineStatusCancelled:
		return true
	}
	return false
}

func markRemainingSkipped(steps []models.StepResult) {
	for i := range steps {
		if steps[i].Status == models.StepStatusPending || steps[i].Status == "" {
			steps[i].Status = models.StepStatusSkipped
		}
	}
}
