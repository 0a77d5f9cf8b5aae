package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeeeepa/codegenapp/internal/github"
	"github.com/zeeeepa/codegenapp/internal/models"
	"github.com/zeeeepa/codegenapp/internal/notify"
	"github.com/zeeeepa/codegenapp/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProject(t *testing.T, st store.Store, autoMerge bool) *models.Project {
	t.Helper()
	p := &models.Project{
		Name:          "acme-app",
		RepoURL:       "https://github.com/acme/app",
		DefaultBranch: "main",
		AutoMerge:     autoMerge,
	}
	require.NoError(t, st.CreateProject(context.Background(), p))
	return p
}

type fakeNotifier struct {
	got []notify.Notification
}

func (f *fakeNotifier) Send(ctx context.Context, n notify.Notification) error {
	f.got = append(f.got, n)
	return nil
}

func passingStep(name string) Step {
	return Step{Name: name, Run: func(ctx context.Context, ex *Execution) (string, error) { return "ok", nil }}
}

func failingStep(name, msg string) Step {
	return Step{Name: name, Run: func(ctx context.Context, ex *Execution) (string, error) {
		return "", errors.New(msg)
	}}
}

func TestRunnerStepFailureHaltsPipeline(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st, false)
	notifier := &fakeNotifier{}

	r := NewRunner(st, nil, notifier, []Step{
		passingStep("A"),
		failingStep("B", "boom"),
		passingStep("C"),
	})

	p, err := r.Trigger(context.Background(), TriggerInput{ProjectID: project.ID, PRNumber: 7})
	require.NoError(t, err)

	assert.Equal(t, models.PipelineStatusFailed, p.Status)
	assert.Contains(t, p.ErrorMessage, "step B")
	assert.Contains(t, p.ErrorMessage, "boom")
	require.NotNil(t, p.CompletedAt)

	require.Len(t, p.Steps, 3)
	assert.Equal(t, models.StepStatusPassed, p.Steps[0].Status)
	assert.Equal(t, 1, p.Steps[0].Attempts)
	assert.Equal(t, "ok", p.Steps[0].Output)
	assert.Equal(t, models.StepStatusFailed, p.Steps[1].Status)
	assert.Equal(t, "boom", p.Steps[1].Error)
	assert.Equal(t, models.StepStatusSkipped, p.Steps[2].Status)
	assert.Zero(t, p.Steps[2].Attempts)
	assert.Empty(t, p.Steps[2].Error)
	assert.Nil(t, p.Steps[2].StartedAt)

	// Final state is persisted, not just in memory.
	stored, err := st.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusFailed, stored.Status)
	assert.Equal(t, "ok", stored.Steps[0].Output)
	assert.Equal(t, models.StepStatusSkipped, stored.Steps[2].Status)

	require.Len(t, notifier.got, 1)
	assert.Equal(t, notify.SeverityError, notifier.got[0].Severity)
}

func TestRunnerRetryBudget(t *testing.T) {
	old := stepRetryDelay
	stepRetryDelay = time.Millisecond
	t.Cleanup(func() { stepRetryDelay = old })

	st := newTestStore(t)
	project := seedProject(t, st, false)

	calls := 0
	flaky := Step{Name: "flaky", Retries: 2, Run: func(ctx context.Context, ex *Execution) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "recovered", nil
	}}

	r := NewRunner(st, nil, nil, []Step{flaky})
	p, err := r.Trigger(context.Background(), TriggerInput{ProjectID: project.ID, PRNumber: 1})
	require.NoError(t, err)

	assert.Equal(t, models.PipelineStatusPassed, p.Status)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, p.Steps[0].Attempts)
	assert.Equal(t, models.StepStatusPassed, p.Steps[0].Status)
}

func TestRunnerRetryBudgetExhausted(t *testing.T) {
	old := stepRetryDelay
	stepRetryDelay = time.Millisecond
	t.Cleanup(func() { stepRetryDelay = old })

	st := newTestStore(t)
	project := seedProject(t, st, false)

	calls := 0
	r := NewRunner(st, nil, nil, []Step{{
		Name:    "stubborn",
		Retries: 1,
		Run: func(ctx context.Context, ex *Execution) (string, error) {
			calls++
			return "", errors.New("still broken")
		},
	}})

	p, err := r.Trigger(context.Background(), TriggerInput{ProjectID: project.ID, PRNumber: 1})
	require.NoError(t, err)

	assert.Equal(t, models.PipelineStatusFailed, p.Status)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, p.Steps[0].Attempts)
}

func TestRunnerSkippedStepDoesNotFail(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st, false)

	r := NewRunner(st, nil, nil, []Step{
		passingStep("A"),
		{Name: "optional", Run: func(ctx context.Context, ex *Execution) (string, error) {
			return "", fmt.Errorf("%w: collaborator not configured", ErrStepSkipped)
		}},
		passingStep("C"),
	})

	p, err := r.Trigger(context.Background(), TriggerInput{ProjectID: project.ID, PRNumber: 1})
	require.NoError(t, err)

	assert.Equal(t, models.PipelineStatusPassed, p.Status)
	assert.Equal(t, models.StepStatusSkipped, p.Steps[1].Status)
	assert.Contains(t, p.Steps[1].Error, "not configured")
	assert.Equal(t, models.StepStatusPassed, p.Steps[2].Status)
}

func newGitHubFake(t *testing.T) (*github.Client, *struct{ merged, commented bool }) {
	t.Helper()
	state := &struct{ merged, commented bool }{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/app/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":7,"title":"Add feature","state":"open","html_url":"https://github.com/acme/app/pull/7","head":{"ref":"feat","sha":"abc123"},"base":{"ref":"main"}}`)
	})
	mux.HandleFunc("PUT /repos/acme/app/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		state.merged = true
		fmt.Fprint(w, `{"merged":true}`)
	})
	mux.HandleFunc("POST /repos/acme/app/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		state.commented = true
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":1}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return github.NewClient(github.Config{BaseURL: server.URL}), state
}

func TestRunnerAutoMergeOnPass(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st, true)
	gh, state := newGitHubFake(t)
	notifier := &fakeNotifier{}

	r := NewRunner(st, gh, notifier, []Step{passingStep("noop")})
	p, err := r.Trigger(context.Background(), TriggerInput{ProjectID: project.ID, PRNumber: 7})
	require.NoError(t, err)

	assert.Equal(t, models.PipelineStatusPassed, p.Status)
	assert.True(t, state.merged)
	assert.Equal(t, "https://github.com/acme/app/pull/7", p.PRURL)

	require.Len(t, notifier.got, 1)
	assert.Equal(t, notify.SeveritySuccess, notifier.got[0].Severity)
	assert.Contains(t, notifier.got[0].Title, "merged")
}

func TestRunnerManualReviewWhenAutoMergeOff(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st, false)
	gh, state := newGitHubFake(t)
	notifier := &fakeNotifier{}

	r := NewRunner(st, gh, notifier, []Step{passingStep("noop")})
	p, err := r.Trigger(context.Background(), TriggerInput{ProjectID: project.ID, PRNumber: 7})
	require.NoError(t, err)

	assert.Equal(t, models.PipelineStatusPassed, p.Status)
	assert.False(t, state.merged)

	require.Len(t, notifier.got, 1)
	assert.Contains(t, notifier.got[0].Title, "ready for review")
}

func TestRunnerRerunAfterFailureCountsRetry(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st, false)

	healthy := false
	r := NewRunner(st, nil, nil, []Step{{
		Name: "check",
		Run: func(ctx context.Context, ex *Execution) (string, error) {
			if !healthy {
				return "", errors.New("broken")
			}
			return "", nil
		},
	}})

	p, err := r.Trigger(context.Background(), TriggerInput{ProjectID: project.ID, PRNumber: 1})
	require.NoError(t, err)
	require.Equal(t, models.PipelineStatusFailed, p.Status)

	healthy = true
	require.NoError(t, r.Run(context.Background(), p, project))

	assert.Equal(t, models.PipelineStatusPassed, p.Status)
	assert.Equal(t, 1, p.RetryCount)
	assert.Empty(t, p.ErrorMessage)
	assert.Equal(t, models.StepStatusPassed, p.Steps[0].Status)
}

func TestRunnerContextCancellation(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st, false)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(st, nil, nil, []Step{
		{Name: "A", Run: func(ctx context.Context, ex *Execution) (string, error) {
			cancel() // deadline hits mid-pipeline
			return "", nil
		}},
		passingStep("B"),
		passingStep("C"),
	})

	p, err := r.Trigger(ctx, TriggerInput{ProjectID: project.ID, PRNumber: 1})
	require.NoError(t, err)

	assert.Equal(t, models.PipelineStatusCancelled, p.Status)
	assert.Equal(t, models.StepStatusPassed, p.Steps[0].Status)
	assert.Equal(t, models.StepStatusSkipped, p.Steps[1].Status)
	assert.Equal(t, models.StepStatusSkipped, p.Steps[2].Status)

	stored, err := st.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusCancelled, stored.Status)
}

func TestRunnerCancel(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st, false)

	r := NewRunner(st, nil, nil, []Step{passingStep("A")})

	p := &models.ValidationPipeline{
		ProjectID: project.ID,
		PRNumber:  3,
		Status:    models.PipelineStatusPending,
		Steps:     r.newStepResults(),
	}
	require.NoError(t, st.CreatePipeline(context.Background(), p))

	cancelled, err := r.Cancel(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
	assert.Equal(t, models.StepStatusSkipped, cancelled.Steps[0].Status)

	// Cancelling a terminal pipeline is a no-op.
	again, err := r.Cancel(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusCancelled, again.Status)
}

func TestRunnerTriggerUnknownProject(t *testing.T) {
	st := newTestStore(t)
	r := NewRunner(st, nil, nil, []Step{passingStep("A")})

	_, err := r.Trigger(context.Background(), TriggerInput{ProjectID: "missing", PRNumber: 1})
	assert.Error(t, err)
}

func TestProgress(t *testing.T) {
	p := &models.ValidationPipeline{Steps: []models.StepResult{
		{Status: models.StepStatusPassed},
		{Status: models.StepStatusFailed},
		{Status: models.StepStatusSkipped},
		{Status: models.StepStatusRunning},
		{Status: models.StepStatusPending},
	}}
	assert.Equal(t, 60, Progress(p))

	assert.Equal(t, 0, Progress(&models.ValidationPipeline{}))
}
