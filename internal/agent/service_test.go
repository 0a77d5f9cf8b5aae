package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeeeepa/codegenapp/internal/codegen"
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

func seedProject(t *testing.T, st store.Store) *models.Project {
	t.Helper()
	p := &models.Project{
		Name:          "acme-app",
		RepoURL:       "https://github.com/acme/app",
		DefaultBranch: "main",
	}
	require.NoError(t, st.CreateProject(context.Background(), p))
	return p
}

func seedRun(t *testing.T, st store.Store, projectID string, status models.RunStatus) *models.AgentRun {
	t.Helper()
	run := &models.AgentRun{
		ExternalID: "ext-1",
		ProjectID:  projectID,
		Prompt:     "do things",
		Status:     status,
		WebURL:     "https://app.example.com/chat/ext-1",
	}
	require.NoError(t, st.CreateAgentRun(context.Background(), run))
	return run
}

type fakeAPI struct {
	createInfo  *codegen.RunInfo
	createErr   error
	createCalls int
	lastOrg     string
	lastPrompt  string

	getInfo  *codegen.RunInfo
	getErr   error
	getCalls int

	resumeInfo  *codegen.RunInfo
	resumeErr   error
	resumeCalls int
	lastMessage string

	cancelErr   error
	cancelCalls int
}

func (f *fakeAPI) CreateRun(ctx context.Context, org, prompt string) (*codegen.RunInfo, error) {
	f.createCalls++
	f.lastOrg = org
	f.lastPrompt = prompt
	return f.createInfo, f.createErr
}

func (f *fakeAPI) GetRun(ctx context.Context, org, externalID string) (*codegen.RunInfo, error) {
	f.getCalls++
	return f.getInfo, f.getErr
}

func (f *fakeAPI) ResumeRun(ctx context.Context, org, externalID, message string) (*codegen.RunInfo, error) {
	f.resumeCalls++
	f.lastMessage = message
	return f.resumeInfo, f.resumeErr
}

func (f *fakeAPI) CancelRun(ctx context.Context, org, externalID string) error {
	f.cancelCalls++
	return f.cancelErr
}

type fakeResumer struct {
	gotURL     string
	gotMessage string
	err        error
	calls      int
}

func (f *fakeResumer) Resume(ctx context.Context, chatURL, message string) error {
	f.calls++
	f.gotURL, f.gotMessage = chatURL, message
	return f.err
}

type fakeNotifier struct {
	got []notify.Notification
}

func (f *fakeNotifier) Send(ctx context.Context, n notify.Notification) error {
	f.got = append(f.got, n)
	return nil
}

func TestServiceCreate(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	api := &fakeAPI{createInfo: &codegen.RunInfo{
		ID:     "ext-123",
		Status: models.RunStatusRunning, // remote may already be running
		WebURL: "https://app.example.com/chat/ext-123",
	}}
	svc := NewService(st, api, nil, nil)

	run, err := svc.Create(context.Background(), project.ID, "what is 50/2")
	require.NoError(t, err)

	assert.Equal(t, "ext-123", run.ExternalID)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, "https://app.example.com/chat/ext-123", run.WebURL)
	assert.Equal(t, "what is 50/2", api.lastPrompt)

	stored, err := st.GetAgentRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-123", stored.ExternalID)

	msgs, err := st.ListMessages(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageTypeSystem, msgs[0].Type)
	assert.Equal(t, "run created", msgs[0].Content)
}

func TestServiceCreateUsesProjectOrg(t *testing.T) {
	st := newTestStore(t)
	p := &models.Project{
		Name:    "acme-eu",
		RepoURL: "https://github.com/acme/eu",
		OrgID:   "org-eu",
	}
	require.NoError(t, st.CreateProject(context.Background(), p))

	api := &fakeAPI{createInfo: &codegen.RunInfo{ID: "ext-9"}}
	svc := NewService(st, api, nil, nil)

	_, err := svc.Create(context.Background(), p.ID, "prompt")
	require.NoError(t, err)
	assert.Equal(t, "org-eu", api.lastOrg)
}

func TestServiceCreateEmptyPrompt(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	api := &fakeAPI{}
	svc := NewService(st, api, nil, nil)

	_, err := svc.Create(context.Background(), project.ID, "")
	require.Error(t, err)
	assert.Zero(t, api.createCalls)
}

func TestServiceCreateUnknownProject(t *testing.T) {
	st := newTestStore(t)
	api := &fakeAPI{}
	svc := NewService(st, api, nil, nil)

	_, err := svc.Create(context.Background(), "missing", "prompt")
	require.Error(t, err)
	assert.Zero(t, api.createCalls)
}

func TestServiceCreateAPIFailurePersistsNothing(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	api := &fakeAPI{createErr: errors.New("api down")}
	svc := NewService(st, api, nil, nil)

	_, err := svc.Create(context.Background(), project.ID, "prompt")
	require.Error(t, err)

	runs, err := st.ListAgentRuns(context.Background(), store.RunListFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestServiceRefresh(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	run := seedRun(t, st, project.ID, models.RunStatusPending)

	api := &fakeAPI{getInfo: &codegen.RunInfo{
		ID:          "ext-1",
		Status:      models.RunStatusRunning,
		Progress:    40,
		CurrentStep: "analyzing repository",
	}}
	svc := NewService(st, api, nil, nil)

	got, err := svc.Refresh(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "analyzing repository", got.CurrentStep)
}

func TestServiceRefreshTerminalShortCircuits(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	run := seedRun(t, st, project.ID, models.RunStatusCompleted)

	api := &fakeAPI{}
	svc := NewService(st, api, nil, nil)

	got, err := svc.Refresh(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Zero(t, api.getCalls)
}

func TestServiceRefreshRefusesRegression(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	run := seedRun(t, st, project.ID, models.RunStatusRunning)

	api := &fakeAPI{getInfo: &codegen.RunInfo{ID: "ext-1", Status: models.RunStatusPending}}
	svc := NewService(st, api, nil, nil)

	got, err := svc.Refresh(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
}

func TestServiceRefreshRecordsResult(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	run := seedRun(t, st, project.ID, models.RunStatusRunning)
	notifier := &fakeNotifier{}

	api := &fakeAPI{getInfo: &codegen.RunInfo{
		ID:     "ext-1",
		Status: models.RunStatusCompleted,
		Result: &codegen.RunResult{
			Kind: models.RunResponseRegular,
			Text: "The answer is 25",
			Raw:  `"The answer is 25"`,
		},
	}}
	svc := NewService(st, api, nil, notifier)

	got, err := svc.Refresh(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Contains(t, got.Result, "25")
	assert.Equal(t, models.RunResponseRegular, got.ResponseType)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)

	require.Len(t, notifier.got, 1)
	assert.Equal(t, notify.SeveritySuccess, notifier.got[0].Severity)
}

func TestServiceResumeSuccess(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	run := seedRun(t, st, project.ID, models.RunStatusWaitingInput)

	api := &fakeAPI{resumeInfo: &codegen.RunInfo{ID: "ext-1", Status: models.RunStatusRunning}}
	svc := NewService(st, api, nil, nil)

	got, err := svc.Resume(context.Background(), run.ID, "use the second option")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "use the second option", api.lastMessage)

	msgs, err := st.ListMessages(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageTypeUser, msgs[0].Type)
	assert.Equal(t, "use the second option", msgs[0].Content)
}

func TestServiceResumeFailureKeepsState(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	run := seedRun(t, st, project.ID, models.RunStatusWaitingInput)

	api := &fakeAPI{resumeErr: errors.New("rate limited")}
	svc := NewService(st, api, nil, nil)

	got, err := svc.Resume(context.Background(), run.ID, "continue")
	require.Error(t, err)

	assert.Equal(t, models.RunStatusWaitingInput, got.Status)
	assert.Contains(t, got.ErrorMessage, "rate limited")

	stored, err := st.GetAgentRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaitingInput, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "rate limited")
}

func TestServiceResumeRejectsTerminalRun(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	run := seedRun(t, st, project.ID, models.RunStatusCompleted)

	api := &fakeAPI{}
	svc := NewService(st, api, nil, nil)

	_, err := svc.Resume(context.Background(), run.ID, "continue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completed")
	assert.Zero(t, api.resumeCalls)
}

func TestServiceResumeBrowserFallback(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	run := seedRun(t, st, project.ID, models.RunStatusWaitingInput)

	api := &fakeAPI{resumeErr: &codegen.ResumeEndpointError{RunID: "ext-1", Tried: []string{"/a", "/b"}}}
	resumer := &fakeResumer{}
	svc := NewService(st, api, resumer, nil)

	got, err := svc.Resume(context.Background(), run.ID, "keep going")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Equal(t, 1, resumer.calls)
	assert.Equal(t, run.WebURL, resumer.gotURL)
	assert.Equal(t, "keep going", resumer.gotMessage)
}

func TestServiceResumeNoFallbackConfigured(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	run := seedRun(t, st, project.ID, models.RunStatusWaitingInput)

	api := &fakeAPI{resumeErr: &codegen.ResumeEndpointError{RunID: "ext-1"}}
	svc := NewService(st, api, nil, nil)

	got, err := svc.Resume(context.Background(), run.ID, "keep going")
	require.Error(t, err)
	assert.Equal(t, models.RunStatusWaitingInput, got.Status)
	assert.Contains(t, got.ErrorMessage, "no resume endpoint")
}

func TestServiceCancel(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	run := seedRun(t, st, project.ID, models.RunStatusRunning)

	api := &fakeAPI{}
	svc := NewService(st, api, nil, nil)

	got, err := svc.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, api.cancelCalls)

	// Cancelling again is a no-op.
	again, err := svc.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, again.Status)
	assert.Equal(t, 1, api.cancelCalls)
}

func TestServiceCancelRemoteFailureKeepsState(t *testing.T) {
	st := newTestStore(t)
	project := seedProject(t, st)
	run := seedRun(t, st, project.ID, models.RunStatusRunning)

	api := &fakeAPI{cancelErr: errors.New("api down")}
	svc := NewService(st, api, nil, nil)

	_, err := svc.Cancel(context.Background(), run.ID)
	require.Error(t, err)

	stored, err := st.GetAgentRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, stored.Status)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.RunStatus
		want     bool
	}{
		{models.RunStatusPending, models.RunStatusRunning, true},
		{models.RunStatusRunning, models.RunStatusWaitingInput, true},
		{models.RunStatusWaitingInput, models.RunStatusRunning, true},
		{models.RunStatusRunning, models.RunStatusCompleted, true},
		{models.RunStatusRunning, models.RunStatusPending, false},
		{models.RunStatusCompleted, models.RunStatusRunning, false},
		{models.RunStatusFailed, models.RunStatusCompleted, false},
		{models.RunStatusCancelled, models.RunStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

// End to end against a fake agent API: create a run, poll it to completion,
// read the answer out of the result payload.
func TestServiceCreatePollScenario(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /organizations/org-1/agent/run", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": 12345, "status": "queued", "web_url": "https://app.example.com/chat/12345"}`)
	})
	mux.HandleFunc("GET /organizations/org-1/agent/run/12345", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": 12345, "status": "completed", "result": "The answer is 25"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := codegen.NewClient(codegen.Config{BaseURL: server.URL, Token: "tok", OrgID: "org-1"})

	st := newTestStore(t)
	project := seedProject(t, st)
	svc := NewService(st, client, nil, nil)

	run, err := svc.Create(context.Background(), project.ID, "what is 50/2")
	require.NoError(t, err)
	assert.Equal(t, "12345", run.ExternalID)
	assert.Equal(t, models.RunStatusPending, run.Status)

	run, err = svc.Refresh(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.True(t, strings.Contains(run.Result, "25"))
}
