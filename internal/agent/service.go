package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeeeepa/codegenapp/internal/codegen"
	"github.com/zeeeepa/codegenapp/internal/models"
	"github.com/zeeeepa/codegenapp/internal/notify"
	"github.com/zeeeepa/codegenapp/internal/store"
)

// RunAPI is the subset of the agent API client the service needs. An empty
// org selects the client's configured organization.
type RunAPI interface {
	CreateRun(ctx context.Context, org, prompt string) (*codegen.RunInfo, error)
	GetRun(ctx context.Context, org, externalID string) (*codegen.RunInfo, error)
	ResumeRun(ctx context.Context, org, externalID, message string) (*codegen.RunInfo, error)
	CancelRun(ctx context.Context, org, externalID string) error
}

// ChatResumer delivers a resume message through the web chat UI when no
// HTTP resume endpoint accepts it.
type ChatResumer interface {
	Resume(ctx context.Context, chatURL, message string) error
}

// Service owns the agent run lifecycle: create, refresh, resume, cancel.
type Service struct {
	store    store.Store
	api      RunAPI
	resumer  ChatResumer // nil disables the browser fallback
	notifier notify.Notifier
}

func NewService(st store.Store, api RunAPI, resumer ChatResumer, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{store: st, api: api, resumer: resumer, notifier: notifier}
}

// Create starts a remote run and persists the local record. A failed API
// call persists nothing.
func (s *Service) Create(ctx context.Context, projectID, prompt string) (*models.AgentRun, error) {
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	info, err := s.api.CreateRun(ctx, project.OrgID, prompt)
	if err != nil {
		return nil, err
	}

	run := &models.AgentRun{
		ExternalID: info.ID,
		ProjectID:  project.ID,
		Prompt:     prompt,
		Status:     models.RunStatusPending,
		WebURL:     info.WebURL,
	}
	if err := s.store.CreateAgentRun(ctx, run); err != nil {
		return nil, err
	}

	if err := s.appendMessage(ctx, run.ID, models.MessageTypeSystem, "run created"); err != nil {
		slog.Warn("append run-created message", "run", run.ID, "error", err)
	}
	return run, nil
}

// Refresh fetches the remote state of a run and reconciles the local row.
// Terminal runs are returned as-is without a remote call.
func (s *Service) Refresh(ctx context.Context, runID string) (*models.AgentRun, error) {
	run, err := s.store.GetAgentRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if isTerminal(run.Status) || run.ExternalID == "" {
		return run, nil
	}

	info, err := s.api.GetRun(ctx, s.orgFor(ctx, run.ProjectID), run.ExternalID)
	if err != nil {
		return run, err
	}

	prior := run.Status
	s.reconcile(run, info)
	if err := s.store.UpdateAgentRun(ctx, run); err != nil {
		return nil, err
	}

	if run.Status != prior {
		s.notifyTransition(ctx, run)
	}
	return run, nil
}

// Resume sends a follow-up message to a paused run. On success the run moves
// waiting_input -> running; on failure it stays put with the error recorded.
// When every HTTP resume endpoint 404s, the browser fallback is tried.
func (s *Service) Resume(ctx context.Context, runID, message string) (*models.AgentRun, error) {
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}
	run, err := s.store.GetAgentRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunStatusWaitingInput && run.Status != models.RunStatusRunning {
		return nil, fmt.Errorf("run %s is %s, only waiting_input or running runs accept a resume", runID, run.Status)
	}

	if err := s.appendMessage(ctx, run.ID, models.MessageTypeUser, message); err != nil {
		return nil, err
	}
	run.RetryCount++

	info, err := s.api.ResumeRun(ctx, s.orgFor(ctx, run.ProjectID), run.ExternalID, message)
	if err != nil {
		var probeErr *codegen.ResumeEndpointError
		if errors.As(err, &probeErr) && s.resumer != nil && run.WebURL != "" {
			slog.Info("no resume endpoint reachable, falling back to browser", "run", run.ID)
			err = s.resumer.Resume(ctx, run.WebURL, message)
			info = nil
		}
	}
	if err != nil {
		run.ErrorMessage = err.Error()
		if uerr := s.store.UpdateAgentRun(ctx, run); uerr != nil {
			return nil, uerr
		}
		return run, err
	}

	run.ErrorMessage = ""
	if run.Status == models.RunStatusWaitingInput {
		run.Status = models.RunStatusRunning
	}
	if info != nil {
		s.reconcile(run, info)
	}
	if err := s.store.UpdateAgentRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Cancel requests remote cancellation and, on success, marks the run
// cancelled. Terminal runs are left untouched.
func (s *Service) Cancel(ctx context.Context, runID string) (*models.AgentRun, error) {
	run, err := s.store.GetAgentRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if isTerminal(run.Status) {
		return run, nil
	}

	if run.ExternalID != "" {
		if err := s.api.CancelRun(ctx, s.orgFor(ctx, run.ProjectID), run.ExternalID); err != nil {
			return nil, err
		}
	}

	run.Status = models.RunStatusCancelled
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := s.store.UpdateAgentRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// orgFor looks up the org override on a run's project. A failed lookup
// returns "" so the client default applies.
func (s *Service) orgFor(ctx context.Context, projectID string) string {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return ""
	}
	return project.OrgID
}

// reconcile folds remote state into the local row, refusing status
// regressions. The waiting_input <-> running pair may flip either way; no
// run leaves a terminal status or returns to pending.
func (s *Service) reconcile(run *models.AgentRun, info *codegen.RunInfo) {
	if canTransition(run.Status, info.Status) {
		run.Status = info.Status
	}
	if info.Progress > 0 {
		run.Progress = info.Progress
	}
	if info.CurrentStep != "" {
		run.CurrentStep = info.CurrentStep
	}
	if info.WebURL != "" {
		run.WebURL = info.WebURL
	}
	if info.Result != nil {
		run.Result = info.Result.Raw
		run.ResponseType = info.Result.Kind
	}
	if isTerminal(run.Status) {
		run.Progress = 100
		if run.CompletedAt == nil {
			now := time.Now().UTC()
			run.CompletedAt = &now
		}
	}
}

func (s *Service) notifyTransition(ctx context.Context, run *models.AgentRun) {
	switch run.Status {
	case models.RunStatusFailed:
		_ = s.notifier.Send(ctx, notify.Notification{
			Title:    "agent run failed",
			Message:  run.ErrorMessage,
			Severity: notify.SeverityError,
			RunID:    run.ID,
		})
	case models.RunStatusWaitingInput:
		_ = s.notifier.Send(ctx, notify.Notification{
			Title:    "agent run waiting for input",
			Message:  fmt.Sprintf("run %s paused, resume it with a follow-up message", run.ID),
			Severity: notify.SeverityWarning,
			RunID:    run.ID,
		})
	case models.RunStatusCompleted:
		_ = s.notifier.Send(ctx, notify.Notification{
			Title:    "agent run completed",
			Message:  run.CurrentStep,
			Severity: notify.SeveritySuccess,
			RunID:    run.ID,
		})
	}
}

func (s *Service) appendMessage(ctx context.Context, runID string, typ models.MessageType, content string) error {
	return s.store.CreateMessage(ctx, &models.Message{
		RunID:   runID,
		Type:    typ,
		Content: content,
	})
}

func isTerminal(status models.RunStatus) bool {
	switch status {
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
		return true
	}
	return false
}

// canTransition enforces monotonic status movement. The one legal backward
// edge is waiting_input -> running (resume); pending is never re-entered and
// terminal states never change.
func canTransition(from, to models.RunStatus) bool {
	if from == to {
		return false
	}
	if isTerminal(from) {
		return false
	}
	if to == models.RunStatusPending {
		return false
	}
	return true
}
