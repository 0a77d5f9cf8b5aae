package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zeeeepa/codegenapp/internal/models"
)

// WebhookSink triggers validation pipelines from routed webhook events.
type WebhookSink struct {
	runner *Runner
}

func NewWebhookSink(runner *Runner) *WebhookSink {
	return &WebhookSink{runner: runner}
}

// HandlePullRequest validates the PR named in the event. Events without a
// matching project are acknowledged and dropped.
func (s *WebhookSink) HandlePullRequest(ctx context.Context, event *models.WebhookEvent) error {
	if event.ProjectID == "" {
		slog.Debug("pull_request event matches no project", "delivery", event.DeliveryID)
		return nil
	}

	number := int(gjson.Get(event.Payload, "pull_request.number").Int())
	if number == 0 {
		return fmt.Errorf("pull_request event %s carries no PR number", event.DeliveryID)
	}

	_, err := s.runner.Trigger(ctx, TriggerInput{
		ProjectID: event.ProjectID,
		PRNumber:  number,
		PRURL:     gjson.Get(event.Payload, "pull_request.html_url").String(),
	})
	return err
}

// HandlePush validates pushes to the project's default branch. Pushes to
// other refs are ignored.
func (s *WebhookSink) HandlePush(ctx context.Context, event *models.WebhookEvent) error {
	if event.ProjectID == "" {
		slog.Debug("push event matches no project", "delivery", event.DeliveryID)
		return nil
	}

	project, err := s.runner.store.GetProject(ctx, event.ProjectID)
	if err != nil {
		return err
	}
	ref := gjson.Get(event.Payload, "ref").String()
	if strings.TrimPrefix(ref, "refs/heads/") != project.DefaultBranch {
		slog.Debug("push to non-default branch ignored", "ref", ref, "project", project.Name)
		return nil
	}

	_, err = s.runner.Trigger(ctx, TriggerInput{ProjectID: event.ProjectID})
	return err
}
