package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zeeeepa/codegenapp/internal/output"
	"github.com/zeeeepa/codegenapp/internal/pipeline"
	"github.com/zeeeepa/codegenapp/internal/webhook"
)

var (
	webhookPending bool
	webhookLimit   int
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Inspect and replay received GitHub webhook events",
}

var webhookEventsCmd = &cobra.Command{
	Use:     "events",
	Aliases: []string{"ls"},
	Short:   "List received webhook events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return webhookEventsRun()
	},
}

var webhookReplayCmd = &cobra.Command{
	Use:   "replay <event-id>",
	Short: "Re-process a stored webhook event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return webhookReplayRun(args[0])
	},
}

func init() {
	webhookEventsCmd.Flags().BoolVar(&webhookPending, "pending", false, "Show only unprocessed events")
	webhookEventsCmd.Flags().IntVar(&webhookLimit, "limit", 20, "Max events to show")

	webhookCmd.AddCommand(webhookEventsCmd)
	webhookCmd.AddCommand(webhookReplayCmd)
	rootCmd.AddCommand(webhookCmd)
}

func webhookEventsRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var processed *bool
	if webhookPending {
		f := false
		processed = &f
	}

	events, err := s.ListWebhookEvents(ctx, processed, webhookLimit)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		ui.Info("No webhook events recorded.")
		return nil
	}

	projectNames := make(map[string]string)
	table := ui.Table([]string{"ID", "Event", "Action", "Project", "Processed", "Received"})
	for _, e := range events {
		projName := "-"
		if e.ProjectID != "" {
			projName = projectNames[e.ProjectID]
			if projName == "" {
				if p, err := s.GetProject(ctx, e.ProjectID); err == nil {
					projName = p.Name
					projectNames[e.ProjectID] = projName
				}
			}
		}

		table.Append([]string{
			shortID(e.ID),
			e.EventType,
			e.Action,
			projName,
			yesNo(e.Processed),
			timeAgo(e.ReceivedAt),
		})
	}
	table.Render()
	return nil
}

func webhookReplayRun(eventID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	event, err := s.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("event not found: %s", eventID)
	}

	if dryRun {
		ui.DryRunMsg("Would replay %s event %s", event.EventType, shortID(event.ID))
		return nil
	}

	runner, err := newPipelineRunner(s)
	if err != nil {
		return err
	}

	ingress, err := webhook.NewIngress(viper.GetString("webhook.secret"), s, 0)
	if err != nil {
		return fmt.Errorf("webhook ingress: %w", err)
	}
	ingress.AddSink(pipeline.NewWebhookSink(runner))

	if err := ingress.Replay(ctx, event.ID); err != nil {
		return fmt.Errorf("replay event: %w", err)
	}

	ui.Success("Replayed %s event %s", event.EventType, output.Cyan(shortID(event.ID)))
	return nil
}
