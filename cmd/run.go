package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zeeeepa/codegenapp/internal/agent"
	"github.com/zeeeepa/codegenapp/internal/browser"
	"github.com/zeeeepa/codegenapp/internal/codegen"
	"github.com/zeeeepa/codegenapp/internal/models"
	"github.com/zeeeepa/codegenapp/internal/notify"
	"github.com/zeeeepa/codegenapp/internal/output"
	"github.com/zeeeepa/codegenapp/internal/slots"
	"github.com/zeeeepa/codegenapp/internal/store"
)

var (
	runStatusFilter string
	runLimit        int
	runRefresh      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage agent runs",
	Long:  "Create, inspect, resume, and cancel Codegen agent runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListRun("")
	},
}

var runCreateCmd = &cobra.Command{
	Use:   "create <project> <prompt...>",
	Short: "Start a new agent run",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCreateRun(args[0], strings.Join(args[1:], " "))
	},
}

var runListCmd = &cobra.Command{
	Use:     "list [project]",
	Aliases: []string{"ls"},
	Short:   "List agent runs",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var projectRef string
		if len(args) > 0 {
			projectRef = args[0]
		}
		return runListRun(projectRef)
	},
}

var runShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details and conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShowRun(args[0])
	},
}

var runResumeCmd = &cobra.Command{
	Use:   "resume <run-id> <message...>",
	Short: "Send a message to a run waiting for input",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResumeRun(args[0], strings.Join(args[1:], " "))
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCancelRun(args[0])
	},
}

func init() {
	runListCmd.Flags().StringVar(&runStatusFilter, "status", "", "Filter by status (pending, running, waiting_input, completed, failed, cancelled)")
	runListCmd.Flags().IntVar(&runLimit, "limit", 20, "Max runs to show")

	runShowCmd.Flags().BoolVar(&runRefresh, "refresh", false, "Poll the agent API before showing")

	runCmd.AddCommand(runCreateCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runShowCmd)
	runCmd.AddCommand(runResumeCmd)
	runCmd.AddCommand(runCancelCmd)
	rootCmd.AddCommand(runCmd)
}

// newRunService builds the agent run service from configuration. The browser
// fallback is only attached when an exported auth context is configured.
func newRunService(s store.Store) *agent.Service {
	cg := codegen.NewClient(codegen.Config{
		BaseURL: viper.GetString("codegen.api_url"),
		Token:   viper.GetString("codegen.api_token"),
		OrgID:   viper.GetString("codegen.org_id"),
	})

	var resumer agent.ChatResumer
	if authPath := viper.GetString("browser.auth_context"); authPath != "" {
		contexts := browser.NewContextStore(authPath)
		resumer = browser.NewResumer(contexts, slots.NewPool(viper.GetInt("max_concurrent")), browser.Config{
			Headless:      viper.GetBool("browser.headless"),
			ScreenshotDir: viper.GetString("browser.screenshot_dir"),
		})
	}

	return agent.NewService(s, cg, resumer, slackNotifier())
}

// slackNotifier returns the Slack notifier when a webhook URL is configured,
// nil otherwise.
func slackNotifier() notify.Notifier {
	if url := viper.GetString("slack.webhook_url"); url != "" {
		return notify.NewSlack(url)
	}
	return nil
}

func runCreateRun(projectRef, prompt string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProjectRef(ctx, s, projectRef)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would create run for %s: %s", p.Name, truncate(prompt, 60))
		return nil
	}

	run, err := newRunService(s).Create(ctx, p.ID, prompt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	ui.Success("Run created: %s (%s)", output.Cyan(shortID(run.ID)), run.Status)
	if run.WebURL != "" {
		ui.Info("Trace: %s", run.WebURL)
	}
	return nil
}

func runListRun(projectRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.RunListFilter{Limit: runLimit}
	if projectRef != "" {
		p, err := resolveProjectRef(ctx, s, projectRef)
		if err != nil {
			return err
		}
		filter.ProjectID = p.ID
	}
	if runStatusFilter != "" {
		filter.Status = models.RunStatus(runStatusFilter)
	}

	runs, err := s.ListAgentRuns(ctx, filter)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		ui.Info("No runs found.")
		return nil
	}

	projectNames := make(map[string]string)
	table := ui.Table([]string{"ID", "Project", "Status", "Progress", "Prompt", "Age"})
	for _, r := range runs {
		projName := projectNames[r.ProjectID]
		if projName == "" {
			if p, err := s.GetProject(ctx, r.ProjectID); err == nil {
				projName = p.Name
				projectNames[r.ProjectID] = projName
			}
		}

		table.Append([]string{
			shortID(r.ID),
			projName,
			output.StatusColor(string(r.Status)),
			output.ProgressColor(r.Progress),
			truncate(r.Prompt, 40),
			timeAgo(r.CreatedAt),
		})
	}
	table.Render()
	return nil
}

func runShowRun(runID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	run, err := resolveRunRef(ctx, s, runID)
	if err != nil {
		return err
	}

	if runRefresh {
		refreshed, err := newRunService(s).Refresh(ctx, run.ID)
		if err != nil {
			ui.Warning("Refresh failed: %v", err)
		} else {
			run = refreshed
		}
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(run.ID))
	if run.ExternalID != "" {
		fmt.Fprintf(ui.Out, "  External ID: %s\n", run.ExternalID)
	}
	fmt.Fprintf(ui.Out, "  Status:      %s\n", output.StatusColor(string(run.Status)))
	fmt.Fprintf(ui.Out, "  Progress:    %s\n", output.ProgressColor(run.Progress))
	if run.CurrentStep != "" {
		fmt.Fprintf(ui.Out, "  Step:        %s\n", run.CurrentStep)
	}
	if run.ResponseType != "" {
		fmt.Fprintf(ui.Out, "  Response:    %s\n", run.ResponseType)
	}
	if run.WebURL != "" {
		fmt.Fprintf(ui.Out, "  Trace:       %s\n", run.WebURL)
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(ui.Out, "  Error:       %s\n", output.Red(run.ErrorMessage))
	}
	fmt.Fprintf(ui.Out, "  Created:     %s\n", timeAgo(run.CreatedAt))
	if run.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "  Duration:    %s\n", formatDuration(run.CompletedAt.Sub(run.CreatedAt)))
	}
	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "  Prompt: %s\n", truncate(run.Prompt, 200))

	messages, err := s.ListMessages(ctx, run.ID)
	if err == nil && len(messages) > 0 {
		fmt.Fprintln(ui.Out)
		for _, m := range messages {
			who := "agent"
			if m.Type == models.MessageTypeUser {
				who = "you"
			}
			fmt.Fprintf(ui.Out, "  [%s] %s\n", who, truncate(m.Content, 120))
		}
	}

	return nil
}

func runResumeRun(runID, message string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	run, err := resolveRunRef(ctx, s, runID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would resume run %s: %s", shortID(run.ID), truncate(message, 60))
		return nil
	}

	run, err = newRunService(s).Resume(ctx, run.ID, message)
	if err != nil {
		return fmt.Errorf("resume run: %w", err)
	}

	ui.Success("Run resumed: %s (%s)", output.Cyan(shortID(run.ID)), run.Status)
	return nil
}

func runCancelRun(runID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	run, err := resolveRunRef(ctx, s, runID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would cancel run %s", shortID(run.ID))
		return nil
	}

	run, err = newRunService(s).Cancel(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}

	ui.Success("Run cancelled: %s", output.Cyan(shortID(run.ID)))
	return nil
}

// resolveRunRef finds a run by local ID or by the agent API's external ID.
func resolveRunRef(ctx context.Context, s store.Store, ref string) (*models.AgentRun, error) {
	if r, err := s.GetAgentRun(ctx, ref); err == nil {
		return r, nil
	}
	if r, err := s.GetAgentRunByExternalID(ctx, ref); err == nil {
		return r, nil
	}
	return nil, fmt.Errorf("run not found: %s", ref)
}
