package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zeeeepa/codegenapp/internal/github"
	"github.com/zeeeepa/codegenapp/internal/llm"
	"github.com/zeeeepa/codegenapp/internal/models"
	"github.com/zeeeepa/codegenapp/internal/output"
	"github.com/zeeeepa/codegenapp/internal/pipeline"
	"github.com/zeeeepa/codegenapp/internal/slots"
	"github.com/zeeeepa/codegenapp/internal/store"
)

var (
	pipelineStatusFilter string
	pipelinePR           int
	pipelineLimit        int
	pipelinePRURL        string
	pipelineRunID        string
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Manage validation pipelines",
	Long:  "List, inspect, trigger, and cancel PR validation pipelines.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pipelineListRun("")
	},
}

var pipelineListCmd = &cobra.Command{
	Use:     "list [project]",
	Aliases: []string{"ls"},
	Short:   "List validation pipelines",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var projectRef string
		if len(args) > 0 {
			projectRef = args[0]
		}
		return pipelineListRun(projectRef)
	},
}

var pipelineShowCmd = &cobra.Command{
	Use:   "show <pipeline-id>",
	Short: "Show pipeline details with per-step results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pipelineShowRun(args[0])
	},
}

var pipelineTriggerCmd = &cobra.Command{
	Use:   "trigger <project>",
	Short: "Run validation against a pull request",
	Long:  "Create a validation pipeline for the given PR and run it to completion in the foreground.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pipelineTriggerRun(args[0])
	},
}

var pipelineCancelCmd = &cobra.Command{
	Use:   "cancel <pipeline-id>",
	Short: "Cancel a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pipelineCancelRun(args[0])
	},
}

func init() {
	pipelineListCmd.Flags().StringVar(&pipelineStatusFilter, "status", "", "Filter by status (pending, running, passed, failed, cancelled)")
	pipelineListCmd.Flags().IntVar(&pipelineLimit, "limit", 20, "Max pipelines to show")

	pipelineTriggerCmd.Flags().IntVar(&pipelinePR, "pr", 0, "Pull request number (required)")
	pipelineTriggerCmd.Flags().StringVar(&pipelinePRURL, "pr-url", "", "Pull request URL")
	pipelineTriggerCmd.Flags().StringVar(&pipelineRunID, "run", "", "Agent run that opened the PR")
	_ = pipelineTriggerCmd.MarkFlagRequired("pr")

	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineShowCmd)
	pipelineCmd.AddCommand(pipelineTriggerCmd)
	pipelineCmd.AddCommand(pipelineCancelCmd)
	rootCmd.AddCommand(pipelineCmd)
}

// newPipelineRunner builds the validation runner from configuration, the same
// wiring the server uses minus the WebSocket hub.
func newPipelineRunner(s store.Store) (*pipeline.Runner, error) {
	gh := github.NewClient(github.Config{
		BaseURL: viper.GetString("github.api_url"),
		Token:   viper.GetString("github.token"),
	})

	var analyzer pipeline.Analyzer
	if key := viper.GetString("anthropic.api_key"); key != "" {
		analyzer = pipeline.NewLLMAnalyzer(llm.NewClient(key, viper.GetString("anthropic.model")))
	}

	pcfg := pipeline.DefaultConfig()
	if path := viper.GetString("pipeline.config"); path != "" {
		var err error
		pcfg, err = pipeline.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("load pipeline config: %w", err)
		}
	}

	deps := pipelineDeps(pcfg, analyzer, gh, slots.NewPool(viper.GetInt("max_concurrent")))
	steps, err := pipeline.BuildSteps(pcfg, deps)
	if err != nil {
		return nil, fmt.Errorf("build pipeline steps: %w", err)
	}

	return pipeline.NewRunner(s, gh, slackNotifier(), steps), nil
}

// pipelineDeps resolves the collaborator endpoints. URLs in the step config
// file win over the viper keys.
func pipelineDeps(pcfg pipeline.Config, analyzer pipeline.Analyzer, gh *github.Client, pool *slots.Pool) pipeline.Deps {
	deps := pipeline.Deps{Analyzer: analyzer, GitHub: gh}

	sandboxURL := pcfg.SandboxURL
	if sandboxURL == "" {
		sandboxURL = viper.GetString("pipeline.sandbox_url")
	}
	if sandboxURL != "" {
		deps.Sandbox = pipeline.NewHTTPSandbox(sandboxURL, 0)
	}

	buildURL := pcfg.BuildURL
	if buildURL == "" {
		buildURL = viper.GetString("pipeline.build_url")
	}
	if buildURL != "" {
		deps.Builder = pipeline.NewHTTPBuilder(buildURL, 0)
	}

	evalURL := pcfg.EvalURL
	if evalURL == "" {
		evalURL = viper.GetString("pipeline.eval_url")
	}
	if evalURL != "" {
		deps.Evaluator = pipeline.NewHTTPEvaluator(evalURL, 0, pool)
	}

	return deps
}

func pipelineListRun(projectRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.PipelineListFilter{Limit: pipelineLimit}
	if projectRef != "" {
		p, err := resolveProjectRef(ctx, s, projectRef)
		if err != nil {
			return err
		}
		filter.ProjectID = p.ID
	}
	if pipelineStatusFilter != "" {
		filter.Status = models.PipelineStatus(pipelineStatusFilter)
	}

	pipelines, err := s.ListPipelines(ctx, filter)
	if err != nil {
		return err
	}

	if len(pipelines) == 0 {
		ui.Info("No pipelines found.")
		return nil
	}

	projectNames := make(map[string]string)
	table := ui.Table([]string{"ID", "Project", "PR", "Status", "Steps", "Age"})
	for _, vp := range pipelines {
		projName := projectNames[vp.ProjectID]
		if projName == "" {
			if p, err := s.GetProject(ctx, vp.ProjectID); err == nil {
				projName = p.Name
				projectNames[vp.ProjectID] = projName
			}
		}

		table.Append([]string{
			shortID(vp.ID),
			projName,
			fmt.Sprintf("#%d", vp.PRNumber),
			output.StatusColor(string(vp.Status)),
			stepSummary(vp.Steps),
			timeAgo(vp.CreatedAt),
		})
	}
	table.Render()
	return nil
}

func pipelineShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	vp, err := s.GetPipeline(ctx, id)
	if err != nil {
		return fmt.Errorf("pipeline not found: %s", id)
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(vp.ID))
	fmt.Fprintf(ui.Out, "  PR:         #%d\n", vp.PRNumber)
	if vp.PRURL != "" {
		fmt.Fprintf(ui.Out, "  URL:        %s\n", vp.PRURL)
	}
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(vp.Status)))
	if vp.RunID != "" {
		fmt.Fprintf(ui.Out, "  Run:        %s\n", shortID(vp.RunID))
	}
	if vp.DeploymentURL != "" {
		fmt.Fprintf(ui.Out, "  Deployment: %s\n", vp.DeploymentURL)
	}
	if vp.RetryCount > 0 {
		fmt.Fprintf(ui.Out, "  Retries:    %d\n", vp.RetryCount)
	}
	if vp.ErrorMessage != "" {
		fmt.Fprintf(ui.Out, "  Error:      %s\n", output.Red(vp.ErrorMessage))
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", timeAgo(vp.CreatedAt))
	if vp.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "  Duration:   %s\n", formatDuration(vp.CompletedAt.Sub(vp.CreatedAt)))
	}

	if len(vp.Steps) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Step", "Status", "Attempts", "Detail"})
		for _, sr := range vp.Steps {
			detail := sr.Error
			if detail == "" {
				detail = sr.Output
			}
			table.Append([]string{
				sr.Name,
				output.StatusColor(string(sr.Status)),
				fmt.Sprintf("%d", sr.Attempts),
				truncate(detail, 60),
			})
		}
		table.Render()
	}

	return nil
}

func pipelineTriggerRun(projectRef string) error {
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
		ui.DryRunMsg("Would validate PR #%d of %s", pipelinePR, p.Name)
		return nil
	}

	runner, err := newPipelineRunner(s)
	if err != nil {
		return err
	}

	ui.Info("Validating PR #%d of %s", pipelinePR, output.Cyan(p.Name))
	vp, err := runner.Trigger(ctx, pipeline.TriggerInput{
		ProjectID: p.ID,
		RunID:     pipelineRunID,
		PRNumber:  pipelinePR,
		PRURL:     pipelinePRURL,
	})
	if err != nil {
		return fmt.Errorf("trigger pipeline: %w", err)
	}

	switch vp.Status {
	case models.PipelineStatusPassed:
		ui.Success("Validation passed: %s", shortID(vp.ID))
	case models.PipelineStatusFailed:
		ui.Error("Validation failed: %s", shortID(vp.ID))
		if vp.ErrorMessage != "" {
			ui.Error("%s", vp.ErrorMessage)
		}
	default:
		ui.Info("Pipeline finished: %s (%s)", shortID(vp.ID), vp.Status)
	}

	for _, sr := range vp.Steps {
		ui.VerboseLog("%s: %s (%d attempts)", sr.Name, sr.Status, sr.Attempts)
	}
	return nil
}

func pipelineCancelRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		ui.DryRunMsg("Would cancel pipeline %s", shortID(id))
		return nil
	}

	runner, err := newPipelineRunner(s)
	if err != nil {
		return err
	}

	vp, err := runner.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel pipeline: %w", err)
	}

	ui.Success("Pipeline cancelled: %s", output.Cyan(shortID(vp.ID)))
	return nil
}

// stepSummary compresses step results into a passed/total count.
func stepSummary(steps []models.StepResult) string {
	passed := 0
	for _, sr := range steps {
		if sr.Status == models.StepStatusPassed {
			passed++
		}
	}
	return fmt.Sprintf("%d/%d", passed, len(steps))
}
