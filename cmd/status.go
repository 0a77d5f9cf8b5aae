package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeeeepa/codegenapp/internal/health"
	"github.com/zeeeepa/codegenapp/internal/output"
	"github.com/zeeeepa/codegenapp/internal/store"
)

var statusWaiting bool

var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show cross-project status dashboard",
	Long: `Show a cross-project overview of agent runs and validation pipelines,
or detailed status for one project.

Without arguments, shows a summary table of all tracked projects.
With a project name, shows detailed status for that project.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return projectShowRun(args[0]) // reuse project show for detail
		}
		return statusOverviewRun()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusWaiting, "waiting", false, "Show only projects with runs waiting for input")
	rootCmd.AddCommand(statusCmd)
}

func statusOverviewRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if pid, running := pidFile().IsRunning(); running {
		ui.Info("Server: %s (pid %d)", output.Green("running"), pid)
	} else {
		ui.Info("Server: not running")
	}
	fmt.Fprintln(ui.Out)

	projects, err := s.ListProjects(ctx)
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		ui.Info("No projects tracked. Use 'codegenapp project add <repo-url>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Project", "Active Runs", "Waiting", "Pipelines", "Pass Rate", "Activity"})

	for _, p := range projects {
		runs, _ := s.ListAgentRuns(ctx, store.RunListFilter{ProjectID: p.ID})
		pipelines, _ := s.ListPipelines(ctx, store.PipelineListFilter{ProjectID: p.ID})

		snap := health.Compute(runs, pipelines)

		if statusWaiting && snap.WaitingRuns == 0 {
			continue
		}

		waitingStr := "-"
		if snap.WaitingRuns > 0 {
			waitingStr = output.Yellow(fmt.Sprintf("%d", snap.WaitingRuns))
		}
		passRate := "-"
		if snap.TotalPipelines > 0 {
			passRate = output.ProgressColor(snap.PipelinePassRate)
		}
		activity := "n/a"
		if !snap.LastActivity.IsZero() {
			activity = timeAgo(snap.LastActivity)
		}

		table.Append([]string{
			output.Cyan(p.Name),
			fmt.Sprintf("%d", snap.ActiveRuns),
			waitingStr,
			fmt.Sprintf("%d running", snap.RunningPipelines),
			passRate,
			activity,
		})
	}

	table.Render()
	return nil
}
