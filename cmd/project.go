package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeeeepa/codegenapp/internal/models"
	"github.com/zeeeepa/codegenapp/internal/output"
	"github.com/zeeeepa/codegenapp/internal/store"
)

var (
	projectName        string
	projectBranch      string
	projectWebhookURL  string
	projectOrg         string
	projectAutoMerge   bool
	projectAutoConfirm bool
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage tracked projects",
	Long:  "Add, remove, list, and show repositories tracked by the dashboard.",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <repo-url>",
	Short: "Add a repository to tracking",
	Long:  "Add a GitHub repository to dashboard tracking. The project name defaults to the repository name.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAddRun(args[0])
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:     "remove <name-or-id>",
	Aliases: []string{"rm"},
	Short:   "Remove a project from tracking",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectRemoveRun(args[0])
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tracked projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun()
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <name-or-id>",
	Short: "Show detailed project information",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectShowRun(args[0])
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Override project name (default: repository name)")
	projectAddCmd.Flags().StringVar(&projectBranch, "branch", "main", "Default branch")
	projectAddCmd.Flags().StringVar(&projectWebhookURL, "webhook-url", "", "Webhook URL registered on the repository")
	projectAddCmd.Flags().StringVar(&projectOrg, "org", "", "Agent API organization (default: the configured codegen.org_id)")
	projectAddCmd.Flags().BoolVar(&projectAutoMerge, "auto-merge", false, "Merge PRs automatically when validation passes")
	projectAddCmd.Flags().BoolVar(&projectAutoConfirm, "auto-confirm", false, "Confirm agent plans automatically")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	rootCmd.AddCommand(projectCmd)
}

func projectAddRun(repoURL string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	name := projectName
	if name == "" {
		name = repoName(repoURL)
	}
	if name == "" {
		return fmt.Errorf("cannot derive a project name from %q, use --name", repoURL)
	}

	p := &models.Project{
		Name:            name,
		RepoURL:         repoURL,
		WebhookURL:      projectWebhookURL,
		OrgID:           projectOrg,
		DefaultBranch:   projectBranch,
		AutoMerge:       projectAutoMerge,
		AutoConfirmPlan: projectAutoConfirm,
	}

	if dryRun {
		ui.DryRunMsg("Would add project: %s (%s)", name, repoURL)
		return nil
	}

	if err := s.CreateProject(context.Background(), p); err != nil {
		return fmt.Errorf("add project: %w", err)
	}

	ui.Success("Added project: %s (%s)", output.Cyan(name), repoURL)
	ui.VerboseLog("ID: %s", p.ID)
	ui.VerboseLog("Branch: %s", p.DefaultBranch)
	return nil
}

func projectRemoveRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProjectRef(ctx, s, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove project: %s", p.Name)
		return nil
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		return fmt.Errorf("remove project: %w", err)
	}

	ui.Success("Removed project: %s", output.Cyan(p.Name))
	return nil
}

func projectListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projects, err := s.ListProjects(ctx)
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		ui.Info("No projects tracked. Use 'codegenapp project add <repo-url>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Name", "Repository", "Branch", "Auto-merge", "Active Runs"})
	for _, p := range projects {
		runs, _ := s.ListAgentRuns(ctx, store.RunListFilter{ProjectID: p.ID})
		active := 0
		for _, r := range runs {
			switch r.Status {
			case models.RunStatusPending, models.RunStatusRunning, models.RunStatusWaitingInput:
				active++
			}
		}

		table.Append([]string{
			output.Cyan(p.Name),
			p.RepoURL,
			p.DefaultBranch,
			yesNo(p.AutoMerge),
			fmt.Sprintf("%d", active),
		})
	}
	table.Render()
	return nil
}

func projectShowRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProjectRef(ctx, s, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.Name))
	fmt.Fprintf(ui.Out, "  ID:           %s\n", p.ID)
	fmt.Fprintf(ui.Out, "  Repository:   %s\n", p.RepoURL)
	fmt.Fprintf(ui.Out, "  Branch:       %s\n", p.DefaultBranch)
	if p.WebhookURL != "" {
		fmt.Fprintf(ui.Out, "  Webhook:      %s\n", p.WebhookURL)
	}
	if p.OrgID != "" {
		fmt.Fprintf(ui.Out, "  Org:          %s\n", p.OrgID)
	}
	fmt.Fprintf(ui.Out, "  Auto-merge:   %s\n", yesNo(p.AutoMerge))
	fmt.Fprintf(ui.Out, "  Auto-confirm: %s\n", yesNo(p.AutoConfirmPlan))
	fmt.Fprintf(ui.Out, "  Added:        %s\n", timeAgo(p.CreatedAt))

	runs, err := s.ListAgentRuns(ctx, store.RunListFilter{ProjectID: p.ID, Limit: 5})
	if err == nil && len(runs) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Recent runs:\n")
		for _, r := range runs {
			fmt.Fprintf(ui.Out, "    %s  %s  %s  %s\n",
				shortID(r.ID),
				output.StatusColor(string(r.Status)),
				output.ProgressColor(r.Progress),
				truncate(r.Prompt, 50),
			)
		}
	}

	pipelines, err := s.ListPipelines(ctx, store.PipelineListFilter{ProjectID: p.ID, Limit: 5})
	if err == nil && len(pipelines) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Recent pipelines:\n")
		for _, vp := range pipelines {
			fmt.Fprintf(ui.Out, "    %s  PR #%d  %s  %s\n",
				shortID(vp.ID),
				vp.PRNumber,
				output.StatusColor(string(vp.Status)),
				timeAgo(vp.CreatedAt),
			)
		}
	}

	return nil
}

// resolveProjectRef finds a project by name or ID.
func resolveProjectRef(ctx context.Context, s store.Store, ref string) (*models.Project, error) {
	if p, err := s.GetProjectByName(ctx, ref); err == nil {
		return p, nil
	}
	if p, err := s.GetProject(ctx, ref); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("project not found: %s", ref)
}

// repoName derives a project name from a repository URL.
func repoName(repoURL string) string {
	s := strings.TrimSuffix(repoURL, "/")
	s = strings.TrimSuffix(s, ".git")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "<1m"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
