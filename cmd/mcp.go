package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zeeeepa/codegenapp/internal/agent"
	"github.com/zeeeepa/codegenapp/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This allows Claude Code to query the dashboard natively for projects,
agent runs, and validation pipelines. Configure in Claude Code with:

  {
    "mcpServers": {
      "codegenapp": { "command": "codegenapp", "args": ["mcp"] }
    }
  }

Available tools: codegenapp_list_projects, codegenapp_list_runs,
codegenapp_run_status, codegenapp_create_run, codegenapp_resume_run,
codegenapp_cancel_run, codegenapp_list_pipelines`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		// Without an API token the run tools degrade to read-only.
		var runs *agent.Service
		if viper.GetString("codegen.api_token") != "" {
			runs = newRunService(s)
		}

		srv := mcp.NewServer(s, runs)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
