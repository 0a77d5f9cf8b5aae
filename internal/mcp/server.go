package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zeeeepa/codegenapp/internal/agent"
	"github.com/zeeeepa/codegenapp/internal/models"
	"github.com/zeeeepa/codegenapp/internal/store"
)

// Server wraps the dashboard data layer and exposes it as MCP tools.
type Server struct {
	store store.Store
	runs  *agent.Service
}

// NewServer creates the MCP server wrapper.
// The runs service may be nil when no agent API token is configured; tools
// that talk to the agent API report that instead of failing.
func NewServer(s store.Store, runs *agent.Service) *Server {
	return &Server{store: s, runs: runs}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("codegenapp", "1.0.0", server.WithToolCapabilities(true))

	// Register all tools
	srv.AddTool(s.listProjectsTool())
	srv.AddTool(s.listRunsTool())
	srv.AddTool(s.runStatusTool())
	srv.AddTool(s.createRunTool())
	srv.AddTool(s.resumeRunTool())
	srv.AddTool(s.cancelRunTool())
	srv.AddTool(s.listPipelinesTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// codegenapp_list_projects
func (s *Server) listProjectsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("codegenapp_list_projects",
		mcp.WithDescription("List all tracked projects. Returns a JSON array of projects with id, name, repo_url, default_branch, and merge settings."),
	)
	return tool, s.handleListProjects
}

func (s *Server) handleListProjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}

	type projectOut struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		RepoURL         string `json:"repo_url"`
		OrgID           string `json:"org_id,omitempty"`
		DefaultBranch   string `json:"default_branch"`
		AutoMerge       bool   `json:"auto_merge"`
		AutoConfirmPlan bool   `json:"auto_confirm_plan"`
	}

	out := make([]projectOut, len(projects))
	for i, p := range projects {
		out[i] = projectOut{
			ID:              p.ID,
			Name:            p.Name,
			RepoURL:         p.RepoURL,
			OrgID:           p.OrgID,
			DefaultBranch:   p.DefaultBranch,
			AutoMerge:       p.AutoMerge,
			AutoConfirmPlan: p.AutoConfirmPlan,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal projects: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// codegenapp_list_runs
func (s *Server) listRunsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("codegenapp_list_runs",
		mcp.WithDescription("List agent runs, optionally filtered by project and/or status. Returns a JSON array of runs with id, status (pending/running/waiting_input/completed/failed/cancelled), progress, and the last error if any."),
		mcp.WithString("project", mcp.Description("Project name or id to filter by")),
		mcp.WithString("status", mcp.Description("Status filter: pending, running, waiting_input, completed, failed, cancelled")),
		mcp.WithString("limit", mcp.Description("Maximum number of runs to return")),
	)
	return tool, s.handleListRuns
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunListFilter{}

	projectName := request.GetString("project", "")
	if projectName != "" {
		p, err := s.resolveProject(ctx, projectName)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", projectName)), nil
		}
		filter.ProjectID = p.ID
	}
	if status := request.GetString("status", ""); status != "" {
		filter.Status = models.RunStatus(status)
	}
	if limit := request.GetString("limit", ""); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid limit: %s", limit)), nil
		}
		filter.Limit = n
	}

	runs, err := s.store.ListAgentRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}

	type runOut struct {
		ID           string `json:"id"`
		ProjectID    string `json:"project_id"`
		Status       string `json:"status"`
		Prompt       string `json:"prompt"`
		Progress     int    `json:"progress"`
		CurrentStep  string `json:"current_step,omitempty"`
		WebURL       string `json:"web_url,omitempty"`
		ErrorMessage string `json:"error_message,omitempty"`
		CreatedAt    string `json:"created_at"`
		UpdatedAt    string `json:"updated_at"`
	}

	out := make([]runOut, len(runs))
	for i, run := range runs {
		out[i] = runOut{
			ID:           run.ID,
			ProjectID:    run.ProjectID,
			Status:       string(run.Status),
			Prompt:       run.Prompt,
			Progress:     run.Progress,
			CurrentStep:  run.CurrentStep,
			WebURL:       run.WebURL,
			ErrorMessage: run.ErrorMessage,
			CreatedAt:    run.CreatedAt.Format(time.RFC3339),
			UpdatedAt:    run.UpdatedAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal runs: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// codegenapp_run_status
func (s *Server) runStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("codegenapp_run_status",
		mcp.WithDescription("Get the full status of one agent run, including progress, result payload, and error details. Accepts the local run id or the agent API id."),
		mcp.WithString("run", mcp.Required(), mcp.Description("Run id")),
		mcp.WithString("refresh", mcp.Description("Set to \"true\" to poll the agent API before answering")),
	)
	return tool, s.handleRunStatus
}

func (s *Server) handleRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: run"), nil
	}

	run, err := s.resolveRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
	}

	if request.GetString("refresh", "") == "true" {
		if s.runs == nil {
			return mcp.NewToolResultError("agent service not configured"), nil
		}
		refreshed, err := s.runs.Refresh(ctx, run.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to refresh run: %v", err)), nil
		}
		run = refreshed
	}

	result := map[string]any{
		"id":            run.ID,
		"external_id":   run.ExternalID,
		"project_id":    run.ProjectID,
		"status":        string(run.Status),
		"response_type": string(run.ResponseType),
		"result":        run.Result,
		"progress":      run.Progress,
		"current_step":  run.CurrentStep,
		"web_url":       run.WebURL,
		"error_message": run.ErrorMessage,
		"retry_count":   run.RetryCount,
		"created_at":    run.CreatedAt.Format(time.RFC3339),
		"updated_at":    run.UpdatedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		result["completed_at"] = run.CompletedAt.Format(time.RFC3339)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal run: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// codegenapp_create_run
func (s *Server) createRunTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("codegenapp_create_run",
		mcp.WithDescription("Start a new agent run against a project with the given prompt. Returns the created run as JSON."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or id")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Instruction for the agent")),
	)
	return tool, s.handleCreateRun
}

func (s *Server) handleCreateRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectName, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt"), nil
	}
	if s.runs == nil {
		return mcp.NewToolResultError("agent service not configured"), nil
	}

	p, err := s.resolveProject(ctx, projectName)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", projectName)), nil
	}

	run, err := s.runs.Create(ctx, p.ID, prompt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create run: %v", err)), nil
	}

	result := map[string]any{
		"id":          run.ID,
		"external_id": run.ExternalID,
		"project":     p.Name,
		"status":      string(run.Status),
		"web_url":     run.WebURL,
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal run: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// codegenapp_resume_run
func (s *Server) resumeRunTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("codegenapp_resume_run",
		mcp.WithDescription("Send a follow-up message to a run that is waiting for input (or still running). Returns the updated run as JSON."),
		mcp.WithString("run", mcp.Required(), mcp.Description("Run id")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Follow-up instruction for the agent")),
	)
	return tool, s.handleResumeRun
}

func (s *Server) handleResumeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: run"), nil
	}
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: message"), nil
	}
	if s.runs == nil {
		return mcp.NewToolResultError("agent service not configured"), nil
	}

	run, err := s.resolveRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
	}

	resumed, err := s.runs.Resume(ctx, run.ID, message)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resume run: %v", err)), nil
	}

	result := map[string]any{
		"id":     resumed.ID,
		"status": string(resumed.Status),
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal run: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// codegenapp_cancel_run
func (s *Server) cancelRunTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("codegenapp_cancel_run",
		mcp.WithDescription("Cancel an agent run. Already finished runs are left untouched."),
		mcp.WithString("run", mcp.Required(), mcp.Description("Run id")),
	)
	return tool, s.handleCancelRun
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: run"), nil
	}
	if s.runs == nil {
		return mcp.NewToolResultError("agent service not configured"), nil
	}

	run, err := s.resolveRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
	}

	cancelled, err := s.runs.Cancel(ctx, run.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel run: %v", err)), nil
	}

	result := map[string]any{
		"id":     cancelled.ID,
		"status": string(cancelled.Status),
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal run: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// codegenapp_list_pipelines
func (s *Server) listPipelinesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("codegenapp_list_pipelines",
		mcp.WithDescription("List validation pipelines, optionally filtered by project, status, and/or PR number. Returns a JSON array with per-step results."),
		mcp.WithString("project", mcp.Description("Project name or id to filter by")),
		mcp.WithString("status", mcp.Description("Status filter: pending, running, passed, failed, cancelled")),
		mcp.WithString("pr", mcp.Description("Pull request number to filter by")),
	)
	return tool, s.handleListPipelines
}

func (s *Server) handleListPipelines(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.PipelineListFilter{}

	projectName := request.GetString("project", "")
	if projectName != "" {
		p, err := s.resolveProject(ctx, projectName)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", projectName)), nil
		}
		filter.ProjectID = p.ID
	}
	if status := request.GetString("status", ""); status != "" {
		filter.Status = models.PipelineStatus(status)
	}
	if pr := request.GetString("pr", ""); pr != "" {
		n, err := strconv.Atoi(pr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid pr number: %s", pr)), nil
		}
		filter.PRNumber = n
	}

	pipelines, err := s.store.ListPipelines(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list pipelines: %v", err)), nil
	}

	type stepOut struct {
		Name     string `json:"name"`
		Status   string `json:"status"`
		Attempts int    `json:"attempts"`
		Output   string `json:"output,omitempty"`
		Error    string `json:"error,omitempty"`
	}
	type pipelineOut struct {
		ID            string    `json:"id"`
		ProjectID     string    `json:"project_id"`
		RunID         string    `json:"run_id,omitempty"`
		PRNumber      int       `json:"pr_number"`
		PRURL         string    `json:"pr_url,omitempty"`
		Status        string    `json:"status"`
		Steps         []stepOut `json:"steps"`
		DeploymentURL string    `json:"deployment_url,omitempty"`
		ErrorMessage  string    `json:"error_message,omitempty"`
		CreatedAt     string    `json:"created_at"`
	}

	out := make([]pipelineOut, len(pipelines))
	for i, p := range pipelines {
		steps := make([]stepOut, len(p.Steps))
		for j, st := range p.Steps {
			steps[j] = stepOut{
				Name:     st.Name,
				Status:   string(st.Status),
				Attempts: st.Attempts,
				Output:   st.Output,
				Error:    st.Error,
			}
		}
		out[i] = pipelineOut{
			ID:            p.ID,
			ProjectID:     p.ProjectID,
			RunID:         p.RunID,
			PRNumber:      p.PRNumber,
			PRURL:         p.PRURL,
			Status:        string(p.Status),
			Steps:         steps,
			DeploymentURL: p.DeploymentURL,
			ErrorMessage:  p.ErrorMessage,
			CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal pipelines: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveProject tries to find a project by name first, then by ID.
func (s *Server) resolveProject(ctx context.Context, name string) (*models.Project, error) {
	if p, err := s.store.GetProjectByName(ctx, name); err == nil {
		return p, nil
	}
	if p, err := s.store.GetProject(ctx, name); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("project not found: %s", name)
}

// resolveRun tries the local run id first, then the agent API id.
func (s *Server) resolveRun(ctx context.Context, id string) (*models.AgentRun, error) {
	if run, err := s.store.GetAgentRun(ctx, id); err == nil {
		return run, nil
	}
	if run, err := s.store.GetAgentRunByExternalID(ctx, id); err == nil {
		return run, nil
	}
	return nil, fmt.Errorf("run not found: %s", id)
}
