package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zeeeepa/codegenapp/internal/agent"
	"github.com/zeeeepa/codegenapp/internal/health"
	"github.com/zeeeepa/codegenapp/internal/models"
	"github.com/zeeeepa/codegenapp/internal/pipeline"
	"github.com/zeeeepa/codegenapp/internal/store"
	"github.com/zeeeepa/codegenapp/internal/webhook"
)

// Server provides the REST API handlers.
type Server struct {
	store   store.Store
	runs    *agent.Service
	runner  *pipeline.Runner
	ingress *webhook.Ingress
	hub     *Hub
}

// NewServer creates a new API server.
// The ingress may be nil when no webhook secret is configured, and the hub
// may be nil when the event stream is disabled.
func NewServer(st store.Store, runs *agent.Service, runner *pipeline.Runner, ingress *webhook.Ingress, hub *Hub) *Server {
	return &Server{
		store:   st,
		runs:    runs,
		runner:  runner,
		ingress: ingress,
		hub:     hub,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/projects", s.listProjects)
	mux.HandleFunc("POST /api/v1/projects", s.createProject)
	mux.HandleFunc("GET /api/v1/projects/{id}", s.getProject)
	mux.HandleFunc("PUT /api/v1/projects/{id}", s.updateProject)
	mux.HandleFunc("DELETE /api/v1/projects/{id}", s.deleteProject)
	mux.HandleFunc("GET /api/v1/projects/{id}/stats", s.projectStats)

	mux.HandleFunc("GET /api/v1/runs", s.listRuns)
	mux.HandleFunc("POST /api/v1/runs", s.createRun)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.getRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/messages", s.listRunMessages)
	mux.HandleFunc("POST /api/v1/runs/{id}/resume", s.resumeRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.cancelRun)

	mux.HandleFunc("GET /api/v1/pipelines", s.listPipelines)
	mux.HandleFunc("POST /api/v1/pipelines", s.triggerPipeline)
	mux.HandleFunc("GET /api/v1/pipelines/{id}", s.getPipeline)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/cancel", s.cancelPipeline)

	mux.HandleFunc("GET /api/v1/webhooks/events", s.listWebhookEvents)
	mux.HandleFunc("POST /api/v1/webhooks/events/{id}/replay", s.replayWebhookEvent)

	if s.hub != nil {
		mux.HandleFunc("GET /api/v1/events", s.hub.HandleEvents)
	}
	if s.ingress != nil {
		mux.HandleFunc("POST /webhooks/github", s.ingress.HandleGitHub)
		mux.HandleFunc("GET /webhooks/health", s.ingress.HandleHealth)
	}

	mux.HandleFunc("GET /health", s.health)

	return corsMiddleware(logRequests(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("api request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service-layer errors onto HTTP status codes:
// missing rows are 404, rejected inputs and state transitions are 400,
// everything else is 500.
func writeServiceError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		writeError(w, http.StatusNotFound, msg)
	case strings.Contains(msg, "is required"), strings.Contains(msg, "accept a resume"):
		writeError(w, http.StatusBadRequest, msg)
	default:
		writeError(w, http.StatusInternalServerError, msg)
	}
}

// patchString applies a string value from a JSON patch map to the target if the key is present and non-empty.
func patchString(patch map[string]any, key string, target *string) {
	if v, ok := patch[key]; ok {
		if str, ok := v.(string); ok && str != "" {
			*target = str
		}
	}
}

// patchBool applies a boolean value from a JSON patch map to the target if the key is present.
func patchBool(patch map[string]any, key string, target *bool) {
	if v, ok := patch[key]; ok {
		if b, ok := v.(bool); ok {
			*target = b
		}
	}
}

func (s *Server) broadcast(eventType string, data any) {
	if s.hub != nil {
		s.hub.Broadcast(eventType, data)
	}
}

// --- Projects ---

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var p models.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if p.Name == "" || p.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "Name and RepoURL are required")
		return
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	if err := s.store.CreateProject(r.Context(), &p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// Selectively merge only keys present in the patch. Empty strings are
	// treated as "not provided" to avoid wiping existing data.
	patchString(patch, "Name", &existing.Name)
	patchString(patch, "RepoURL", &existing.RepoURL)
	patchString(patch, "WebhookURL", &existing.WebhookURL)
	patchString(patch, "OrgID", &existing.OrgID)
	patchString(patch, "DefaultBranch", &existing.DefaultBranch)
	patchBool(patch, "AutoMerge", &existing.AutoMerge)
	patchBool(patch, "AutoConfirmPlan", &existing.AutoConfirmPlan)

	if err := s.store.UpdateProject(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteProject(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) projectStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetProject(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	runs, err := s.store.ListAgentRuns(r.Context(), store.RunListFilter{ProjectID: id})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pipelines, err := s.store.ListPipelines(r.Context(), store.PipelineListFilter{ProjectID: id})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, health.Compute(runs, pipelines))
}

// --- Agent Runs ---

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	filter := store.RunListFilter{
		ProjectID: r.URL.Query().Get("project"),
		Status:    models.RunStatus(r.URL.Query().Get("status")),
		Limit:     limit,
	}
	runs, err := s.store.ListAgentRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string `json:"project_id"`
		Prompt    string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	run, err := s.runs.Create(r.Context(), req.ProjectID, req.Prompt)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.broadcast("run.created", run)
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if r.URL.Query().Get("refresh") == "true" {
		run, err := s.runs.Refresh(r.Context(), id)
		if err != nil {
			if run != nil {
				// The remote poll failed; serve the last known state.
				slog.Warn("refresh run", "run", id, "error", err)
				writeJSON(w, http.StatusOK, run)
				return
			}
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	run, err := s.store.GetAgentRun(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRunMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetAgentRun(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	run, err := s.runs.Resume(r.Context(), id, req.Message)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.broadcast("run.updated", run)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.runs.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.broadcast("run.updated", run)
	writeJSON(w, http.StatusOK, run)
}

// --- Validation Pipelines ---

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	pr, _ := strconv.Atoi(r.URL.Query().Get("pr"))
	filter := store.PipelineListFilter{
		ProjectID: r.URL.Query().Get("project"),
		Status:    models.PipelineStatus(r.URL.Query().Get("status")),
		PRNumber:  pr,
		Limit:     limit,
	}
	pipelines, err := s.store.ListPipelines(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

// pipelineDetail decorates a pipeline with its computed progress.
type pipelineDetail struct {
	*models.ValidationPipeline
	Progress int
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.store.GetPipeline(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	detail := pipelineDetail{ValidationPipeline: p}
	if s.runner != nil {
		detail.Progress = pipeline.Progress(p)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) triggerPipeline(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline runner not configured")
		return
	}

	var req struct {
		ProjectID string `json:"project_id"`
		RunID     string `json:"run_id"`
		PRNumber  int    `json:"pr_number"`
		PRURL     string `json:"pr_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	p, err := s.runner.Trigger(r.Context(), pipeline.TriggerInput{
		ProjectID: req.ProjectID,
		RunID:     req.RunID,
		PRNumber:  req.PRNumber,
		PRURL:     req.PRURL,
	})
	if err != nil {
		if p == nil {
			writeServiceError(w, err)
			return
		}
		// The pipeline row exists; the failure is already recorded on it.
		slog.Warn("pipeline trigger", "pipeline", p.ID, "error", err)
	}
	s.broadcast("pipeline.updated", p)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) cancelPipeline(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline runner not configured")
		return
	}
	id := r.PathValue("id")
	p, err := s.runner.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.broadcast("pipeline.updated", p)
	writeJSON(w, http.StatusOK, p)
}

// --- Webhook Events ---

func (s *Server) listWebhookEvents(w http.ResponseWriter, r *http.Request) {
	var processed *bool
	switch r.URL.Query().Get("processed") {
	case "true":
		v := true
		processed = &v
	case "false":
		v := false
		processed = &v
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	events, err := s.store.ListWebhookEvents(r.Context(), processed, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) replayWebhookEvent(w http.ResponseWriter, r *http.Request) {
	if s.ingress == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook ingress not configured")
		return
	}
	id := r.PathValue("id")
	if err := s.ingress.Replay(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed", "id": id})
}

// --- Health ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
