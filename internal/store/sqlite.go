package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zeeeepa/codegenapp/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent HTTP requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, repo_url, webhook_url, org_id, default_branch, auto_merge, auto_confirm_plan, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoURL, p.WebhookURL, p.OrgID, p.DefaultBranch,
		boolToInt(p.AutoMerge), boolToInt(p.AutoConfirmPlan), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p := &models.Project{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, repo_url, webhook_url, org_id, default_branch, auto_merge, auto_confirm_plan, created_at, updated_at
		FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.RepoURL, &p.WebhookURL, &p.OrgID, &p.DefaultBranch, &p.AutoMerge, &p.AutoConfirmPlan, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	p := &models.Project{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, repo_url, webhook_url, org_id, default_branch, auto_merge, auto_confirm_plan, created_at, updated_at
		FROM projects WHERE name = ?`, name,
	).Scan(&p.ID, &p.Name, &p.RepoURL, &p.WebhookURL, &p.OrgID, &p.DefaultBranch, &p.AutoMerge, &p.AutoConfirmPlan, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProjectByRepoURL(ctx context.Context, repoURL string) (*models.Project, error) {
	p := &models.Project{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, repo_url, webhook_url, org_id, default_branch, auto_merge, auto_confirm_plan, created_at, updated_at
		FROM projects WHERE repo_url = ?`, repoURL,
	).Scan(&p.ID, &p.Name, &p.RepoURL, &p.WebhookURL, &p.OrgID, &p.DefaultBranch, &p.AutoMerge, &p.AutoConfirmPlan, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project not found for repo: %s", repoURL)
	}
	if err != nil {
		return nil, fmt.Errorf("get project by repo url: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, repo_url, webhook_url, org_id, default_branch, auto_merge, auto_confirm_plan, created_at, updated_at
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*models.Project
	for rows.Next() {
		p := &models.Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.RepoURL, &p.WebhookURL, &p.OrgID, &p.DefaultBranch, &p.AutoMerge, &p.AutoConfirmPlan, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p *models.Project) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name=?, repo_url=?, webhook_url=?, org_id=?, default_branch=?, auto_merge=?, auto_confirm_plan=?, updated_at=?
		WHERE id=?`,
		p.Name, p.RepoURL, p.WebhookURL, p.OrgID, p.DefaultBranch,
		boolToInt(p.AutoMerge), boolToInt(p.AutoConfirmPlan), p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project not found: %s", p.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project not found: %s", id)
	}
	return nil
}

// --- Agent Runs ---

func (s *SQLiteStore) CreateAgentRun(ctx context.Context, run *models.AgentRun) error {
	if run.ID == "" {
		run.ID = newULID()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}
	if run.ResponseType == "" {
		run.ResponseType = models.RunResponseRegular
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, external_id, project_id, prompt, status, response_type, result, web_url, progress, current_step, error_message, retry_count, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ExternalID, run.ProjectID, run.Prompt,
		string(run.Status), string(run.ResponseType), run.Result, run.WebURL,
		run.Progress, run.CurrentStep, run.ErrorMessage, run.RetryCount,
		run.CreatedAt, run.UpdatedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error) {
	run, err := s.scanAgentRunRow(s.db.QueryRowContext(ctx,
		`SELECT id, external_id, project_id, prompt, status, response_type, result, web_url, progress, current_step, error_message, retry_count, created_at, updated_at, completed_at
		FROM agent_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) GetAgentRunByExternalID(ctx context.Context, externalID string) (*models.AgentRun, error) {
	run, err := s.scanAgentRunRow(s.db.QueryRowContext(ctx,
		`SELECT id, external_id, project_id, prompt, status, response_type, result, web_url, progress, current_step, error_message, retry_count, created_at, updated_at, completed_at
		FROM agent_runs WHERE external_id = ?`, externalID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent run not found for external id: %s", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent run by external id: %w", err)
	}
	return run, nil
}

// scanAgentRunRow scans a single agent run from a QueryRow result.
func (s *SQLiteStore) scanAgentRunRow(row *sql.Row) (*models.AgentRun, error) {
	run := &models.AgentRun{}
	var status, responseType string
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.ExternalID, &run.ProjectID, &run.Prompt,
		&status, &responseType, &run.Result, &run.WebURL,
		&run.Progress, &run.CurrentStep, &run.ErrorMessage, &run.RetryCount,
		&run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)
	run.ResponseType = models.RunResponseType(responseType)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *SQLiteStore) ListAgentRuns(ctx context.Context, filter RunListFilter) ([]*models.AgentRun, error) {
	query := `SELECT id, external_id, project_id, prompt, status, response_type, result, web_url, progress, current_step, error_message, retry_count, created_at, updated_at, completed_at
		FROM agent_runs WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.AgentRun
	for rows.Next() {
		run := &models.AgentRun{}
		var status, responseType string
		var completedAt sql.NullTime

		if err := rows.Scan(&run.ID, &run.ExternalID, &run.ProjectID, &run.Prompt,
			&status, &responseType, &run.Result, &run.WebURL,
			&run.Progress, &run.CurrentStep, &run.ErrorMessage, &run.RetryCount,
			&run.CreatedAt, &run.UpdatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}

		run.Status = models.RunStatus(status)
		run.ResponseType = models.RunResponseType(responseType)
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateAgentRun(ctx context.Context, run *models.AgentRun) error {
	run.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET external_id=?, status=?, response_type=?, result=?, web_url=?, progress=?, current_step=?, error_message=?, retry_count=?, updated_at=?, completed_at=?
		WHERE id=?`,
		run.ExternalID, string(run.Status), string(run.ResponseType), run.Result, run.WebURL,
		run.Progress, run.CurrentStep, run.ErrorMessage, run.RetryCount,
		run.UpdatedAt, run.CompletedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent run: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent run not found: %s", run.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgentRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM agent_runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete agent run: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent run not found: %s", id)
	}
	return nil
}

// --- Messages ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	if m.Type == "" {
		m.Type = models.MessageTypeUser
	}
	m.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, run_id, type, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.RunID, string(m.Type), m.Content, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, runID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, type, content, created_at
		FROM messages WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		m := &models.Message{}
		var msgType string
		if err := rows.Scan(&m.ID, &m.RunID, &msgType, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = models.MessageType(msgType)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Validation Pipelines ---

func (s *SQLiteStore) CreatePipeline(ctx context.Context, p *models.ValidationPipeline) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	if p.Status == "" {
		p.Status = models.PipelineStatusPending
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runID any
	if p.RunID != "" {
		runID = p.RunID
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO validation_pipelines (id, project_id, run_id, pr_number, pr_url, status, deployment_url, retry_count, error_message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, runID, p.PRNumber, p.PRURL,
		string(p.Status), p.DeploymentURL, p.RetryCount, p.ErrorMessage,
		p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	if err := insertPipelineSteps(ctx, tx, p.ID, p.Steps); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPipeline(ctx context.Context, id string) (*models.ValidationPipeline, error) {
	p := &models.ValidationPipeline{}
	var status string
	var runID sql.NullString
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, run_id, pr_number, pr_url, status, deployment_url, retry_count, error_message, created_at, updated_at, completed_at
		FROM validation_pipelines WHERE id = ?`, id,
	).Scan(&p.ID, &p.ProjectID, &runID, &p.PRNumber, &p.PRURL,
		&status, &p.DeploymentURL, &p.RetryCount, &p.ErrorMessage,
		&p.CreatedAt, &p.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pipeline not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}

	p.Status = models.PipelineStatus(status)
	if runID.Valid {
		p.RunID = runID.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}

	steps, err := s.loadPipelineSteps(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	return p, nil
}

func (s *SQLiteStore) ListPipelines(ctx context.Context, filter PipelineListFilter) ([]*models.ValidationPipeline, error) {
	query := `SELECT id, project_id, run_id, pr_number, pr_url, status, deployment_url, retry_count, error_message, created_at, updated_at, completed_at
		FROM validation_pipelines WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.PRNumber > 0 {
		query += " AND pr_number = ?"
		args = append(args, filter.PRNumber)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pipelines []*models.ValidationPipeline
	for rows.Next() {
		p := &models.ValidationPipeline{}
		var status string
		var runID sql.NullString
		var completedAt sql.NullTime

		if err := rows.Scan(&p.ID, &p.ProjectID, &runID, &p.PRNumber, &p.PRURL,
			&status, &p.DeploymentURL, &p.RetryCount, &p.ErrorMessage,
			&p.CreatedAt, &p.UpdatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}

		p.Status = models.PipelineStatus(status)
		if runID.Valid {
			p.RunID = runID.String
		}
		if completedAt.Valid {
			p.CompletedAt = &completedAt.Time
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range pipelines {
		steps, err := s.loadPipelineSteps(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		p.Steps = steps
	}
	return pipelines, nil
}

// UpdatePipeline rewrites the pipeline row and its step results in one
// transaction so a crash cannot leave the status and steps disagreeing.
func (s *SQLiteStore) UpdatePipeline(ctx context.Context, p *models.ValidationPipeline) error {
	p.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runID any
	if p.RunID != "" {
		runID = p.RunID
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE validation_pipelines SET run_id=?, pr_number=?, pr_url=?, status=?, deployment_url=?, retry_count=?, error_message=?, updated_at=?, completed_at=?
		WHERE id=?`,
		runID, p.PRNumber, p.PRURL, string(p.Status),
		p.DeploymentURL, p.RetryCount, p.ErrorMessage,
		p.UpdatedAt, p.CompletedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pipeline not found: %s", p.ID)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM pipeline_steps WHERE pipeline_id = ?", p.ID); err != nil {
		return fmt.Errorf("clear pipeline steps: %w", err)
	}
	if err := insertPipelineSteps(ctx, tx, p.ID, p.Steps); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// insertPipelineSteps writes step results in order, keyed by sequence number.
func insertPipelineSteps(ctx context.Context, tx *sql.Tx, pipelineID string, steps []models.StepResult) error {
	for i, step := range steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_steps (pipeline_id, seq, name, status, attempts, output, error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pipelineID, i, step.Name, string(step.Status), step.Attempts, step.Output, step.Error,
			step.StartedAt, step.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("insert pipeline step %s: %w", step.Name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadPipelineSteps(ctx context.Context, pipelineID string) ([]models.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, status, attempts, output, error, started_at, finished_at
		FROM pipeline_steps WHERE pipeline_id = ? ORDER BY seq`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []models.StepResult
	for rows.Next() {
		var step models.StepResult
		var status string
		var startedAt, finishedAt sql.NullTime

		if err := rows.Scan(&step.Name, &status, &step.Attempts, &step.Output, &step.Error, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline step: %w", err)
		}

		step.Status = models.StepStatus(status)
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			step.FinishedAt = &finishedAt.Time
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// --- Webhook Events ---

func (s *SQLiteStore) CreateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	e.ReceivedAt = time.Now().UTC()

	var projectID any
	if e.ProjectID != "" {
		projectID = e.ProjectID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, delivery_id, event_type, action, project_id, payload, processed, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeliveryID, e.EventType, e.Action, projectID,
		e.Payload, boolToInt(e.Processed), e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("create webhook event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	e := &models.WebhookEvent{}
	var projectID sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, delivery_id, event_type, action, project_id, payload, processed, received_at
		FROM webhook_events WHERE id = ?`, id,
	).Scan(&e.ID, &e.DeliveryID, &e.EventType, &e.Action, &projectID, &e.Payload, &e.Processed, &e.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("webhook event not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}

	if projectID.Valid {
		e.ProjectID = projectID.String
	}
	return e, nil
}

func (s *SQLiteStore) GetWebhookEventByDeliveryID(ctx context.Context, deliveryID string) (*models.WebhookEvent, error) {
	e := &models.WebhookEvent{}
	var projectID sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, delivery_id, event_type, action, project_id, payload, processed, received_at
		FROM webhook_events WHERE delivery_id = ?`, deliveryID,
	).Scan(&e.ID, &e.DeliveryID, &e.EventType, &e.Action, &projectID, &e.Payload, &e.Processed, &e.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("webhook event not found for delivery: %s", deliveryID)
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event by delivery id: %w", err)
	}

	if projectID.Valid {
		e.ProjectID = projectID.String
	}
	return e, nil
}

func (s *SQLiteStore) ListWebhookEvents(ctx context.Context, processed *bool, limit int) ([]*models.WebhookEvent, error) {
	query := `SELECT id, delivery_id, event_type, action, project_id, payload, processed, received_at
		FROM webhook_events`
	var args []any

	if processed != nil {
		query += " WHERE processed = ?"
		args = append(args, boolToInt(*processed))
	}
	query += " ORDER BY received_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.WebhookEvent
	for rows.Next() {
		e := &models.WebhookEvent{}
		var projectID sql.NullString
		if err := rows.Scan(&e.ID, &e.DeliveryID, &e.EventType, &e.Action, &projectID, &e.Payload, &e.Processed, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) MarkWebhookEventProcessed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE webhook_events SET processed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	return nil
}
