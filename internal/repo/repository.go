// Package repo is the persistence collaborator behind the workflow engine,
// agent controller, approval engine, and secret manager. It speaks
// Postgres via sqlx, with JSONB columns marshalled/unmarshalled at the
// boundary so the domain packages only ever see models.* structs.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/n8n-work/agent-core/internal/models"
)

func newID() string { return uuid.NewString() }

// Repository provides data access operations for every domain package.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New connects to databaseURL. A "sqlite://" scheme selects the embedded
// modernc.org/sqlite driver for local/dev use without a Postgres instance;
// anything else is handed to lib/pq.
func New(databaseURL string, logger *zap.Logger) (*Repository, error) {
	driver, dsn := "postgres", databaseURL
	if strippedDSN, ok := sqliteDSN(databaseURL); ok {
		driver, dsn = "sqlite", strippedDSN
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", driver, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Repository{db: db, logger: logger}, nil
}

func sqliteDSN(databaseURL string) (string, bool) {
	const prefix = "sqlite://"
	if strings.HasPrefix(databaseURL, prefix) {
		return strings.TrimPrefix(databaseURL, prefix), true
	}
	return "", false
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks database connectivity.
func (r *Repository) Ping() error {
	return r.db.Ping()
}

// Stats returns database connection pool statistics.
func (r *Repository) Stats() sql.DBStats {
	return r.db.Stats()
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// workflowDefinitionRow mirrors workflow_definitions plus its joined steps.
type workflowDefinitionRow struct {
	ID                    string    `db:"id"`
	WorkspaceID           string    `db:"workspace_id"`
	ProjectID             string    `db:"project_id"`
	Name                  string    `db:"name"`
	Version               int       `db:"version"`
	IsActive              bool      `db:"is_active"`
	DefaultTimeoutSeconds int       `db:"default_timeout_seconds"`
	DefaultMaxRetries     int       `db:"default_max_retries"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

type workflowStepRow struct {
	ID                   string `db:"id"`
	WorkflowID           string `db:"workflow_id"`
	Name                 string `db:"name"`
	StepOrder            int    `db:"step_order"`
	StepType             string `db:"step_type"`
	ConditionExpression  string `db:"condition_expression"`
	AgentDefinitionID    string `db:"agent_definition_id"`
	AgentInstanceID      string `db:"agent_instance_id"`
	RequiredCapabilities []byte `db:"required_capabilities"`
	DependsOnSteps       []byte `db:"depends_on_steps"`
	Config               []byte `db:"config"`
	TimeoutSeconds       int    `db:"timeout_seconds"`
	MaxRetries           int    `db:"max_retries"`
}

func (row workflowStepRow) toModel() (*models.WorkflowStep, error) {
	step := &models.WorkflowStep{
		ID:                  row.ID,
		WorkflowID:          row.WorkflowID,
		Name:                row.Name,
		StepOrder:           row.StepOrder,
		StepType:            models.WorkflowStepType(row.StepType),
		ConditionExpression: row.ConditionExpression,
		AgentDefinitionID:   row.AgentDefinitionID,
		AgentInstanceID:     row.AgentInstanceID,
		TimeoutSeconds:      row.TimeoutSeconds,
		MaxRetries:          row.MaxRetries,
	}
	if err := unmarshalJSON(row.RequiredCapabilities, &step.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("decode required_capabilities: %w", err)
	}
	if err := unmarshalJSON(row.DependsOnSteps, &step.DependsOnSteps); err != nil {
		return nil, fmt.Errorf("decode depends_on_steps: %w", err)
	}
	if err := unmarshalJSON(row.Config, &step.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return step, nil
}

// GetActiveDefinition loads the active workflow definition and its steps,
// implementing workflow.Store.
func (r *Repository) GetActiveDefinition(ctx context.Context, workflowID, workspaceID, projectID string) (*models.WorkflowDefinition, error) {
	var defRow workflowDefinitionRow
	err := r.db.GetContext(ctx, &defRow, `
		SELECT id, workspace_id, project_id, name, version, is_active,
		       default_timeout_seconds, default_max_retries, created_at, updated_at
		FROM workflow_definitions
		WHERE id = $1 AND workspace_id = $2 AND project_id = $3 AND is_active = true`,
		workflowID, workspaceID, projectID)
	if err != nil {
		return nil, fmt.Errorf("load workflow definition: %w", err)
	}

	var stepRows []workflowStepRow
	if err := r.db.SelectContext(ctx, &stepRows, `
		SELECT id, workflow_id, name, step_order, step_type, condition_expression,
		       agent_definition_id, agent_instance_id, required_capabilities,
		       depends_on_steps, config, timeout_seconds, max_retries
		FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_order`, defRow.ID); err != nil {
		return nil, fmt.Errorf("load workflow steps: %w", err)
	}

	steps := make([]*models.WorkflowStep, 0, len(stepRows))
	for _, stepRow := range stepRows {
		step, err := stepRow.toModel()
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	return &models.WorkflowDefinition{
		ID:                    defRow.ID,
		WorkspaceID:           defRow.WorkspaceID,
		ProjectID:             defRow.ProjectID,
		Name:                  defRow.Name,
		Version:               defRow.Version,
		IsActive:              defRow.IsActive,
		DefaultTimeoutSeconds: defRow.DefaultTimeoutSeconds,
		DefaultMaxRetries:     defRow.DefaultMaxRetries,
		Steps:                 steps,
		CreatedAt:             defRow.CreatedAt,
		UpdatedAt:             defRow.UpdatedAt,
	}, nil
}

// NextExecutionNumber returns the next 1-based execution number for a
// workflow, implementing workflow.Store.
func (r *Repository) NextExecutionNumber(ctx context.Context, workflowID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM workflow_executions WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return 0, fmt.Errorf("count prior executions: %w", err)
	}
	return count + 1, nil
}

type workflowExecutionRow struct {
	ID                string         `db:"id"`
	WorkflowID        string         `db:"workflow_id"`
	WorkspaceID       string         `db:"workspace_id"`
	ProjectID         string         `db:"project_id"`
	ExecutionNumber   int            `db:"execution_number"`
	Status            string         `db:"status"`
	InputVariables    []byte         `db:"input_variables"`
	Results           []byte         `db:"results"`
	Metadata          []byte         `db:"metadata"`
	ParentExecutionID string         `db:"parent_execution_id"`
	ErrorMessage      string         `db:"error_message"`
	StartedAt         time.Time      `db:"started_at"`
	CompletedAt       *time.Time     `db:"completed_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (row workflowExecutionRow) toModel() (*models.WorkflowExecution, error) {
	exec := &models.WorkflowExecution{
		ID:                row.ID,
		WorkflowID:        row.WorkflowID,
		WorkspaceID:       row.WorkspaceID,
		ProjectID:         row.ProjectID,
		ExecutionNumber:   row.ExecutionNumber,
		Status:            models.WorkflowExecutionStatus(row.Status),
		ParentExecutionID: row.ParentExecutionID,
		ErrorMessage:      row.ErrorMessage,
		StartedAt:         row.StartedAt,
		CompletedAt:       row.CompletedAt,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
	if err := unmarshalJSON(row.InputVariables, &exec.InputVariables); err != nil {
		return nil, fmt.Errorf("decode input_variables: %w", err)
	}
	if err := unmarshalJSON(row.Results, &exec.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if err := unmarshalJSON(row.Metadata, &exec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return exec, nil
}

// CreateExecution persists a new WorkflowExecution, implementing workflow.Store.
func (r *Repository) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	inputVariables, err := marshalJSON(exec.InputVariables)
	if err != nil {
		return fmt.Errorf("encode input_variables: %w", err)
	}
	metadata, err := marshalJSON(exec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(id, workflow_id, workspace_id, project_id, execution_number, status,
			 input_variables, metadata, parent_execution_id, started_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		exec.ID, exec.WorkflowID, exec.WorkspaceID, exec.ProjectID, exec.ExecutionNumber, exec.Status,
		inputVariables, metadata, exec.ParentExecutionID, exec.StartedAt, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow execution: %w", err)
	}
	return nil
}

// UpdateExecutionStatus updates just the status column, implementing workflow.Store.
func (r *Repository) UpdateExecutionStatus(ctx context.Context, executionID string, status models.WorkflowExecutionStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workflow_executions SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`, status, executionID)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	return nil
}

// FinalizeExecution records the terminal status, results, and optional
// error message, implementing workflow.Store.
func (r *Repository) FinalizeExecution(ctx context.Context, executionID string, status models.WorkflowExecutionStatus, results map[string]interface{}, errMsg string) error {
	encodedResults, err := marshalJSON(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, results = $2, error_message = $3, completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4`, status, encodedResults, errMsg, executionID)
	if err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	return nil
}

// GetExecution loads one execution by id; implements integration.ExecutionStore.
func (r *Repository) GetExecution(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	var row workflowExecutionRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, workflow_id, workspace_id, project_id, execution_number, status,
		       input_variables, results, metadata, parent_execution_id,
		       COALESCE(error_message, '') AS error_message,
		       started_at, completed_at, created_at, updated_at
		FROM workflow_executions WHERE id = $1`, executionID)
	if err != nil {
		return nil, fmt.Errorf("load workflow execution: %w", err)
	}
	return row.toModel()
}

type workflowStepExecutionRow struct {
	ID           string     `db:"id"`
	ExecutionID  string     `db:"execution_id"`
	StepID       string     `db:"step_id"`
	Status       string     `db:"status"`
	InputData    []byte     `db:"input_data"`
	OutputData   []byte     `db:"output_data"`
	ErrorMessage string     `db:"error_message"`
	Attempt      int        `db:"attempt"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

func (row workflowStepExecutionRow) toModel() (*models.WorkflowStepExecution, error) {
	stepExec := &models.WorkflowStepExecution{
		ID:           row.ID,
		ExecutionID:  row.ExecutionID,
		StepID:       row.StepID,
		Status:       models.WorkflowStepExecutionStatus(row.Status),
		ErrorMessage: row.ErrorMessage,
		Attempt:      row.Attempt,
		StartedAt:    row.StartedAt,
		CompletedAt:  row.CompletedAt,
	}
	if err := unmarshalJSON(row.InputData, &stepExec.InputData); err != nil {
		return nil, fmt.Errorf("decode input_data: %w", err)
	}
	if err := unmarshalJSON(row.OutputData, &stepExec.OutputData); err != nil {
		return nil, fmt.Errorf("decode output_data: %w", err)
	}
	return stepExec, nil
}

// GetOrCreateStepExecution returns the existing step execution row for
// (executionID, step.ID), or creates a fresh pending one, implementing
// workflow.Store.
func (r *Repository) GetOrCreateStepExecution(ctx context.Context, executionID string, step *models.WorkflowStep) (*models.WorkflowStepExecution, error) {
	var row workflowStepExecutionRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, execution_id, step_id, status, input_data, output_data,
		       COALESCE(error_message, '') AS error_message, attempt, started_at, completed_at
		FROM workflow_step_executions WHERE execution_id = $1 AND step_id = $2`, executionID, step.ID)
	if err == nil {
		return row.toModel()
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("load step execution: %w", err)
	}

	stepExec := &models.WorkflowStepExecution{
		ID:          newID(),
		ExecutionID: executionID,
		StepID:      step.ID,
		Status:      models.StepPending,
		Attempt:     0,
		StartedAt:   time.Now(),
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_step_executions (id, execution_id, step_id, status, attempt, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		stepExec.ID, stepExec.ExecutionID, stepExec.StepID, stepExec.Status, stepExec.Attempt, stepExec.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert step execution: %w", err)
	}
	return stepExec, nil
}

// UpdateStepExecution persists a step execution's terminal/interim state,
// implementing workflow.Store.
func (r *Repository) UpdateStepExecution(ctx context.Context, stepExec *models.WorkflowStepExecution) error {
	inputData, err := marshalJSON(stepExec.InputData)
	if err != nil {
		return fmt.Errorf("encode input_data: %w", err)
	}
	outputData, err := marshalJSON(stepExec.OutputData)
	if err != nil {
		return fmt.Errorf("encode output_data: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE workflow_step_executions
		SET status = $1, input_data = $2, output_data = $3, error_message = $4,
		    attempt = $5, completed_at = $6
		WHERE id = $7`,
		stepExec.Status, inputData, outputData, stepExec.ErrorMessage,
		stepExec.Attempt, stepExec.CompletedAt, stepExec.ID)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	return nil
}
