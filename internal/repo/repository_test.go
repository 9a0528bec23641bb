package repo

import (
	"context"
	"testing"
	"time"

	"github.com/n8n-work/agent-core/internal/models"
	"github.com/n8n-work/agent-core/internal/secrets"
)

// newTestRepository opens an in-memory sqlite database and lays down the
// subset of the schema these tests exercise. Every call opens a pool on the
// same shared-cache in-memory database, which is dropped once the cleanup
// closes the pool, so tests that do not run in parallel start from an empty
// schema.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	r, err := New("sqlite://file::memory:?cache=shared", nil)
	if err != nil {
		t.Fatalf("open test repository: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	schema := []string{
		`CREATE TABLE workflow_executions (
			id TEXT PRIMARY KEY, workflow_id TEXT, workspace_id TEXT, project_id TEXT,
			execution_number INTEGER, status TEXT, input_variables BLOB, results BLOB,
			metadata BLOB, parent_execution_id TEXT, error_message TEXT,
			started_at DATETIME, completed_at DATETIME, created_at DATETIME, updated_at DATETIME
		)`,
		`CREATE TABLE workflow_step_executions (
			id TEXT PRIMARY KEY, execution_id TEXT, step_id TEXT, status TEXT,
			input_data BLOB, output_data BLOB, error_message TEXT, attempt INTEGER,
			started_at DATETIME, completed_at DATETIME
		)`,
		`CREATE TABLE secrets (
			id TEXT PRIMARY KEY, workspace_id TEXT, name TEXT, type TEXT, usage TEXT,
			encrypted_value TEXT, key_id TEXT, rotation_policy TEXT,
			last_rotated_at DATETIME, rotation_due_at DATETIME, tags BLOB, metadata BLOB,
			is_active BOOLEAN, created_by TEXT, updated_by TEXT,
			created_at DATETIME, updated_at DATETIME
		)`,
		`CREATE TABLE secret_audits (
			id TEXT PRIMARY KEY, secret_id TEXT, action TEXT, actor TEXT,
			ip TEXT, user_agent TEXT, details BLOB, timestamp DATETIME
		)`,
	}
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return r
}

func TestRepository_CreateAndGetExecution(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	exec := &models.WorkflowExecution{
		ID:             "exec-1",
		WorkflowID:     "wf-1",
		WorkspaceID:    "ws-1",
		ProjectID:      "proj-1",
		Status:         models.ExecutionPending,
		InputVariables: map[string]interface{}{"branch": "main"},
		StartedAt:      time.Now(),
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := r.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	got, err := r.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.WorkflowID != "wf-1" || got.Status != models.ExecutionPending {
		t.Fatalf("unexpected execution: %+v", got)
	}
	if got.InputVariables["branch"] != "main" {
		t.Fatalf("expected input_variables to round-trip, got %+v", got.InputVariables)
	}

	if err := r.FinalizeExecution(ctx, "exec-1", models.ExecutionCompleted,
		map[string]interface{}{"files_changed": 3}, ""); err != nil {
		t.Fatalf("finalize execution: %v", err)
	}
	got, err = r.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution after finalize: %v", err)
	}
	if got.Status != models.ExecutionCompleted {
		t.Fatalf("expected completed status, got %s", got.Status)
	}
	if got.Results["files_changed"].(float64) != 3 {
		t.Fatalf("expected results to round-trip, got %+v", got.Results)
	}
}

func TestRepository_GetOrCreateStepExecution(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	step := &models.WorkflowStep{ID: "step-1", WorkflowID: "wf-1"}

	first, err := r.GetOrCreateStepExecution(ctx, "exec-1", step)
	if err != nil {
		t.Fatalf("get-or-create step execution: %v", err)
	}
	if first.Status != models.StepPending {
		t.Fatalf("expected fresh step execution to start pending, got %s", first.Status)
	}

	second, err := r.GetOrCreateStepExecution(ctx, "exec-1", step)
	if err != nil {
		t.Fatalf("get-or-create step execution (second call): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected idempotent get-or-create, got distinct ids %s vs %s", first.ID, second.ID)
	}
}

func TestRepository_SecretRoundTripAndAudit(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	now := time.Now()
	secret := &models.Secret{
		ID:             "secret-1",
		WorkspaceID:    "ws-1",
		Name:           "github-token",
		Type:           "api_key",
		EncryptedValue: "ciphertext",
		KeyID:          "key-1",
		RotationPolicy: models.Rotation90Days,
		Tags:           []string{"vcs", "ci"},
		Metadata:       map[string]interface{}{"owner": "platform"},
		IsActive:       true,
		CreatedBy:      "user-1",
		UpdatedBy:      "user-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.CreateSecret(ctx, secret); err != nil {
		t.Fatalf("create secret: %v", err)
	}

	byName, err := r.FindActiveByName(ctx, "ws-1", "github-token")
	if err != nil {
		t.Fatalf("find active by name: %v", err)
	}
	if byName == nil || byName.ID != "secret-1" {
		t.Fatalf("expected to find secret by name, got %+v", byName)
	}

	missing, err := r.FindActiveByName(ctx, "ws-1", "does-not-exist")
	if err != nil {
		t.Fatalf("find active by name (missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for a missing secret, got %+v", missing)
	}

	secret.EncryptedValue = "rotated-ciphertext"
	secret.KeyID = "key-2"
	secret.UpdatedAt = now.Add(time.Hour)
	if err := r.UpdateSecret(ctx, secret); err != nil {
		t.Fatalf("update secret: %v", err)
	}

	reloaded, err := r.GetSecret(ctx, "secret-1")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if reloaded.EncryptedValue != "rotated-ciphertext" || reloaded.KeyID != "key-2" {
		t.Fatalf("expected update to persist, got %+v", reloaded)
	}

	list, err := r.ListSecrets(ctx, "ws-1", secrets.ListFilter{ActiveOnly: true, Tags: []string{"ci"}, Limit: 10})
	if err != nil {
		t.Fatalf("list secrets: %v", err)
	}
	if len(list) != 1 || list[0].ID != "secret-1" {
		t.Fatalf("expected tag-filtered list to find the secret, got %+v", list)
	}

	noMatch, err := r.ListSecrets(ctx, "ws-1", secrets.ListFilter{ActiveOnly: true, Tags: []string{"unrelated"}})
	if err != nil {
		t.Fatalf("list secrets (no match): %v", err)
	}
	if len(noMatch) != 0 {
		t.Fatalf("expected no secrets to match an unrelated tag, got %+v", noMatch)
	}

	audit := &models.SecretAudit{
		ID:        "audit-1",
		SecretID:  "secret-1",
		Action:    models.SecretAuditRotated,
		Actor:     "user-1",
		Timestamp: now,
	}
	if err := r.AppendAudit(ctx, audit); err != nil {
		t.Fatalf("append audit: %v", err)
	}
	history, err := r.ListAudit(ctx, "secret-1", 10, 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(history) != 1 || history[0].Action != models.SecretAuditRotated {
		t.Fatalf("expected one rotation audit row, got %+v", history)
	}
}
