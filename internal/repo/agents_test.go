package repo

import (
	"context"
	"testing"
	"time"

	"github.com/n8n-work/agent-core/internal/models"
)

func newAgentsTestRepository(t *testing.T) *Repository {
	t.Helper()
	r, err := New("sqlite://file::memory:?cache=shared", nil)
	if err != nil {
		t.Fatalf("open test repository: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	schema := []string{
		`CREATE TABLE agent_definitions (
			id TEXT PRIMARY KEY, is_enabled BOOLEAN, capabilities BLOB,
			default_memory_mb INTEGER, default_cpu_cores INTEGER
		)`,
		`CREATE TABLE agent_instances (
			id TEXT PRIMARY KEY, definition_id TEXT, workspace_id TEXT, project_id TEXT,
			name TEXT, status TEXT, config BLOB, error_reason TEXT, last_heartbeat_at DATETIME
		)`,
		`CREATE TABLE agent_context_versions (
			id TEXT PRIMARY KEY, instance_id TEXT, workspace_id TEXT, data BLOB,
			change_description TEXT, created_at DATETIME
		)`,
	}
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return r
}

func TestRepository_DefinitionAndAvailableInstances(t *testing.T) {
	r := newAgentsTestRepository(t)
	ctx := context.Background()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_definitions (id, is_enabled, capabilities, default_memory_mb, default_cpu_cores)
		VALUES ($1,$2,$3,$4,$5)`,
		"def-1", true, `["code_review", "refactor"]`, 512, 2)
	if err != nil {
		t.Fatalf("seed agent definition: %v", err)
	}

	def, err := r.Definition(ctx, "def-1")
	if err != nil {
		t.Fatalf("load agent definition: %v", err)
	}
	if len(def.Capabilities) != 2 || def.Capabilities[0] != "code_review" {
		t.Fatalf("expected capabilities to decode, got %+v", def.Capabilities)
	}

	now := time.Now()
	seedInstance := func(id, status string, heartbeat time.Time) {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO agent_instances
				(id, definition_id, workspace_id, project_id, name, status, config, error_reason, last_heartbeat_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			id, "def-1", "ws-1", "proj-1", id, status, `{}`, "", heartbeat)
		if err != nil {
			t.Fatalf("seed agent instance %s: %v", id, err)
		}
	}
	seedInstance("inst-idle", string(models.AgentIdle), now)
	seedInstance("inst-offline", string(models.AgentOffline), now.Add(-time.Hour))

	instances, err := r.AvailableInstances(ctx, "ws-1", "proj-1")
	if err != nil {
		t.Fatalf("list available instances: %v", err)
	}
	if len(instances) != 1 || instances[0].ID != "inst-idle" {
		t.Fatalf("expected the offline instance excluded, got %+v", instances)
	}

	if err := r.UpdateInstanceStatus(ctx, "inst-idle", models.AgentBusy, ""); err != nil {
		t.Fatalf("update instance status: %v", err)
	}
	var status string
	if err := r.db.GetContext(ctx, &status, `SELECT status FROM agent_instances WHERE id = $1`, "inst-idle"); err != nil {
		t.Fatalf("reload instance status: %v", err)
	}
	if status != string(models.AgentBusy) {
		t.Fatalf("expected instance status to persist as busy, got %s", status)
	}

	if err := r.UpdateContextVersion(ctx, "inst-idle", "ws-1", map[string]interface{}{"summary": "updated"}, "heartbeat sync"); err != nil {
		t.Fatalf("update context version: %v", err)
	}
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM agent_context_versions WHERE instance_id = $1`, "inst-idle"); err != nil {
		t.Fatalf("count context versions: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one context version row, got %d", count)
	}
}
