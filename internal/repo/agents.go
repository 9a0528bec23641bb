package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/n8n-work/agent-core/internal/models"
)

type agentDefinitionRow struct {
	ID              string `db:"id"`
	IsEnabled       bool   `db:"is_enabled"`
	Capabilities    []byte `db:"capabilities"`
	DefaultMemoryMB int    `db:"default_memory_mb"`
	DefaultCPUCores int    `db:"default_cpu_cores"`
}

func (row agentDefinitionRow) toModel() (*models.AgentDefinition, error) {
	def := &models.AgentDefinition{
		ID:              row.ID,
		IsEnabled:       row.IsEnabled,
		DefaultMemoryMB: row.DefaultMemoryMB,
		DefaultCPUCores: row.DefaultCPUCores,
	}
	if err := unmarshalJSON(row.Capabilities, &def.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return def, nil
}

// Definition loads an agent definition by id, implementing agentctl.Registry.
func (r *Repository) Definition(ctx context.Context, definitionID string) (*models.AgentDefinition, error) {
	var row agentDefinitionRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, is_enabled, capabilities, default_memory_mb, default_cpu_cores
		FROM agent_definitions WHERE id = $1`, definitionID)
	if err != nil {
		return nil, fmt.Errorf("load agent definition: %w", err)
	}
	return row.toModel()
}

type agentInstanceRow struct {
	ID              string    `db:"id"`
	DefinitionID    string    `db:"definition_id"`
	WorkspaceID     string    `db:"workspace_id"`
	ProjectID       string    `db:"project_id"`
	Name            string    `db:"name"`
	Status          string    `db:"status"`
	Config          []byte    `db:"config"`
	ErrorReason     string    `db:"error_reason"`
	LastHeartbeatAt time.Time `db:"last_heartbeat_at"`
}

func (row agentInstanceRow) toModel() (*models.AgentInstance, error) {
	instance := &models.AgentInstance{
		ID:              row.ID,
		DefinitionID:    row.DefinitionID,
		WorkspaceID:     row.WorkspaceID,
		ProjectID:       row.ProjectID,
		Name:            row.Name,
		Status:          models.AgentInstanceStatus(row.Status),
		ErrorReason:     row.ErrorReason,
		LastHeartbeatAt: row.LastHeartbeatAt,
	}
	if err := unmarshalJSON(row.Config, &instance.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return instance, nil
}

// AvailableInstances lists non-offline, non-error instances for a
// workspace/project pair, implementing agentctl.Registry. The controller's
// own selection/validation logic filters further by status and capability.
func (r *Repository) AvailableInstances(ctx context.Context, workspaceID, projectID string) ([]*models.AgentInstance, error) {
	var rows []agentInstanceRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, definition_id, workspace_id, project_id, name, status,
		       config, error_reason, last_heartbeat_at
		FROM agent_instances
		WHERE workspace_id = $1 AND project_id = $2 AND status NOT IN ($3, $4)
		ORDER BY last_heartbeat_at DESC`, workspaceID, projectID, models.AgentOffline, models.AgentError)
	if err != nil {
		return nil, fmt.Errorf("list agent instances: %w", err)
	}
	instances := make([]*models.AgentInstance, 0, len(rows))
	for _, row := range rows {
		instance, err := row.toModel()
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// UpdateInstanceStatus transitions an instance's status, implementing
// agentctl.Registry.
func (r *Repository) UpdateInstanceStatus(ctx context.Context, instanceID string, status models.AgentInstanceStatus, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE agent_instances SET status = $1, error_reason = $2 WHERE id = $3`,
		status, reason, instanceID)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	return nil
}

// UpdateContextVersion persists a new shared-context snapshot for an agent
// instance, implementing agentctl.ContextService.
func (r *Repository) UpdateContextVersion(ctx context.Context, instanceID, workspaceID string, data map[string]interface{}, changeDescription string) error {
	encoded, err := marshalJSON(data)
	if err != nil {
		return fmt.Errorf("encode context data: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agent_context_versions (id, instance_id, workspace_id, data, change_description, created_at)
		VALUES ($1,$2,$3,$4,$5, CURRENT_TIMESTAMP)`,
		newID(), instanceID, workspaceID, encoded, changeDescription)
	if err != nil {
		return fmt.Errorf("insert context version: %w", err)
	}
	return nil
}
