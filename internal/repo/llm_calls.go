package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/n8n-work/agent-core/internal/models"
)

// LogLLMCall implements llm.CostTracker, persisting one completed
// generation for downstream cost/usage reporting.
func (r *Repository) LogLLMCall(ctx context.Context, workspaceID, executionID, provider, model string, tokensPrompt, tokensCompletion int, latencyMS int64, metadata map[string]interface{}) error {
	encodedMetadata, err := marshalJSON(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO llm_call_logs
			(id, workspace_id, execution_id, provider, model, tokens_prompt,
			 tokens_completion, latency_ms, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		newID(), workspaceID, executionID, provider, model, tokensPrompt,
		tokensCompletion, latencyMS, encodedMetadata, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert llm call log: %w", err)
	}
	return nil
}

// ListLLMCalls returns recent call logs for a workspace, most recent first.
func (r *Repository) ListLLMCalls(ctx context.Context, workspaceID string, limit int) ([]*models.LLMCallLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, workspace_id, execution_id, provider, model, tokens_prompt,
		       tokens_completion, latency_ms, metadata, created_at
		FROM llm_call_logs
		WHERE workspace_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query llm call logs: %w", err)
	}
	defer rows.Close()

	var out []*models.LLMCallLog
	for rows.Next() {
		var row llmCallLogRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan llm call log: %w", err)
		}
		model, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, model)
	}
	return out, rows.Err()
}

type llmCallLogRow struct {
	ID               string    `db:"id"`
	WorkspaceID      string    `db:"workspace_id"`
	ExecutionID      string    `db:"execution_id"`
	Provider         string    `db:"provider"`
	Model            string    `db:"model"`
	TokensPrompt     int       `db:"tokens_prompt"`
	TokensCompletion int       `db:"tokens_completion"`
	LatencyMS        int64     `db:"latency_ms"`
	Metadata         []byte    `db:"metadata"`
	CreatedAt        time.Time `db:"created_at"`
}

func (row llmCallLogRow) toModel() (*models.LLMCallLog, error) {
	out := &models.LLMCallLog{
		ID:               row.ID,
		WorkspaceID:      row.WorkspaceID,
		ExecutionID:      row.ExecutionID,
		Provider:         row.Provider,
		Model:            row.Model,
		TokensPrompt:     row.TokensPrompt,
		TokensCompletion: row.TokensCompletion,
		LatencyMS:        row.LatencyMS,
		CreatedAt:        row.CreatedAt,
	}
	if len(row.Metadata) > 0 {
		if err := unmarshalJSON(row.Metadata, &out.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return out, nil
}
