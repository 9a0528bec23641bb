package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/n8n-work/agent-core/internal/models"
)

// CreateFileChange persists a proposed file change, implementing approval.Store.
func (r *Repository) CreateFileChange(ctx context.Context, change *models.FileChange) error {
	diffSummary, err := marshalJSON(change.DiffSummary)
	if err != nil {
		return fmt.Errorf("encode diff_summary: %w", err)
	}
	lineChanges, err := marshalJSON(change.LineChanges)
	if err != nil {
		return fmt.Errorf("encode line_changes: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO file_changes
			(id, approval_id, file_path, file_name, file_type, change_type,
			 is_new_file, is_binary, original_content, new_content, diff_summary, line_changes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		change.ID, change.ApprovalID, change.FilePath, change.FileName, change.FileType, change.ChangeType,
		change.IsNewFile, change.IsBinary, change.OriginalContent, change.NewContent, diffSummary, lineChanges)
	if err != nil {
		return fmt.Errorf("insert file change: %w", err)
	}
	return nil
}

// CreateFileApproval persists a pending per-file approval row, implementing
// approval.Store.
func (r *Repository) CreateFileApproval(ctx context.Context, approval *models.FileApproval) error {
	return r.upsertFileApproval(ctx, approval, true)
}

// UpdateFileApproval persists a file approval's new state, implementing
// approval.Store.
func (r *Repository) UpdateFileApproval(ctx context.Context, approval *models.FileApproval) error {
	return r.upsertFileApproval(ctx, approval, false)
}

func (r *Repository) upsertFileApproval(ctx context.Context, approval *models.FileApproval, insert bool) error {
	inlineComments, err := marshalJSON(approval.InlineComments)
	if err != nil {
		return fmt.Errorf("encode inline_comments: %w", err)
	}
	reviewMetadata, err := marshalJSON(approval.ReviewMetadata)
	if err != nil {
		return fmt.Errorf("encode review_metadata: %w", err)
	}

	if insert {
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO file_approvals
				(id, file_change_id, workflow_step_approval_id, status, approved_by,
				 reviewer_comment, inline_comments, review_metadata, reviewed_at, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			approval.ID, approval.FileChangeID, approval.WorkflowStepApprovalID, approval.Status, approval.ApprovedBy,
			approval.ReviewerComment, inlineComments, reviewMetadata, approval.ReviewedAt, approval.CreatedAt, approval.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert file approval: %w", err)
		}
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE file_approvals
		SET status = $1, approved_by = $2, reviewer_comment = $3,
		    inline_comments = $4, review_metadata = $5, reviewed_at = $6, updated_at = $7
		WHERE id = $8`,
		approval.Status, approval.ApprovedBy, approval.ReviewerComment,
		inlineComments, reviewMetadata, approval.ReviewedAt, approval.UpdatedAt, approval.ID)
	if err != nil {
		return fmt.Errorf("update file approval: %w", err)
	}
	return nil
}

type fileApprovalRow struct {
	ID                     string     `db:"id"`
	FileChangeID           string     `db:"file_change_id"`
	WorkflowStepApprovalID string     `db:"workflow_step_approval_id"`
	Status                 string     `db:"status"`
	ApprovedBy             string     `db:"approved_by"`
	ReviewerComment        string     `db:"reviewer_comment"`
	InlineComments         []byte     `db:"inline_comments"`
	ReviewMetadata         []byte     `db:"review_metadata"`
	ReviewedAt             *time.Time `db:"reviewed_at"`
	CreatedAt              time.Time  `db:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at"`
}

func (row fileApprovalRow) toModel() (*models.FileApproval, error) {
	approval := &models.FileApproval{
		ID:                     row.ID,
		FileChangeID:           row.FileChangeID,
		WorkflowStepApprovalID: row.WorkflowStepApprovalID,
		Status:                 models.ApprovalStatus(row.Status),
		ApprovedBy:             row.ApprovedBy,
		ReviewerComment:        row.ReviewerComment,
		ReviewedAt:             row.ReviewedAt,
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
	}
	if err := unmarshalJSON(row.InlineComments, &approval.InlineComments); err != nil {
		return nil, fmt.Errorf("decode inline_comments: %w", err)
	}
	if err := unmarshalJSON(row.ReviewMetadata, &approval.ReviewMetadata); err != nil {
		return nil, fmt.Errorf("decode review_metadata: %w", err)
	}
	return approval, nil
}

// GetFileApproval loads one file approval by id, implementing approval.Store.
func (r *Repository) GetFileApproval(ctx context.Context, id string) (*models.FileApproval, error) {
	var row fileApprovalRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, file_change_id, workflow_step_approval_id, status, approved_by,
		       reviewer_comment, inline_comments, review_metadata, reviewed_at, created_at, updated_at
		FROM file_approvals WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("load file approval: %w", err)
	}
	return row.toModel()
}

// ListFileApprovals lists every file approval under one parent
// WorkflowStepApproval, implementing approval.Store.
func (r *Repository) ListFileApprovals(ctx context.Context, workflowStepApprovalID string) ([]*models.FileApproval, error) {
	var rows []fileApprovalRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, file_change_id, workflow_step_approval_id, status, approved_by,
		       reviewer_comment, inline_comments, review_metadata, reviewed_at, created_at, updated_at
		FROM file_approvals WHERE workflow_step_approval_id = $1 ORDER BY created_at`, workflowStepApprovalID)
	if err != nil {
		return nil, fmt.Errorf("list file approvals: %w", err)
	}
	approvals := make([]*models.FileApproval, 0, len(rows))
	for _, row := range rows {
		approval, err := row.toModel()
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	return approvals, nil
}

// AppendHistory writes one append-only ApprovalHistory row, implementing
// approval.Store.
func (r *Repository) AppendHistory(ctx context.Context, row *models.ApprovalHistory) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO approval_history
			(id, file_approval_id, action_type, actor, old_status, new_status, action_comment, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		row.ID, row.FileApprovalID, row.ActionType, row.Actor, row.OldStatus, row.NewStatus, row.ActionComment, row.Timestamp)
	if err != nil {
		return fmt.Errorf("insert approval history: %w", err)
	}
	return nil
}

// ListHistory returns every history row for a file approval, most recent
// first, implementing approval.Store.
func (r *Repository) ListHistory(ctx context.Context, fileApprovalID string) ([]*models.ApprovalHistory, error) {
	var rows []*models.ApprovalHistory
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, file_approval_id, action_type, actor, old_status, new_status, action_comment, timestamp
		FROM approval_history WHERE file_approval_id = $1 ORDER BY timestamp DESC`, fileApprovalID)
	if err != nil {
		return nil, fmt.Errorf("list approval history: %w", err)
	}
	return rows, nil
}

// GetParentApproval loads the aggregating WorkflowStepApproval, implementing
// approval.Store.
func (r *Repository) GetParentApproval(ctx context.Context, id string) (*models.WorkflowStepApproval, error) {
	var parent models.WorkflowStepApproval
	err := r.db.GetContext(ctx, &parent, `
		SELECT id, step_execution_id, workflow_execution_id, workspace_id, project_id,
		       title, description, status, created_at, updated_at
		FROM workflow_step_approvals WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("load parent approval: %w", err)
	}
	return &parent, nil
}

// UpdateParentStatus persists the parent approval's rolled-up status,
// implementing approval.Store.
func (r *Repository) UpdateParentStatus(ctx context.Context, id string, status models.ApprovalStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workflow_step_approvals SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update parent approval status: %w", err)
	}
	return nil
}
