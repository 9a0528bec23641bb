package repo

import (
	"context"
	"testing"
	"time"

	"github.com/n8n-work/agent-core/internal/models"
)

func newApprovalsTestRepository(t *testing.T) *Repository {
	t.Helper()
	r, err := New("sqlite://file::memory:?cache=shared", nil)
	if err != nil {
		t.Fatalf("open test repository: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	schema := []string{
		`CREATE TABLE workflow_step_approvals (
			id TEXT PRIMARY KEY, step_execution_id TEXT, workflow_execution_id TEXT,
			workspace_id TEXT, project_id TEXT, title TEXT, description TEXT,
			status TEXT, created_at DATETIME, updated_at DATETIME
		)`,
		`CREATE TABLE file_changes (
			id TEXT PRIMARY KEY, approval_id TEXT, file_path TEXT, file_name TEXT,
			file_type TEXT, change_type TEXT, is_new_file BOOLEAN, is_binary BOOLEAN,
			original_content TEXT, new_content TEXT, diff_summary BLOB, line_changes BLOB
		)`,
		`CREATE TABLE file_approvals (
			id TEXT PRIMARY KEY, file_change_id TEXT, workflow_step_approval_id TEXT,
			status TEXT, approved_by TEXT, reviewer_comment TEXT, inline_comments BLOB,
			review_metadata BLOB, reviewed_at DATETIME, created_at DATETIME, updated_at DATETIME
		)`,
		`CREATE TABLE approval_history (
			id TEXT PRIMARY KEY, file_approval_id TEXT, action_type TEXT, actor TEXT,
			old_status TEXT, new_status TEXT, action_comment TEXT, timestamp DATETIME
		)`,
	}
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return r
}

func TestRepository_ApprovalRollupLifecycle(t *testing.T) {
	r := newApprovalsTestRepository(t)
	ctx := context.Background()
	now := time.Now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflow_step_approvals
			(id, step_execution_id, workflow_execution_id, workspace_id, project_id,
			 title, description, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		"approval-1", "step-exec-1", "exec-1", "ws-1", "proj-1",
		"Apply refactor", "", models.ApprovalPending, now, now)
	if err != nil {
		t.Fatalf("seed parent approval: %v", err)
	}

	change := &models.FileChange{
		ID:         "change-1",
		ApprovalID: "approval-1",
		FilePath:   "internal/foo.go",
		FileName:   "foo.go",
		ChangeType: models.FileModified,
		LineChanges: []models.LineChange{
			{LineNumber: 10, NewLine: "	refactored := true"},
		},
	}
	if err := r.CreateFileChange(ctx, change); err != nil {
		t.Fatalf("create file change: %v", err)
	}

	fileApproval := &models.FileApproval{
		ID:                     "file-approval-1",
		FileChangeID:           "change-1",
		WorkflowStepApprovalID: "approval-1",
		Status:                 models.ApprovalPending,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := r.CreateFileApproval(ctx, fileApproval); err != nil {
		t.Fatalf("create file approval: %v", err)
	}

	fileApproval.Status = models.ApprovalApproved
	fileApproval.ApprovedBy = "reviewer-1"
	fileApproval.UpdatedAt = now.Add(time.Minute)
	reviewedAt := fileApproval.UpdatedAt
	fileApproval.ReviewedAt = &reviewedAt
	if err := r.UpdateFileApproval(ctx, fileApproval); err != nil {
		t.Fatalf("update file approval: %v", err)
	}

	history := &models.ApprovalHistory{
		ID:             "history-1",
		FileApprovalID: "file-approval-1",
		ActionType:     models.HistoryApprove,
		Actor:          "reviewer-1",
		OldStatus:      models.ApprovalPending,
		NewStatus:      models.ApprovalApproved,
		Timestamp:      now.Add(time.Minute),
	}
	if err := r.AppendHistory(ctx, history); err != nil {
		t.Fatalf("append history: %v", err)
	}

	if err := r.UpdateParentStatus(ctx, "approval-1", models.ApprovalApproved); err != nil {
		t.Fatalf("update parent status: %v", err)
	}

	loaded, err := r.GetFileApproval(ctx, "file-approval-1")
	if err != nil {
		t.Fatalf("get file approval: %v", err)
	}
	if loaded.Status != models.ApprovalApproved || loaded.ApprovedBy != "reviewer-1" {
		t.Fatalf("expected approval to persist, got %+v", loaded)
	}

	list, err := r.ListFileApprovals(ctx, "approval-1")
	if err != nil {
		t.Fatalf("list file approvals: %v", err)
	}
	if len(list) != 1 || list[0].ID != "file-approval-1" {
		t.Fatalf("expected exactly one file approval, got %+v", list)
	}

	historyRows, err := r.ListHistory(ctx, "file-approval-1")
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(historyRows) != 1 || historyRows[0].ActionType != models.HistoryApprove {
		t.Fatalf("expected one approve history row, got %+v", historyRows)
	}

	parent, err := r.GetParentApproval(ctx, "approval-1")
	if err != nil {
		t.Fatalf("get parent approval: %v", err)
	}
	if parent.Status != models.ApprovalApproved {
		t.Fatalf("expected parent status to roll up to approved, got %s", parent.Status)
	}
}
