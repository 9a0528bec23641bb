package approval

import (
	"context"
	"sort"
	"testing"

	"github.com/n8n-work/agent-core/internal/models"
)

type memStore struct {
	changes   map[string]*models.FileChange
	approvals map[string]*models.FileApproval
	history   []*models.ApprovalHistory
	parents   map[string]*models.WorkflowStepApproval
}

func newMemStore() *memStore {
	return &memStore{
		changes:   map[string]*models.FileChange{},
		approvals: map[string]*models.FileApproval{},
		parents:   map[string]*models.WorkflowStepApproval{},
	}
}

func (s *memStore) CreateFileChange(ctx context.Context, change *models.FileChange) error {
	s.changes[change.ID] = change
	if _, ok := s.parents[change.ApprovalID]; !ok {
		s.parents[change.ApprovalID] = &models.WorkflowStepApproval{ID: change.ApprovalID, Status: models.ApprovalPending}
	}
	return nil
}

func (s *memStore) CreateFileApproval(ctx context.Context, approval *models.FileApproval) error {
	s.approvals[approval.ID] = approval
	return nil
}

func (s *memStore) GetFileApproval(ctx context.Context, id string) (*models.FileApproval, error) {
	return s.approvals[id], nil
}

func (s *memStore) UpdateFileApproval(ctx context.Context, approval *models.FileApproval) error {
	s.approvals[approval.ID] = approval
	return nil
}

func (s *memStore) ListFileApprovals(ctx context.Context, workflowStepApprovalID string) ([]*models.FileApproval, error) {
	var out []*models.FileApproval
	for _, a := range s.approvals {
		if a.WorkflowStepApprovalID == workflowStepApprovalID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) AppendHistory(ctx context.Context, row *models.ApprovalHistory) error {
	s.history = append(s.history, row)
	return nil
}

func (s *memStore) ListHistory(ctx context.Context, workflowStepApprovalID string) ([]*models.ApprovalHistory, error) {
	var out []*models.ApprovalHistory
	for _, row := range s.history {
		approval := s.approvals[row.FileApprovalID]
		if approval != nil && approval.WorkflowStepApprovalID == workflowStepApprovalID {
			out = append(out, row)
		}
	}
	// most recent first
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *memStore) GetParentApproval(ctx context.Context, id string) (*models.WorkflowStepApproval, error) {
	return s.parents[id], nil
}

func (s *memStore) UpdateParentStatus(ctx context.Context, id string, status models.ApprovalStatus) error {
	parent, ok := s.parents[id]
	if !ok {
		parent = &models.WorkflowStepApproval{ID: id}
		s.parents[id] = parent
	}
	parent.Status = status
	return nil
}

func newTestEngine() (*Engine, *memStore) {
	store := newMemStore()
	return NewEngine(store, nil, nil), store
}

func strPtr(s string) *string { return &s }

func TestCreateFileChanges_MaterialisesPendingApprovals(t *testing.T) {
	engine, _ := newTestEngine()

	changes, err := engine.CreateFileChanges(context.Background(), "parent-1", []FileChangeInput{
		{FilePath: "src/app.py", FileName: "app.py", FileType: "py", ChangeType: models.FileModified, OriginalContent: strPtr("old"), NewContent: strPtr("new")},
		{FilePath: "README.md", FileName: "README.md", FileType: "md", ChangeType: models.FileCreated, IsNewFile: true, NewContent: strPtr("# hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 file changes, got %d", len(changes))
	}

	approvals, err := engine.ListFileApprovals(context.Background(), "parent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(approvals) != 2 {
		t.Fatalf("expected 2 file approvals, got %d", len(approvals))
	}
	for _, a := range approvals {
		if a.Status != models.ApprovalPending {
			t.Fatalf("expected pending status, got %v", a.Status)
		}
	}
}

func TestApproveFile_RecordsHistoryAndRollsUpParent(t *testing.T) {
	engine, _ := newTestEngine()
	changes, _ := engine.CreateFileChanges(context.Background(), "parent-1", []FileChangeInput{
		{FilePath: "src/test.py", FileName: "test.py", ChangeType: models.FileCreated, IsNewFile: true, NewContent: strPtr("print('hi')")},
	})
	approvals, _ := engine.ListFileApprovals(context.Background(), "parent-1")
	_ = changes

	approved, err := engine.ApproveFile(context.Background(), approvals[0].ID, "test-user", "Looks good!", map[string]interface{}{"reviewed_quickly": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if approved.Status != models.ApprovalApproved {
		t.Fatalf("expected approved, got %v", approved.Status)
	}
	if approved.ReviewedAt == nil {
		t.Fatal("expected reviewed_at to be set")
	}

	history, err := engine.GetApprovalHistory(context.Background(), "parent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected exactly one history row, got %d", len(history))
	}
	if history[0].ActionType != models.HistoryApprove || history[0].NewStatus != models.ApprovalApproved {
		t.Fatalf("unexpected history row: %+v", history[0])
	}

	parent, _ := engine.store.GetParentApproval(context.Background(), "parent-1")
	if parent.Status != models.ApprovalApproved {
		t.Fatalf("expected parent rolled up to approved, got %v", parent.Status)
	}
}

func TestRejectFile_ParentBecomesRejected(t *testing.T) {
	engine, _ := newTestEngine()
	engine.CreateFileChanges(context.Background(), "parent-1", []FileChangeInput{
		{FilePath: "src/bad.py", ChangeType: models.FileModified},
	})
	approvals, _ := engine.ListFileApprovals(context.Background(), "parent-1")

	rejected, err := engine.RejectFile(context.Background(), approvals[0].ID, "reviewer", "breaks functionality", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rejected.Status != models.ApprovalRejected {
		t.Fatalf("expected rejected, got %v", rejected.Status)
	}

	parent, _ := engine.store.GetParentApproval(context.Background(), "parent-1")
	if parent.Status != models.ApprovalRejected {
		t.Fatalf("expected parent rejected, got %v", parent.Status)
	}
}

func TestAddInlineComment_DoesNotChangeStatus(t *testing.T) {
	engine, _ := newTestEngine()
	engine.CreateFileChanges(context.Background(), "parent-1", []FileChangeInput{
		{FilePath: "src/commented.py", ChangeType: models.FileModified},
	})
	approvals, _ := engine.ListFileApprovals(context.Background(), "parent-1")

	updated, err := engine.AddInlineComment(context.Background(), approvals[0].ID, 1, "use a better name", "reviewer-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != models.ApprovalPending {
		t.Fatalf("comment must not change status, got %v", updated.Status)
	}
	if len(updated.InlineComments) != 1 || updated.InlineComments[0].LineNumber != 1 {
		t.Fatalf("expected one inline comment on line 1, got %+v", updated.InlineComments)
	}

	updated, _ = engine.AddInlineComment(context.Background(), approvals[0].ID, 2, "nice indentation", "reviewer-2")
	if len(updated.InlineComments) != 2 {
		t.Fatalf("expected two inline comments, got %d", len(updated.InlineComments))
	}

	history, _ := engine.GetApprovalHistory(context.Background(), "parent-1")
	if len(history) != 2 {
		t.Fatalf("expected one history row per comment, got %d", len(history))
	}
	for _, row := range history {
		if row.ActionType != models.HistoryComment {
			t.Fatalf("expected comment history rows, got %v", row.ActionType)
		}
		if row.OldStatus != row.NewStatus {
			t.Fatalf("comment history must not show a status change, got %v -> %v", row.OldStatus, row.NewStatus)
		}
	}
}

func TestRollbackFileApproval_ResetsToPending(t *testing.T) {
	engine, _ := newTestEngine()
	engine.CreateFileChanges(context.Background(), "parent-1", []FileChangeInput{
		{FilePath: "src/rollback.py", ChangeType: models.FileCreated, IsNewFile: true},
	})
	approvals, _ := engine.ListFileApprovals(context.Background(), "parent-1")

	engine.ApproveFile(context.Background(), approvals[0].ID, "test-user", "Initial approval", nil)

	rolledBack, err := engine.RollbackFileApproval(context.Background(), approvals[0].ID, "admin-user", "need more changes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rolledBack.Status != models.ApprovalPending {
		t.Fatalf("expected pending after rollback, got %v", rolledBack.Status)
	}
	if rolledBack.ApprovedBy != "" || rolledBack.ReviewerComment != "" || rolledBack.ReviewedAt != nil {
		t.Fatalf("expected review decision cleared, got %+v", rolledBack)
	}
	if rolledBack.ReviewMetadata["rollback_reason"] != "need more changes" {
		t.Fatalf("expected rollback reason recorded, got %v", rolledBack.ReviewMetadata)
	}

	parent, _ := engine.store.GetParentApproval(context.Background(), "parent-1")
	if parent.Status != models.ApprovalPending {
		t.Fatalf("expected parent back to pending, got %v", parent.Status)
	}
}

// TestMixedFileStatusRollup exercises scenario S6: approve file 1,
// request_changes on file 2, reject file 3 -> rejected wins.
func TestMixedFileStatusRollup(t *testing.T) {
	engine, _ := newTestEngine()
	engine.CreateFileChanges(context.Background(), "parent-1", []FileChangeInput{
		{FilePath: "src/file1.py", ChangeType: models.FileCreated, IsNewFile: true},
		{FilePath: "src/file2.py", ChangeType: models.FileCreated, IsNewFile: true},
		{FilePath: "src/file3.py", ChangeType: models.FileCreated, IsNewFile: true},
	})
	approvals, _ := engine.ListFileApprovals(context.Background(), "parent-1")
	if len(approvals) != 3 {
		t.Fatalf("expected 3 file approvals, got %d", len(approvals))
	}

	parent, _ := engine.store.GetParentApproval(context.Background(), "parent-1")
	if parent.Status != models.ApprovalPending {
		t.Fatalf("expected initial pending, got %v", parent.Status)
	}

	engine.ApproveFile(context.Background(), approvals[0].ID, "reviewer", "", nil)
	parent, _ = engine.store.GetParentApproval(context.Background(), "parent-1")
	if parent.Status != models.ApprovalPending {
		t.Fatalf("expected still pending after one approval, got %v", parent.Status)
	}

	engine.RequestFileChanges(context.Background(), approvals[1].ID, "reviewer", "needs improvements", nil)
	parent, _ = engine.store.GetParentApproval(context.Background(), "parent-1")
	if parent.Status != models.ApprovalChangesRequested {
		t.Fatalf("expected changes_requested, got %v", parent.Status)
	}

	engine.RejectFile(context.Background(), approvals[2].ID, "reviewer", "problematic", nil)
	parent, _ = engine.store.GetParentApproval(context.Background(), "parent-1")
	if parent.Status != models.ApprovalRejected {
		t.Fatalf("expected rejected (any rejection wins), got %v", parent.Status)
	}
}

func TestApproveAll_BulkApprovalReachesApproved(t *testing.T) {
	engine, _ := newTestEngine()
	inputs := make([]FileChangeInput, 0, 5)
	for i := 0; i < 5; i++ {
		inputs = append(inputs, FileChangeInput{FilePath: "src/file.py", ChangeType: models.FileCreated, IsNewFile: true})
	}
	engine.CreateFileChanges(context.Background(), "parent-1", inputs)

	approved, err := engine.ApproveAll(context.Background(), "parent-1", "bulk-approver", "Bulk approved")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(approved) != 5 {
		t.Fatalf("expected 5 approved files, got %d", len(approved))
	}
	for _, a := range approved {
		if a.Status != models.ApprovalApproved || a.ApprovedBy != "bulk-approver" {
			t.Fatalf("unexpected file approval state: %+v", a)
		}
	}

	parent, _ := engine.store.GetParentApproval(context.Background(), "parent-1")
	if parent.Status != models.ApprovalApproved {
		t.Fatalf("expected parent approved after bulk approval, got %v", parent.Status)
	}
}

func TestApprovalHistory_MostRecentFirst(t *testing.T) {
	engine, _ := newTestEngine()
	engine.CreateFileChanges(context.Background(), "parent-1", []FileChangeInput{
		{FilePath: "src/history.py", ChangeType: models.FileCreated, IsNewFile: true},
	})
	approvals, _ := engine.ListFileApprovals(context.Background(), "parent-1")

	engine.AddInlineComment(context.Background(), approvals[0].ID, 1, "Good start", "reviewer-1")
	engine.ApproveFile(context.Background(), approvals[0].ID, "reviewer-1", "Looks good after review", nil)

	history, err := engine.GetApprovalHistory(context.Background(), "parent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}
	if history[0].ActionType != models.HistoryApprove {
		t.Fatalf("expected most recent row (approve) first, got %v", history[0].ActionType)
	}
	if history[1].ActionType != models.HistoryComment {
		t.Fatalf("expected comment row second, got %v", history[1].ActionType)
	}
	if history[0].OldStatus != models.ApprovalPending || history[0].NewStatus != models.ApprovalApproved {
		t.Fatalf("unexpected approve row transition: %+v", history[0])
	}
}
