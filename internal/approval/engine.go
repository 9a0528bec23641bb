// Package approval implements the file-level approval engine: a human-gated
// state machine over per-file changes inside a workflow step, aggregating
// individual file decisions into a parent WorkflowStepApproval verdict with
// a complete, append-only audit trail.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/n8n-work/agent-core/internal/models"
)

// Store persists approval state. Implemented by internal/repo against the
// configured database.
type Store interface {
	CreateFileChange(ctx context.Context, change *models.FileChange) error
	CreateFileApproval(ctx context.Context, approval *models.FileApproval) error
	GetFileApproval(ctx context.Context, id string) (*models.FileApproval, error)
	UpdateFileApproval(ctx context.Context, approval *models.FileApproval) error
	ListFileApprovals(ctx context.Context, workflowStepApprovalID string) ([]*models.FileApproval, error)
	AppendHistory(ctx context.Context, row *models.ApprovalHistory) error
	ListHistory(ctx context.Context, workflowStepApprovalID string) ([]*models.ApprovalHistory, error)
	GetParentApproval(ctx context.Context, id string) (*models.WorkflowStepApproval, error)
	UpdateParentStatus(ctx context.Context, id string, status models.ApprovalStatus) error
}

// ActivityPublisher fans out approval lifecycle events. A nil publisher is
// valid; the engine then simply skips notification.
type ActivityPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]interface{}) error
}

// EventApprovalStatusChanged fires whenever a parent approval's rolled-up
// status changes as a result of a child transition.
const EventApprovalStatusChanged = "APPROVAL_STATUS_CHANGED"

// Engine runs the file-level approval state machine described above.
type Engine struct {
	store  Store
	events ActivityPublisher
	logger *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(store Store, events ActivityPublisher, logger *zap.Logger) *Engine {
	return &Engine{store: store, events: events, logger: logger}
}

func newID() string { return uuid.NewString() }

// FileChangeInput is one entry of an approval-data payload, as accepted by
// CreateFileChanges.
type FileChangeInput struct {
	FilePath        string
	FileName        string
	FileType        string
	ChangeType      models.FileChangeType
	IsNewFile       bool
	IsBinary        bool
	OriginalContent *string
	NewContent      *string
	DiffSummary     map[string]interface{}
	LineChanges     []models.LineChange
}

// CreateFileChanges materialises one FileChange and exactly one FileApproval
// (status=pending) per input entry, both associated with the parent
// WorkflowStepApproval.
func (e *Engine) CreateFileChanges(ctx context.Context, workflowStepApprovalID string, inputs []FileChangeInput) ([]*models.FileChange, error) {
	changes := make([]*models.FileChange, 0, len(inputs))
	for _, in := range inputs {
		change := &models.FileChange{
			ID:              newID(),
			ApprovalID:      workflowStepApprovalID,
			FilePath:        in.FilePath,
			FileName:        in.FileName,
			FileType:        in.FileType,
			ChangeType:      in.ChangeType,
			IsNewFile:       in.IsNewFile,
			IsBinary:        in.IsBinary,
			OriginalContent: in.OriginalContent,
			NewContent:      in.NewContent,
			DiffSummary:     in.DiffSummary,
			LineChanges:     in.LineChanges,
		}
		if err := e.store.CreateFileChange(ctx, change); err != nil {
			return nil, fmt.Errorf("create file change %q: %w", in.FilePath, err)
		}

		now := time.Now()
		fileApproval := &models.FileApproval{
			ID:                     newID(),
			FileChangeID:           change.ID,
			WorkflowStepApprovalID: workflowStepApprovalID,
			Status:                 models.ApprovalPending,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := e.store.CreateFileApproval(ctx, fileApproval); err != nil {
			return nil, fmt.Errorf("create file approval for %q: %w", in.FilePath, err)
		}

		changes = append(changes, change)
	}
	return changes, nil
}

// ApproveFile transitions a FileApproval pending -> approved.
func (e *Engine) ApproveFile(ctx context.Context, fileApprovalID, approvedBy, reviewerComment string, reviewMetadata map[string]interface{}) (*models.FileApproval, error) {
	return e.transition(ctx, fileApprovalID, models.ApprovalApproved, models.HistoryApprove, approvedBy, reviewerComment, reviewMetadata)
}

// RejectFile transitions a FileApproval pending -> rejected. A comment is
// required by the state table; callers are expected to supply one, but the
// engine does not itself reject an empty comment — that validation belongs
// to the API boundary.
func (e *Engine) RejectFile(ctx context.Context, fileApprovalID, rejectedBy, reviewerComment string, reviewMetadata map[string]interface{}) (*models.FileApproval, error) {
	return e.transition(ctx, fileApprovalID, models.ApprovalRejected, models.HistoryReject, rejectedBy, reviewerComment, reviewMetadata)
}

// RequestFileChanges transitions a FileApproval pending -> changes_requested.
func (e *Engine) RequestFileChanges(ctx context.Context, fileApprovalID, requestedBy, reviewerComment string, reviewMetadata map[string]interface{}) (*models.FileApproval, error) {
	return e.transition(ctx, fileApprovalID, models.ApprovalChangesRequested, models.HistoryRequestChanges, requestedBy, reviewerComment, reviewMetadata)
}

// transition applies one of the three terminal pending->X transitions,
// writes its history row, persists the FileApproval, and re-evaluates the
// parent roll-up.
func (e *Engine) transition(ctx context.Context, fileApprovalID string, to models.ApprovalStatus, action models.ApprovalHistoryAction, actor, comment string, reviewMetadata map[string]interface{}) (*models.FileApproval, error) {
	fileApproval, err := e.store.GetFileApproval(ctx, fileApprovalID)
	if err != nil {
		return nil, fmt.Errorf("get file approval %q: %w", fileApprovalID, err)
	}
	if fileApproval == nil {
		return nil, fmt.Errorf("file approval %q not found", fileApprovalID)
	}

	from := fileApproval.Status
	now := time.Now()

	fileApproval.Status = to
	fileApproval.ApprovedBy = actor
	fileApproval.ReviewerComment = comment
	fileApproval.ReviewMetadata = reviewMetadata
	fileApproval.ReviewedAt = &now
	fileApproval.UpdatedAt = now

	if err := e.store.UpdateFileApproval(ctx, fileApproval); err != nil {
		return nil, fmt.Errorf("update file approval %q: %w", fileApprovalID, err)
	}

	if err := e.recordHistory(ctx, fileApprovalID, action, actor, from, to, comment); err != nil {
		return nil, err
	}

	if err := e.reevaluateParent(ctx, fileApproval.WorkflowStepApprovalID); err != nil {
		return nil, err
	}

	return fileApproval, nil
}

// RollbackFileApproval resets a FileApproval from any terminal status back
// to pending, clearing the prior review decision.
func (e *Engine) RollbackFileApproval(ctx context.Context, fileApprovalID, rolledBackBy, rollbackReason string) (*models.FileApproval, error) {
	fileApproval, err := e.store.GetFileApproval(ctx, fileApprovalID)
	if err != nil {
		return nil, fmt.Errorf("get file approval %q: %w", fileApprovalID, err)
	}
	if fileApproval == nil {
		return nil, fmt.Errorf("file approval %q not found", fileApprovalID)
	}

	from := fileApproval.Status

	fileApproval.Status = models.ApprovalPending
	fileApproval.ApprovedBy = ""
	fileApproval.ReviewerComment = ""
	fileApproval.ReviewedAt = nil
	fileApproval.ReviewMetadata = map[string]interface{}{
		"rollback_reason": rollbackReason,
		"rolled_back_by":  rolledBackBy,
	}
	fileApproval.UpdatedAt = time.Now()

	if err := e.store.UpdateFileApproval(ctx, fileApproval); err != nil {
		return nil, fmt.Errorf("update file approval %q: %w", fileApprovalID, err)
	}

	if err := e.recordHistory(ctx, fileApprovalID, models.HistoryRollback, rolledBackBy, from, models.ApprovalPending, rollbackReason); err != nil {
		return nil, err
	}

	if err := e.reevaluateParent(ctx, fileApproval.WorkflowStepApprovalID); err != nil {
		return nil, err
	}

	return fileApproval, nil
}

// AddInlineComment appends a line-level comment without changing status.
// The state table treats "comment" as a no-op transition that still
// produces exactly one history row.
func (e *Engine) AddInlineComment(ctx context.Context, fileApprovalID string, lineNumber int, commentText, commentedBy string) (*models.FileApproval, error) {
	fileApproval, err := e.store.GetFileApproval(ctx, fileApprovalID)
	if err != nil {
		return nil, fmt.Errorf("get file approval %q: %w", fileApprovalID, err)
	}
	if fileApproval == nil {
		return nil, fmt.Errorf("file approval %q not found", fileApprovalID)
	}

	fileApproval.InlineComments = append(fileApproval.InlineComments, models.InlineComment{
		LineNumber: lineNumber,
		Text:       commentText,
		Commenter:  commentedBy,
		CreatedAt:  time.Now(),
	})
	fileApproval.UpdatedAt = time.Now()

	if err := e.store.UpdateFileApproval(ctx, fileApproval); err != nil {
		return nil, fmt.Errorf("update file approval %q: %w", fileApprovalID, err)
	}

	historyComment := fmt.Sprintf("comment on line %d: %s", lineNumber, commentText)
	if err := e.recordHistory(ctx, fileApprovalID, models.HistoryComment, commentedBy, fileApproval.Status, fileApproval.Status, historyComment); err != nil {
		return nil, err
	}

	return fileApproval, nil
}

func (e *Engine) recordHistory(ctx context.Context, fileApprovalID string, action models.ApprovalHistoryAction, actor string, from, to models.ApprovalStatus, comment string) error {
	row := &models.ApprovalHistory{
		ID:             newID(),
		FileApprovalID: fileApprovalID,
		ActionType:     action,
		Actor:          actor,
		OldStatus:      from,
		NewStatus:      to,
		ActionComment:  comment,
		Timestamp:      time.Now(),
	}
	if err := e.store.AppendHistory(ctx, row); err != nil {
		return fmt.Errorf("append approval history: %w", err)
	}
	return nil
}

// reevaluateParent recomputes the parent WorkflowStepApproval's status from
// its children per the roll-up precedence: any rejection wins, else any
// changes_requested, else all approved, else pending.
func (e *Engine) reevaluateParent(ctx context.Context, workflowStepApprovalID string) error {
	children, err := e.store.ListFileApprovals(ctx, workflowStepApprovalID)
	if err != nil {
		return fmt.Errorf("list file approvals for %q: %w", workflowStepApprovalID, err)
	}

	rolledUp := rollUp(children)

	parent, err := e.store.GetParentApproval(ctx, workflowStepApprovalID)
	if err != nil {
		return fmt.Errorf("get parent approval %q: %w", workflowStepApprovalID, err)
	}
	if parent != nil && parent.Status == rolledUp {
		return nil
	}

	if err := e.store.UpdateParentStatus(ctx, workflowStepApprovalID, rolledUp); err != nil {
		return fmt.Errorf("update parent approval status %q: %w", workflowStepApprovalID, err)
	}

	if e.events != nil {
		_ = e.events.Publish(ctx, EventApprovalStatusChanged, map[string]interface{}{
			"workflow_step_approval_id": workflowStepApprovalID,
			"status":                    string(rolledUp),
		})
	}
	return nil
}

func rollUp(children []*models.FileApproval) models.ApprovalStatus {
	if len(children) == 0 {
		return models.ApprovalPending
	}

	anyRejected := false
	anyChangesRequested := false
	allApproved := true

	for _, child := range children {
		switch child.Status {
		case models.ApprovalRejected:
			anyRejected = true
		case models.ApprovalChangesRequested:
			anyChangesRequested = true
			allApproved = false
		case models.ApprovalApproved:
			// contributes nothing beyond allApproved staying true
		default:
			allApproved = false
		}
	}

	switch {
	case anyRejected:
		return models.ApprovalRejected
	case anyChangesRequested:
		return models.ApprovalChangesRequested
	case allApproved:
		return models.ApprovalApproved
	default:
		return models.ApprovalPending
	}
}

// ApproveAll bulk-approves every pending file under a parent approval as a
// sequence of single-file approvals sharing one actor and comment. The
// roll-up is re-evaluated after each step; if no file is rejected or sent
// back for changes the final parent status is approved.
func (e *Engine) ApproveAll(ctx context.Context, workflowStepApprovalID, approvedBy, reviewerComment string) ([]*models.FileApproval, error) {
	children, err := e.store.ListFileApprovals(ctx, workflowStepApprovalID)
	if err != nil {
		return nil, fmt.Errorf("list file approvals for %q: %w", workflowStepApprovalID, err)
	}

	approved := make([]*models.FileApproval, 0, len(children))
	for _, child := range children {
		if child.Status != models.ApprovalPending {
			continue
		}
		updated, err := e.ApproveFile(ctx, child.ID, approvedBy, reviewerComment, nil)
		if err != nil {
			return nil, err
		}
		approved = append(approved, updated)
	}
	return approved, nil
}

// ListFileApprovals returns every FileApproval under a parent, in the order
// the store returns them.
func (e *Engine) ListFileApprovals(ctx context.Context, workflowStepApprovalID string) ([]*models.FileApproval, error) {
	return e.store.ListFileApprovals(ctx, workflowStepApprovalID)
}

// GetApprovalHistory returns the audit trail for a parent approval, most
// recent first.
func (e *Engine) GetApprovalHistory(ctx context.Context, workflowStepApprovalID string) ([]*models.ApprovalHistory, error) {
	return e.store.ListHistory(ctx, workflowStepApprovalID)
}
