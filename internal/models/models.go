// Package models holds the shared data types that flow between the
// dependency resolver, workflow engine, agent controller, LLM service, and
// the secret and file-approval engines.
package models

import "time"

// WorkflowStepType selects step dispatch behaviour in the engine.
type WorkflowStepType string

const (
	StepTypeTask       WorkflowStepType = "task"
	StepTypeCondition  WorkflowStepType = "condition"
	StepTypeParallel   WorkflowStepType = "parallel"
	StepTypeSequential WorkflowStepType = "sequential"
	StepTypeAgent      WorkflowStepType = "agent"
)

// WorkflowExecutionStatus is the lifecycle status of a WorkflowExecution.
type WorkflowExecutionStatus string

const (
	ExecutionPending                WorkflowExecutionStatus = "pending"
	ExecutionRunning                WorkflowExecutionStatus = "running"
	ExecutionWaitingForDependencies WorkflowExecutionStatus = "waiting_for_dependencies"
	ExecutionPaused                 WorkflowExecutionStatus = "paused"
	ExecutionCompleted              WorkflowExecutionStatus = "completed"
	ExecutionFailed                 WorkflowExecutionStatus = "failed"
	ExecutionCancelled              WorkflowExecutionStatus = "cancelled"
	ExecutionTimeout                WorkflowExecutionStatus = "timeout"
)

// WorkflowStepExecutionStatus is the lifecycle status of one step execution.
type WorkflowStepExecutionStatus string

const (
	StepPending   WorkflowStepExecutionStatus = "pending"
	StepWaiting   WorkflowStepExecutionStatus = "waiting"
	StepRunning   WorkflowStepExecutionStatus = "running"
	StepCompleted WorkflowStepExecutionStatus = "completed"
	StepFailed    WorkflowStepExecutionStatus = "failed"
	StepSkipped   WorkflowStepExecutionStatus = "skipped"
	StepRetrying  WorkflowStepExecutionStatus = "retrying"
	StepTimeout   WorkflowStepExecutionStatus = "timeout"
	StepCancelled WorkflowStepExecutionStatus = "cancelled"
)

// IsTerminal reports whether status is a terminal step status.
func (s WorkflowStepExecutionStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepTimeout, StepCancelled:
		return true
	default:
		return false
	}
}

// WorkflowDefinition is a named DAG of typed steps owned by a workspace/project.
type WorkflowDefinition struct {
	ID                    string                 `json:"id" db:"id"`
	WorkspaceID           string                 `json:"workspace_id" db:"workspace_id"`
	ProjectID             string                 `json:"project_id" db:"project_id"`
	Name                  string                 `json:"name" db:"name"`
	Version               int                    `json:"version" db:"version"`
	IsActive              bool                   `json:"is_active" db:"is_active"`
	DefaultTimeoutSeconds int                    `json:"default_timeout_seconds" db:"default_timeout_seconds"`
	DefaultMaxRetries     int                    `json:"default_max_retries" db:"default_max_retries"`
	Steps                 []*WorkflowStep        `json:"steps"`
	CreatedAt             time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at" db:"updated_at"`
}

// WorkflowStep is one node of a WorkflowDefinition's DAG.
type WorkflowStep struct {
	ID                   string                 `json:"id" db:"id"`
	WorkflowID           string                 `json:"workflow_id" db:"workflow_id"`
	Name                 string                 `json:"name" db:"name"`
	StepOrder            int                    `json:"step_order" db:"step_order"`
	StepType             WorkflowStepType       `json:"step_type" db:"step_type"`
	ConditionExpression  string                 `json:"condition_expression,omitempty" db:"condition_expression"`
	AgentDefinitionID    string                 `json:"agent_definition_id,omitempty" db:"agent_definition_id"`
	AgentInstanceID      string                 `json:"agent_instance_id,omitempty" db:"agent_instance_id"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	DependsOnSteps       []string               `json:"depends_on_steps"`
	Config               map[string]interface{} `json:"config"`
	TimeoutSeconds       int                    `json:"timeout_seconds,omitempty" db:"timeout_seconds"`
	MaxRetries           int                    `json:"max_retries,omitempty" db:"max_retries"`
}

// Inputs returns the step.config.inputs map, or nil if absent.
func (s *WorkflowStep) Inputs() map[string]interface{} {
	if s.Config == nil {
		return nil
	}
	raw, ok := s.Config["inputs"]
	if !ok {
		return nil
	}
	m, _ := raw.(map[string]interface{})
	return m
}

// RequiredCapabilitiesFromConfig reads "required_capabilities" out of Config
// when the typed field was left empty (the teacher's free-form config maps
// carry this per step-type rather than as a struct field everywhere).
func (s *WorkflowStep) RequiredCapabilitiesFromConfig() []string {
	if len(s.RequiredCapabilities) > 0 {
		return s.RequiredCapabilities
	}
	if s.Config == nil {
		return nil
	}
	raw, ok := s.Config["required_capabilities"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// WorkflowExecution is one run of a WorkflowDefinition.
type WorkflowExecution struct {
	ID                string                  `json:"id" db:"id"`
	WorkflowID        string                  `json:"workflow_id" db:"workflow_id"`
	WorkspaceID       string                  `json:"workspace_id" db:"workspace_id"`
	ProjectID         string                  `json:"project_id" db:"project_id"`
	ExecutionNumber   int                     `json:"execution_number" db:"execution_number"`
	Status            WorkflowExecutionStatus `json:"status" db:"status"`
	InputVariables    map[string]interface{}  `json:"input_variables" db:"-"`
	Results           map[string]interface{}  `json:"results,omitempty" db:"-"`
	Metadata          map[string]interface{}  `json:"metadata,omitempty" db:"-"`
	ParentExecutionID string                  `json:"parent_execution_id,omitempty" db:"parent_execution_id"`
	ErrorMessage      string                  `json:"error_message,omitempty" db:"error_message"`
	StartedAt         time.Time               `json:"started_at" db:"started_at"`
	CompletedAt       *time.Time              `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt         time.Time               `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at" db:"updated_at"`
}

// WorkflowStepExecution records one step's execution within a WorkflowExecution.
// Exactly one exists per (ExecutionID, StepID) pair.
type WorkflowStepExecution struct {
	ID           string                      `json:"id" db:"id"`
	ExecutionID  string                      `json:"execution_id" db:"execution_id"`
	StepID       string                      `json:"step_id" db:"step_id"`
	Status       WorkflowStepExecutionStatus `json:"status" db:"status"`
	InputData    map[string]interface{}      `json:"input_data,omitempty" db:"-"`
	OutputData   map[string]interface{}      `json:"output_data,omitempty" db:"-"`
	ErrorMessage string                      `json:"error_message,omitempty" db:"error_message"`
	Attempt      int                         `json:"attempt" db:"attempt"`
	StartedAt    time.Time                   `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time                  `json:"completed_at,omitempty" db:"completed_at"`
	Duration     time.Duration               `json:"duration" db:"-"`
}

// AgentDefinition describes a reusable agent type with fixed capabilities.
type AgentDefinition struct {
	ID              string   `json:"id" db:"id"`
	IsEnabled       bool     `json:"is_enabled" db:"is_enabled"`
	Capabilities    []string `json:"capabilities"`
	DefaultMemoryMB int      `json:"default_memory_mb" db:"default_memory_mb"`
	DefaultCPUCores int      `json:"default_cpu_cores" db:"default_cpu_cores"`
}

// AgentInstanceStatus is the lifecycle status of one AgentInstance.
type AgentInstanceStatus string

const (
	AgentIdle    AgentInstanceStatus = "idle"
	AgentBusy    AgentInstanceStatus = "busy"
	AgentError   AgentInstanceStatus = "error"
	AgentOffline AgentInstanceStatus = "offline"
)

// AgentInstance is a concrete, addressable instantiation of an AgentDefinition.
type AgentInstance struct {
	ID              string                 `json:"id" db:"id"`
	DefinitionID    string                 `json:"definition_id" db:"definition_id"`
	WorkspaceID     string                 `json:"workspace_id" db:"workspace_id"`
	ProjectID       string                 `json:"project_id" db:"project_id"`
	Name            string                 `json:"name" db:"name"`
	Status          AgentInstanceStatus    `json:"status" db:"status"`
	Config          map[string]interface{} `json:"config"`
	ErrorReason     string                 `json:"error_reason,omitempty" db:"error_reason"`
	LastHeartbeatAt time.Time              `json:"last_heartbeat_at" db:"last_heartbeat_at"`
}

// SecretRotationPolicy controls automatic rotation due-date computation.
type SecretRotationPolicy string

const (
	RotationManual  SecretRotationPolicy = "manual"
	Rotation30Days  SecretRotationPolicy = "auto_30d"
	Rotation60Days  SecretRotationPolicy = "auto_60d"
	Rotation90Days  SecretRotationPolicy = "auto_90d"
	Rotation180Days SecretRotationPolicy = "auto_180d"
	Rotation365Days SecretRotationPolicy = "auto_365d"
)

// RotationPolicyDays maps a policy to its day count; manual has no entry.
var RotationPolicyDays = map[SecretRotationPolicy]int{
	Rotation30Days:  30,
	Rotation60Days:  60,
	Rotation90Days:  90,
	Rotation180Days: 180,
	Rotation365Days: 365,
}

// Secret is a workspace-scoped, encrypted-at-rest secret value.
type Secret struct {
	ID             string                 `json:"id" db:"id"`
	WorkspaceID    string                 `json:"workspace_id" db:"workspace_id"`
	Name           string                 `json:"name" db:"name"`
	Type           string                 `json:"type" db:"type"`
	Usage          string                 `json:"usage,omitempty" db:"usage"`
	EncryptedValue string                 `json:"-" db:"encrypted_value"`
	KeyID          string                 `json:"-" db:"key_id"`
	RotationPolicy SecretRotationPolicy   `json:"rotation_policy" db:"rotation_policy"`
	LastRotatedAt  time.Time              `json:"last_rotated_at" db:"last_rotated_at"`
	RotationDueAt  *time.Time             `json:"rotation_due_at,omitempty" db:"rotation_due_at"`
	Tags           []string               `json:"tags,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IsActive       bool                   `json:"is_active" db:"is_active"`
	CreatedBy      string                 `json:"created_by" db:"created_by"`
	UpdatedBy      string                 `json:"updated_by" db:"updated_by"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}

// IsRotationDue reports whether the secret's rotation is due as of now.
func (s *Secret) IsRotationDue(now time.Time) bool {
	if s.RotationDueAt == nil {
		return false
	}
	return !s.RotationDueAt.After(now)
}

// SecretAuditAction enumerates the append-only audit action kinds.
type SecretAuditAction string

const (
	SecretAuditCreated  SecretAuditAction = "created"
	SecretAuditAccessed SecretAuditAction = "accessed"
	SecretAuditUpdated  SecretAuditAction = "updated"
	SecretAuditRotated  SecretAuditAction = "rotated"
	SecretAuditDeleted  SecretAuditAction = "deleted"
)

// SecretAudit is one append-only audit row. Never carries plaintext.
type SecretAudit struct {
	ID        string                 `json:"id" db:"id"`
	SecretID  string                 `json:"secret_id" db:"secret_id"`
	Action    SecretAuditAction      `json:"action" db:"action"`
	Actor     string                 `json:"actor" db:"actor"`
	IP        string                 `json:"ip,omitempty" db:"ip"`
	UserAgent string                 `json:"user_agent,omitempty" db:"user_agent"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
}

// LLMCallLog records one completed LLM generation for cost/usage reporting.
type LLMCallLog struct {
	ID               string                 `json:"id" db:"id"`
	WorkspaceID      string                 `json:"workspace_id" db:"workspace_id"`
	ExecutionID      string                 `json:"execution_id,omitempty" db:"execution_id"`
	Provider         string                 `json:"provider" db:"provider"`
	Model            string                 `json:"model" db:"model"`
	TokensPrompt     int                    `json:"tokens_prompt" db:"tokens_prompt"`
	TokensCompletion int                    `json:"tokens_completion" db:"tokens_completion"`
	LatencyMS        int64                  `json:"latency_ms" db:"latency_ms"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
}

// ApprovalStatus is shared by WorkflowStepApproval and FileApproval.
type ApprovalStatus string

const (
	ApprovalPending          ApprovalStatus = "pending"
	ApprovalApproved         ApprovalStatus = "approved"
	ApprovalRejected         ApprovalStatus = "rejected"
	ApprovalChangesRequested ApprovalStatus = "changes_requested"
)

// WorkflowStepApproval is the parent approval aggregating FileApproval children.
type WorkflowStepApproval struct {
	ID                  string         `json:"id" db:"id"`
	StepExecutionID     string         `json:"step_execution_id" db:"step_execution_id"`
	WorkflowExecutionID string         `json:"workflow_execution_id" db:"workflow_execution_id"`
	WorkspaceID         string         `json:"workspace_id" db:"workspace_id"`
	ProjectID           string         `json:"project_id" db:"project_id"`
	Title               string         `json:"title" db:"title"`
	Description         string         `json:"description" db:"description"`
	Status              ApprovalStatus `json:"status" db:"status"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
}

// FileChangeType enumerates the kind of change a FileChange represents.
type FileChangeType string

const (
	FileCreated  FileChangeType = "created"
	FileModified FileChangeType = "modified"
	FileDeleted  FileChangeType = "deleted"
	FileRenamed  FileChangeType = "renamed"
)

// LineChange is one line-level diff entry inside a FileChange.
type LineChange struct {
	OldLine    string `json:"old_line,omitempty"`
	NewLine    string `json:"new_line,omitempty"`
	LineNumber int    `json:"line_number"`
}

// FileChange is one file's proposed change inside a WorkflowStepApproval.
type FileChange struct {
	ID              string                 `json:"id" db:"id"`
	ApprovalID      string                 `json:"approval_id" db:"approval_id"`
	FilePath        string                 `json:"file_path" db:"file_path"`
	FileName        string                 `json:"file_name" db:"file_name"`
	FileType        string                 `json:"file_type" db:"file_type"`
	ChangeType      FileChangeType         `json:"change_type" db:"change_type"`
	IsNewFile       bool                   `json:"is_new_file" db:"is_new_file"`
	IsBinary        bool                   `json:"is_binary" db:"is_binary"`
	OriginalContent *string                `json:"original_content,omitempty"`
	NewContent      *string                `json:"new_content,omitempty"`
	DiffSummary     map[string]interface{} `json:"diff_summary,omitempty"`
	LineChanges     []LineChange           `json:"line_changes,omitempty"`
}

// InlineComment is a reviewer comment attached to a specific line.
type InlineComment struct {
	LineNumber int       `json:"line_number"`
	Text       string    `json:"text"`
	Commenter  string    `json:"commenter"`
	CreatedAt  time.Time `json:"created_at"`
}

// FileApproval is the per-file human decision gating a FileChange.
type FileApproval struct {
	ID                     string                 `json:"id" db:"id"`
	FileChangeID           string                 `json:"file_change_id" db:"file_change_id"`
	WorkflowStepApprovalID string                 `json:"workflow_step_approval_id" db:"workflow_step_approval_id"`
	Status                 ApprovalStatus         `json:"status" db:"status"`
	ApprovedBy             string                 `json:"approved_by,omitempty" db:"approved_by"`
	ReviewerComment        string                 `json:"reviewer_comment,omitempty" db:"reviewer_comment"`
	InlineComments         []InlineComment        `json:"inline_comments,omitempty"`
	ReviewMetadata         map[string]interface{} `json:"review_metadata,omitempty"`
	ReviewedAt             *time.Time             `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt              time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at" db:"updated_at"`
}

// ApprovalHistoryAction enumerates the kinds of FileApproval transitions.
type ApprovalHistoryAction string

const (
	HistoryApprove        ApprovalHistoryAction = "approve"
	HistoryReject         ApprovalHistoryAction = "reject"
	HistoryRequestChanges ApprovalHistoryAction = "request_changes"
	HistoryComment        ApprovalHistoryAction = "comment"
	HistoryRollback       ApprovalHistoryAction = "rollback"
)

// ApprovalHistory is one append-only audit row for a FileApproval transition.
type ApprovalHistory struct {
	ID             string                `json:"id" db:"id"`
	FileApprovalID string                `json:"file_approval_id" db:"file_approval_id"`
	ActionType     ApprovalHistoryAction `json:"action_type" db:"action_type"`
	Actor          string                `json:"actor" db:"actor"`
	OldStatus      ApprovalStatus        `json:"old_status" db:"old_status"`
	NewStatus      ApprovalStatus        `json:"new_status" db:"new_status"`
	ActionComment  string                `json:"action_comment,omitempty" db:"action_comment"`
	Timestamp      time.Time             `json:"timestamp" db:"timestamp"`
}
