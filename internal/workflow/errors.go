package workflow

import (
	"errors"
	"fmt"
)

// errStepSkipped is an internal sentinel the condition-step handler returns
// to tell executeStep the step was already recorded as skipped and must not
// be routed through the complete/fail bookkeeping.
var errStepSkipped = errors.New("step skipped")

// errNoController is returned when an "agent" step runs with no
// AgentController wired into the engine.
var errNoController = errors.New("no agent controller configured")

// ExecutionStatus mirrors models.WorkflowExecutionStatus for engine-internal
// bookkeeping.
type ExecutionStatus string

const (
	ExecutionPending                ExecutionStatus = "pending"
	ExecutionRunning                 ExecutionStatus = "running"
	ExecutionWaitingForDependencies  ExecutionStatus = "waiting_for_dependencies"
	ExecutionPaused                  ExecutionStatus = "paused"
	ExecutionCompleted               ExecutionStatus = "completed"
	ExecutionFailed                  ExecutionStatus = "failed"
	ExecutionCancelled               ExecutionStatus = "cancelled"
	ExecutionTimeout                 ExecutionStatus = "timeout"
)

// StepStatus mirrors models.WorkflowStepExecutionStatus.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusWaiting   StepStatus = "waiting"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusTimeout   StepStatus = "timeout"
	StepStatusCancelled StepStatus = "cancelled"
)

// NotFoundError indicates the referenced workflow definition does not exist
// or is not active for the given workspace/project.
type NotFoundError struct {
	WorkflowID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workflow %s not found or inactive", e.WorkflowID)
}

// UnsupportedStepTypeError is raised for a step whose type the dispatcher
// does not recognise.
type UnsupportedStepTypeError struct {
	StepType string
}

func (e *UnsupportedStepTypeError) Error() string {
	return fmt.Sprintf("unsupported step type: %s", e.StepType)
}

// StepTimeoutError is raised when a step's deadline elapses before it
// completes.
type StepTimeoutError struct {
	StepName string
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out", e.StepName)
}

// StepFailedError wraps an underlying step execution failure with the step
// name for context.
type StepFailedError struct {
	StepName string
	Cause    error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.StepName, e.Cause)
}

func (e *StepFailedError) Unwrap() error { return e.Cause }

// TransientError marks a step failure as retry-eligible; collaborators
// (the agent controller, provider adapters) wrap connection resets and
// other recoverable conditions in this type so the engine's retry policy
// can distinguish them from fatal validation/schema errors.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// IsTransient reports whether an error kind is eligible for step-level
// retry. Only errors arising from transient conditions (timeouts,
// connection resets surfaced by the agent/provider layer) are retryable;
// validation/schema errors and exhausted-fallback errors are fatal
// immediately (spec's retry/provider-retry independence).
func IsTransient(err error) bool {
	switch err.(type) {
	case *StepTimeoutError, *TransientError:
		return true
	default:
		return false
	}
}
