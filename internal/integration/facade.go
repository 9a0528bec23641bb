package integration

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/agent-core/internal/workflow"
)

// Engine is the narrow surface the façade needs from the workflow engine.
type Engine interface {
	ExecuteWorkflow(ctx context.Context, req workflow.ExecuteRequest) (string, error)
	CancelWorkflowExecution(executionID string) bool
	ActiveExecutionCount() int
}

// AgentStats is the narrow surface the façade needs from the agent
// controller for its stats snapshot.
type AgentStats interface {
	AssignmentStats() map[string]int
}

// Facade is the external-facing entry point: submit, status, cancel, stats.
// It does not itself run the workflow; it hands the request to the engine
// and tracks the resulting execution to completion via a TaskRunner.
type Facade struct {
	engine Engine
	agent  AgentStats
	runner *TaskRunner
	logger *zap.Logger
}

// NewFacade constructs a Facade over an already-wired engine, controller,
// and task runner.
func NewFacade(engine Engine, agent AgentStats, runner *TaskRunner, logger *zap.Logger) *Facade {
	return &Facade{engine: engine, agent: agent, runner: runner, logger: logger}
}

// ExecuteWorkflow submits a workflow run and returns a task handle
// immediately; the execution itself runs asynchronously inside the engine.
// timeoutSeconds <= 0 uses the runner's default window (3600s).
func (f *Facade) ExecuteWorkflow(ctx context.Context, req workflow.ExecuteRequest, timeoutSeconds int) (*Task, error) {
	executionID, err := f.engine.ExecuteWorkflow(ctx, req)
	if err != nil {
		return nil, err
	}
	return f.runner.Submit(executionID, time.Duration(timeoutSeconds)*time.Second), nil
}

// Status returns the current bookkeeping record for a submitted task.
func (f *Facade) Status(ctx context.Context, taskID string) (*Task, bool) {
	return f.runner.Get(ctx, taskID)
}

// CancelWorkflowExecution cancels a running execution by id. It returns
// false if no such execution is currently tracked.
func (f *Facade) CancelWorkflowExecution(executionID string) bool {
	return f.engine.CancelWorkflowExecution(executionID)
}

// Stats reports a snapshot across the engine, the agent controller, and the
// background task runner.
func (f *Facade) Stats() map[string]interface{} {
	snapshot := map[string]interface{}{
		"active_executions": f.engine.ActiveExecutionCount(),
		"task_runner":       f.runner.Stats(),
	}
	if f.agent != nil {
		snapshot["controller"] = f.agent.AssignmentStats()
	}
	return snapshot
}

