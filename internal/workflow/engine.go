// Package workflow implements the workflow execution engine: a DAG-driven
// state machine that runs persisted WorkflowDefinitions level by level,
// dispatches steps by type, propagates variables between steps, and emits
// lifecycle events.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/n8n-work/agent-core/internal/dependency"
	"github.com/n8n-work/agent-core/internal/models"
)

var tracer = otel.Tracer("github.com/n8n-work/agent-core/internal/workflow")

// defaultMaxConcurrentSteps bounds how many steps within one dependency
// level run at once, regardless of how wide the level is.
const defaultMaxConcurrentSteps = 16

func newID() string { return uuid.NewString() }

// Store persists workflow/step execution state. Implemented by
// internal/repo against the configured database.
type Store interface {
	GetActiveDefinition(ctx context.Context, workflowID, workspaceID, projectID string) (*models.WorkflowDefinition, error)
	NextExecutionNumber(ctx context.Context, workflowID string) (int, error)
	CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	UpdateExecutionStatus(ctx context.Context, executionID string, status models.WorkflowExecutionStatus) error
	FinalizeExecution(ctx context.Context, executionID string, status models.WorkflowExecutionStatus, results map[string]interface{}, errMsg string) error
	GetOrCreateStepExecution(ctx context.Context, executionID string, step *models.WorkflowStep) (*models.WorkflowStepExecution, error)
	UpdateStepExecution(ctx context.Context, stepExec *models.WorkflowStepExecution) error
}

// AgentController is the narrow collaborator the engine needs from the
// multi-agent controller to run an "agent" typed step.
type AgentController interface {
	ExecuteAgentStep(ctx context.Context, step *models.WorkflowStep, workspaceID, projectID string, input map[string]interface{}, timeoutSeconds, maxRetries int) (map[string]interface{}, error)
}

// EventPublisher fans out lifecycle events; implemented by internal/events.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]interface{}) error
}

// Event type identifiers, mirroring the reference EventTypeEnum values.
const (
	EventWorkflowStarted   = "WORKFLOW_STARTED"
	EventWorkflowCompleted = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    = "WORKFLOW_FAILED"
	EventWorkflowCancelled = "WORKFLOW_CANCELLED"
	EventStepStarted       = "STEP_STARTED"
	EventStepCompleted     = "STEP_COMPLETED"
	EventStepFailed        = "STEP_FAILED"
	EventStepSkipped       = "STEP_SKIPPED"
)

type activeExecution struct {
	ctx    *Context
	cancel context.CancelFunc
}

// Engine drives workflow executions end to end.
type Engine struct {
	store      Store
	controller AgentController
	resolver   *dependency.Resolver
	events     EventPublisher
	logger     *zap.Logger

	mu     sync.Mutex
	active map[string]*activeExecution

	taskRunner TaskRunner
	metrics    *Metrics
	stepSem    *semaphore.Weighted
}

// NewEngine constructs an Engine. Pass a nil *Metrics to disable
// instrumentation (e.g. in unit tests). Concurrent step execution within a
// dependency level is capped at defaultMaxConcurrentSteps; use
// SetMaxConcurrentSteps to override.
func NewEngine(store Store, controller AgentController, resolver *dependency.Resolver, events EventPublisher, logger *zap.Logger) *Engine {
	return &Engine{
		store:      store,
		controller: controller,
		resolver:   resolver,
		events:     events,
		logger:     logger,
		active:     make(map[string]*activeExecution),
		stepSem:    semaphore.NewWeighted(defaultMaxConcurrentSteps),
	}
}

// SetMaxConcurrentSteps replaces the engine's step concurrency bound.
func (e *Engine) SetMaxConcurrentSteps(n int64) {
	e.stepSem = semaphore.NewWeighted(n)
}

// SetMetrics attaches Prometheus instrumentation to the engine.
func (e *Engine) SetMetrics(m *Metrics) { e.metrics = m }

// ExecuteRequest describes a workflow execution request.
type ExecuteRequest struct {
	WorkflowID        string
	WorkspaceID       string
	ProjectID         string
	InputVariables    map[string]interface{}
	ParentExecutionID string
	Metadata          map[string]interface{}
}

// ExecuteWorkflow validates the workflow is active, records a new
// WorkflowExecution, and starts the run asynchronously, returning the new
// execution id immediately (matching the reference engine's fire-and-track
// contract).
func (e *Engine) ExecuteWorkflow(ctx context.Context, req ExecuteRequest) (string, error) {
	def, err := e.store.GetActiveDefinition(ctx, req.WorkflowID, req.WorkspaceID, req.ProjectID)
	if err != nil {
		return "", err
	}
	if def == nil {
		return "", &NotFoundError{WorkflowID: req.WorkflowID}
	}

	execNumber, err := e.store.NextExecutionNumber(ctx, req.WorkflowID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	execution := &models.WorkflowExecution{
		ID:                newID(),
		WorkflowID:        req.WorkflowID,
		WorkspaceID:       req.WorkspaceID,
		ProjectID:         req.ProjectID,
		ExecutionNumber:   execNumber,
		Status:            models.ExecutionPending,
		InputVariables:    req.InputVariables,
		ParentExecutionID: req.ParentExecutionID,
		Metadata:          req.Metadata,
		StartedAt:         now,
	}
	if err := e.store.CreateExecution(ctx, execution); err != nil {
		return "", err
	}

	wfCtx := NewContext(execution.ID, req.WorkspaceID, req.ProjectID, req.ParentExecutionID, req.InputVariables)

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.active[execution.ID] = &activeExecution{ctx: wfCtx, cancel: cancel}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ActiveWorkflowExecutions.Inc()
	}

	if e.logger != nil {
		e.logger.Info("started workflow execution", zap.String("execution_id", execution.ID), zap.String("workflow_id", req.WorkflowID))
	}

	go e.run(runCtx, execution, def, wfCtx)

	return execution.ID, nil
}

func (e *Engine) run(ctx context.Context, execution *models.WorkflowExecution, def *models.WorkflowDefinition, wfCtx *Context) {
	ctx, span := tracer.Start(ctx, "workflow.execute",
		oteltrace.WithAttributes(
			attribute.String("workflow.execution_id", execution.ID),
			attribute.String("workflow.id", def.ID),
			attribute.String("workflow.workspace_id", wfCtx.WorkspaceID),
		),
	)
	defer span.End()

	defer func() {
		e.mu.Lock()
		delete(e.active, execution.ID)
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.ActiveWorkflowExecutions.Dec()
		}
	}()

	if err := e.store.UpdateExecutionStatus(ctx, execution.ID, models.ExecutionRunning); err != nil && e.logger != nil {
		e.logger.Warn("failed to mark execution running", zap.Error(err))
	}

	e.emit(ctx, EventWorkflowStarted, execution.ID, wfCtx.WorkspaceID, map[string]interface{}{
		"workflow_name": def.Name,
		"step_count":    len(def.Steps),
	})

	err := e.runSteps(ctx, execution, def, wfCtx)

	select {
	case <-ctx.Done():
		e.handleCancellation(context.Background(), execution, wfCtx)
		return
	default:
	}

	if err != nil {
		e.handleExecutionError(context.Background(), execution, wfCtx, err)
		return
	}

	e.finalize(context.Background(), execution, wfCtx)
}

func (e *Engine) runSteps(ctx context.Context, execution *models.WorkflowExecution, def *models.WorkflowDefinition, wfCtx *Context) error {
	steps := make([]*models.WorkflowStep, len(def.Steps))
	copy(steps, def.Steps)

	levels, err := e.resolver.ResolveExecutionOrder(steps)
	if err != nil {
		return fmt.Errorf("resolve execution order: %w", err)
	}

	for _, level := range levels {
		if ctx.Err() != nil {
			return nil
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error

		for _, step := range level {
			step := step
			if err := e.stepSem.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer e.stepSem.Release(1)
				if stepErr := e.executeStep(ctx, execution, def, step, wfCtx); stepErr != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = stepErr
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if firstErr != nil {
			return firstErr
		}
	}

	return nil
}

func (e *Engine) executeStep(ctx context.Context, execution *models.WorkflowExecution, def *models.WorkflowDefinition, step *models.WorkflowStep, wfCtx *Context) error {
	stepExec, err := e.store.GetOrCreateStepExecution(ctx, execution.ID, step)
	if err != nil {
		return err
	}

	stepExec.Status = models.StepRunning
	stepExec.StartedAt = time.Now()
	_ = e.store.UpdateStepExecution(ctx, stepExec)
	wfCtx.SetStepStatus(step.ID, string(StepStatusRunning))

	e.emit(ctx, EventStepStarted, execution.ID, wfCtx.WorkspaceID, map[string]interface{}{
		"step_id":    step.ID,
		"step_name":  step.Name,
		"step_type":  string(step.StepType),
		"step_order": step.StepOrder,
	})

	timeoutSeconds := step.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = def.DefaultTimeoutSeconds
	}
	maxRetries := step.MaxRetries
	if maxRetries == 0 {
		maxRetries = def.DefaultMaxRetries
	}

	var output map[string]interface{}
	var runErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wfCtx.SetStepStatus(step.ID, string(StepStatusRetrying))
			stepExec.Status = models.StepRetrying
			_ = e.store.UpdateStepExecution(ctx, stepExec)
			if e.metrics != nil {
				e.metrics.StepRetriesTotal.WithLabelValues(string(step.StepType)).Inc()
			}
		}

		stepCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		output, runErr = e.dispatch(stepCtx, execution, def, step, wfCtx, stepExec, timeoutSeconds, maxRetries)
		if stepCtx.Err() == context.DeadlineExceeded && runErr == nil {
			runErr = &StepTimeoutError{StepName: step.Name}
		}
		cancel()

		if runErr == nil {
			break
		}
		if !IsTransient(runErr) || attempt == maxRetries {
			break
		}
	}

	if runErr == errStepSkipped {
		return nil
	}

	if runErr != nil {
		e.failStep(ctx, stepExec, wfCtx, string(step.StepType), runErr)
		return &StepFailedError{StepName: step.Name, Cause: runErr}
	}

	e.completeStep(ctx, stepExec, wfCtx, string(step.StepType), output)
	return nil
}

func (e *Engine) completeStep(ctx context.Context, stepExec *models.WorkflowStepExecution, wfCtx *Context, stepType string, output map[string]interface{}) {
	now := time.Now()
	stepExec.Status = models.StepCompleted
	stepExec.OutputData = output
	stepExec.CompletedAt = &now
	stepExec.Duration = now.Sub(stepExec.StartedAt)
	_ = e.store.UpdateStepExecution(ctx, stepExec)

	wfCtx.SetStepOutput(stepExec.StepID, output)

	if e.metrics != nil {
		e.metrics.StepExecutionsTotal.WithLabelValues(stepType, string(StepStatusCompleted)).Inc()
		e.metrics.StepExecutionSeconds.WithLabelValues(stepType).Observe(stepExec.Duration.Seconds())
	}

	e.emit(ctx, EventStepCompleted, stepExec.ExecutionID, wfCtx.WorkspaceID, map[string]interface{}{
		"step_id":  stepExec.StepID,
		"duration": stepExec.Duration.Seconds(),
	})
}

func (e *Engine) failStep(ctx context.Context, stepExec *models.WorkflowStepExecution, wfCtx *Context, stepType string, stepErr error) {
	now := time.Now()

	var timeoutErr *StepTimeoutError
	status := StepStatusFailed
	if errors.As(stepErr, &timeoutErr) {
		status = StepStatusTimeout
	}

	if status == StepStatusTimeout {
		stepExec.Status = models.StepTimeout
	} else {
		stepExec.Status = models.StepFailed
	}
	stepExec.ErrorMessage = stepErr.Error()
	stepExec.CompletedAt = &now
	stepExec.Duration = now.Sub(stepExec.StartedAt)
	_ = e.store.UpdateStepExecution(ctx, stepExec)

	if status == StepStatusTimeout {
		wfCtx.SetStepTimeout(stepExec.StepID)
	} else {
		wfCtx.SetStepFailed(stepExec.StepID)
	}

	if e.metrics != nil {
		e.metrics.StepExecutionsTotal.WithLabelValues(stepType, string(status)).Inc()
		e.metrics.StepExecutionSeconds.WithLabelValues(stepType).Observe(stepExec.Duration.Seconds())
	}

	e.emit(ctx, EventStepFailed, stepExec.ExecutionID, wfCtx.WorkspaceID, map[string]interface{}{
		"step_id":       stepExec.StepID,
		"error_message": stepErr.Error(),
		"duration":      stepExec.Duration.Seconds(),
		"timed_out":     status == StepStatusTimeout,
	})
}

func (e *Engine) skipStep(ctx context.Context, stepExec *models.WorkflowStepExecution, wfCtx *Context, stepType string) {
	now := time.Now()
	stepExec.Status = models.StepSkipped
	stepExec.CompletedAt = &now
	stepExec.Duration = 0
	_ = e.store.UpdateStepExecution(ctx, stepExec)

	wfCtx.SetStepSkipped(stepExec.StepID)

	if e.metrics != nil {
		e.metrics.StepExecutionsTotal.WithLabelValues(stepType, string(StepStatusSkipped)).Inc()
	}

	e.emit(ctx, EventStepSkipped, stepExec.ExecutionID, wfCtx.WorkspaceID, map[string]interface{}{
		"step_id": stepExec.StepID,
	})
}

func (e *Engine) finalize(ctx context.Context, execution *models.WorkflowExecution, wfCtx *Context) {
	outputs, statuses := wfCtx.Snapshot()

	anyFailed := false
	anyTimedOut := false
	completed, failed, skipped, timedOut := 0, 0, 0, 0
	for _, s := range statuses {
		switch s {
		case string(StepStatusFailed):
			anyFailed = true
			failed++
		case string(StepStatusTimeout):
			anyTimedOut = true
			timedOut++
		case string(StepStatusCompleted):
			completed++
		case string(StepStatusSkipped):
			skipped++
		}
	}

	finalStatus := models.ExecutionCompleted
	eventType := EventWorkflowCompleted
	message := "workflow completed successfully"
	switch {
	case anyTimedOut:
		finalStatus = models.ExecutionTimeout
		eventType = EventWorkflowFailed
		message = "workflow failed: one or more steps timed out"
	case anyFailed:
		finalStatus = models.ExecutionFailed
		eventType = EventWorkflowFailed
		message = "workflow failed due to step failures"
	}

	results := map[string]interface{}{
		"step_outputs":  outputs,
		"step_statuses": statuses,
	}
	_ = e.store.FinalizeExecution(ctx, execution.ID, finalStatus, results, "")

	if e.metrics != nil {
		e.metrics.WorkflowExecutionsTotal.WithLabelValues(wfCtx.WorkspaceID, string(finalStatus)).Inc()
		e.metrics.WorkflowExecutionSeconds.WithLabelValues(wfCtx.WorkspaceID).Observe(time.Since(execution.StartedAt).Seconds())
	}

	e.emit(ctx, eventType, execution.ID, wfCtx.WorkspaceID, map[string]interface{}{
		"step_count":       len(statuses),
		"completed_steps":  completed,
		"failed_steps":     failed,
		"skipped_steps":    skipped,
		"timed_out_steps":  timedOut,
		"message":          message,
	})

	if e.logger != nil {
		e.logger.Info("workflow execution finalized", zap.String("execution_id", execution.ID), zap.String("status", string(finalStatus)))
	}
}

func (e *Engine) handleCancellation(ctx context.Context, execution *models.WorkflowExecution, wfCtx *Context) {
	_ = e.store.FinalizeExecution(ctx, execution.ID, models.ExecutionCancelled, nil, "")
	if e.metrics != nil {
		e.metrics.WorkflowExecutionsTotal.WithLabelValues(wfCtx.WorkspaceID, string(ExecutionCancelled)).Inc()
	}
	e.emit(ctx, EventWorkflowCancelled, execution.ID, wfCtx.WorkspaceID, map[string]interface{}{
		"message": "workflow execution was cancelled",
	})
}

func (e *Engine) handleExecutionError(ctx context.Context, execution *models.WorkflowExecution, wfCtx *Context, execErr error) {
	status := models.ExecutionFailed
	var timeoutErr *StepTimeoutError
	if errors.As(execErr, &timeoutErr) {
		status = models.ExecutionTimeout
	}
	_ = e.store.FinalizeExecution(ctx, execution.ID, status, nil, execErr.Error())
	if e.metrics != nil {
		e.metrics.WorkflowExecutionsTotal.WithLabelValues(wfCtx.WorkspaceID, string(status)).Inc()
	}
	e.emit(ctx, EventWorkflowFailed, execution.ID, wfCtx.WorkspaceID, map[string]interface{}{
		"error_message": execErr.Error(),
	})
}

func (e *Engine) emit(ctx context.Context, eventType, executionID, workspaceID string, data map[string]interface{}) {
	if e.events == nil {
		return
	}
	payload := map[string]interface{}{
		"workflow_execution_id": executionID,
		"workspace_id":          workspaceID,
	}
	for k, v := range data {
		payload[k] = v
	}
	if err := e.events.Publish(ctx, eventType, payload); err != nil && e.logger != nil {
		e.logger.Warn("failed to publish workflow event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// CancelWorkflowExecution cancels a running execution in-place, if found.
func (e *Engine) CancelWorkflowExecution(executionID string) bool {
	e.mu.Lock()
	ae, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	ae.cancel()
	return true
}

// ActiveExecutionCount reports how many executions the engine currently
// tracks, for stats/health surfaces.
func (e *Engine) ActiveExecutionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
