package workflow

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/n8n-work/agent-core/internal/models"
)

// TaskRunner executes a "task" typed step's work. The reference engine
// simulates this step; a real task collaborator lives outside this package
// (e.g. dispatching into a code-execution sandbox). A nil TaskRunner falls
// back to the reference implementation's echo behaviour, which is useful
// for tests and for workflows whose steps are purely data-shaping.
type TaskRunner interface {
	RunTask(ctx context.Context, step *models.WorkflowStep, executionID string, input map[string]interface{}) (map[string]interface{}, error)
}

// SetTaskRunner attaches the task-step collaborator.
func (e *Engine) SetTaskRunner(r TaskRunner) { e.taskRunner = r }

func (e *Engine) dispatch(ctx context.Context, execution *models.WorkflowExecution, def *models.WorkflowDefinition, step *models.WorkflowStep, wfCtx *Context, stepExec *models.WorkflowStepExecution, timeoutSeconds, maxRetries int) (map[string]interface{}, error) {
	ctx, span := tracer.Start(ctx, "workflow.step",
		oteltrace.WithAttributes(
			attribute.String("workflow.step_id", step.ID),
			attribute.String("workflow.step_type", string(step.StepType)),
		),
	)
	defer span.End()

	input := e.resolveStepInputs(step, wfCtx)
	stepExec.InputData = input

	switch step.StepType {
	case models.StepTypeTask, models.StepTypeParallel, models.StepTypeSequential:
		return e.runTask(ctx, step, execution.ID, input)
	case models.StepTypeAgent:
		return e.runAgent(ctx, step, execution, input, timeoutSeconds, maxRetries)
	case models.StepTypeCondition:
		if evaluateCondition(step.ConditionExpression, wfCtx) {
			return e.runTask(ctx, step, execution.ID, input)
		}
		e.skipStep(ctx, stepExec, wfCtx, string(step.StepType))
		return nil, errStepSkipped
	default:
		return nil, &UnsupportedStepTypeError{StepType: string(step.StepType)}
	}
}

func (e *Engine) runTask(ctx context.Context, step *models.WorkflowStep, executionID string, input map[string]interface{}) (map[string]interface{}, error) {
	if e.taskRunner != nil {
		return e.taskRunner.RunTask(ctx, step, executionID, input)
	}
	return map[string]interface{}{
		"result":       "task step '" + step.Name + "' completed",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"execution_id": executionID,
	}, nil
}

func (e *Engine) runAgent(ctx context.Context, step *models.WorkflowStep, execution *models.WorkflowExecution, input map[string]interface{}, timeoutSeconds, maxRetries int) (map[string]interface{}, error) {
	if e.controller == nil {
		return nil, &StepFailedError{StepName: step.Name, Cause: errNoController}
	}
	return e.controller.ExecuteAgentStep(ctx, step, execution.WorkspaceID, execution.ProjectID, input, timeoutSeconds, maxRetries)
}

// resolveStepInputs walks step.config.inputs, resolving each reference
// against the shared context.
func (e *Engine) resolveStepInputs(step *models.WorkflowStep, wfCtx *Context) map[string]interface{} {
	inputs := step.Inputs()
	resolved := make(map[string]interface{}, len(inputs))
	for key, ref := range inputs {
		refStr, ok := ref.(string)
		if !ok {
			resolved[key] = ref
			continue
		}
		resolved[key] = wfCtx.GetStepInput(refStr, nil)
	}
	return resolved
}

// evaluateCondition implements the reference engine's minimal expression
// language: "${name}" dereferences a context variable truthily; the
// literal strings true/1/yes/on (case-insensitive) are true; anything else
// is false. A malformed expression degrades to false rather than failing
// the step.
func evaluateCondition(expr string, wfCtx *Context) bool {
	if expr == "" {
		return true
	}
	if strings.HasPrefix(expr, "${") && strings.HasSuffix(expr, "}") {
		varName := expr[2 : len(expr)-1]
		return truthy(wfCtx.GetStepInput(varName, false))
	}
	switch strings.ToLower(expr) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	case nil:
		return false
	default:
		return true
	}
}
