package workflow

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Context is the shared, mutable state threaded through one workflow
// execution: input variables, per-step outputs, and per-step statuses.
// Reads and writes happen concurrently as steps within a dependency level
// execute in parallel, so every accessor takes the lock.
type Context struct {
	ExecutionID         string
	WorkspaceID          string
	ProjectID            string
	ParentExecutionID    string
	StartedAt            time.Time

	mu           sync.RWMutex
	variables    map[string]interface{}
	stepOutputs  map[string]map[string]interface{}
	stepStatuses map[string]string
}

// NewContext constructs a Context seeded with the execution's input variables.
func NewContext(executionID, workspaceID, projectID, parentExecutionID string, variables map[string]interface{}) *Context {
	if variables == nil {
		variables = map[string]interface{}{}
	}
	return &Context{
		ExecutionID:       executionID,
		WorkspaceID:       workspaceID,
		ProjectID:         projectID,
		ParentExecutionID: parentExecutionID,
		StartedAt:         time.Now(),
		variables:         variables,
		stepOutputs:       map[string]map[string]interface{}{},
		stepStatuses:      map[string]string{},
	}
}

// GetStepInput resolves an input reference. References of the form
// "steps.<step_id>.<key>" pull from a prior step's recorded output; every
// other value is looked up in the workflow's variables; if neither
// resolves, fall returns as-is (matching the reference engine's treatment
// of input_name as a possible literal default). The portion after the step
// id is tried first as a flat key, then as a gjson path, so a step can
// reference either `output.summary` or a nested `output.files.0.name`
// without every producer having to flatten its own result.
func (c *Context) GetStepInput(inputName string, fall interface{}) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if strings.HasPrefix(inputName, "steps.") {
		rest := strings.TrimPrefix(inputName, "steps.")
		parts := strings.SplitN(rest, ".", 2)
		stepID := parts[0]
		output, ok := c.stepOutputs[stepID]
		if !ok {
			return fall
		}
		if len(parts) < 2 {
			return fall
		}
		if v, ok := output[parts[1]]; ok {
			return v
		}
		return resolveNestedPath(output, parts[1], fall)
	}

	if v, ok := c.variables[inputName]; ok {
		return v
	}
	return fall
}

// resolveNestedPath looks up a gjson path (e.g. "files.0.name") inside a
// step's output map, used once the flat-key lookup in GetStepInput misses.
func resolveNestedPath(output map[string]interface{}, path string, fall interface{}) interface{} {
	data, err := json.Marshal(output)
	if err != nil {
		return fall
	}
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return fall
	}
	return result.Value()
}

// SetStepOutput records a completed step's output and marks it completed.
func (c *Context) SetStepOutput(stepID string, output map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepOutputs[stepID] = output
	c.stepStatuses[stepID] = string(StepStatusCompleted)
}

// SetStepFailed marks a step failed.
func (c *Context) SetStepFailed(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepStatuses[stepID] = string(StepStatusFailed)
}

// SetStepSkipped marks a step skipped.
func (c *Context) SetStepSkipped(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepStatuses[stepID] = string(StepStatusSkipped)
}

// SetStepTimeout marks a step as having missed its deadline, distinct from
// a plain failure so the execution can be classified as timed out.
func (c *Context) SetStepTimeout(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepStatuses[stepID] = string(StepStatusTimeout)
}

// SetStepStatus sets an arbitrary transitional status (waiting, running,
// retrying, ...).
func (c *Context) SetStepStatus(stepID string, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepStatuses[stepID] = status
}

// StepStatus returns the last recorded status for a step, and whether one
// has been recorded at all.
func (c *Context) StepStatus(stepID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stepStatuses[stepID]
	return s, ok
}

// Snapshot returns copies of the outputs and statuses maps, suitable for
// persisting into WorkflowExecution.Results at finalisation.
func (c *Context) Snapshot() (outputs map[string]map[string]interface{}, statuses map[string]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	outputs = make(map[string]map[string]interface{}, len(c.stepOutputs))
	for k, v := range c.stepOutputs {
		outputs[k] = v
	}
	statuses = make(map[string]string, len(c.stepStatuses))
	for k, v := range c.stepStatuses {
		statuses[k] = v
	}
	return outputs, statuses
}
