// Package agentctl implements the multi-agent controller: it assigns
// concrete agent instances to agent-typed workflow steps under
// capability/strategy constraints, reserves resources for the duration of
// the step, fails over to another instance on assignment errors, and
// bridges workflow context into the agent's execution hook.
package agentctl

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/agent-core/internal/models"
	"github.com/n8n-work/agent-core/internal/resilience"
)

// AssignmentStrategy selects how a candidate agent instance is picked from
// the pool of otherwise-suitable instances.
type AssignmentStrategy string

const (
	StrategyRoundRobin      AssignmentStrategy = "round_robin"
	StrategyLeastLoaded     AssignmentStrategy = "least_loaded"
	StrategyCapabilityMatch AssignmentStrategy = "capability_match"
	StrategyResourceBased   AssignmentStrategy = "resource_based"
)

// Registry is the narrow collaborator the controller needs from the agent
// registry: listing idle instances and flipping their status.
type Registry interface {
	AvailableInstances(ctx context.Context, workspaceID, projectID string) ([]*models.AgentInstance, error)
	Definition(ctx context.Context, definitionID string) (*models.AgentDefinition, error)
	UpdateInstanceStatus(ctx context.Context, instanceID string, status models.AgentInstanceStatus, reason string) error
}

// ContextService persists shared agent context versions across steps.
type ContextService interface {
	UpdateContextVersion(ctx context.Context, instanceID, workspaceID string, data map[string]interface{}, changeDescription string) error
}

// ActivityPublisher emits AGENT_ACTIVITY lifecycle events.
type ActivityPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]interface{}) error
}

// MetricsRecorder is the narrow slice of observability.Metrics the
// controller needs, kept local so this package doesn't import observability
// directly.
type MetricsRecorder interface {
	RecordAgentAssignment(tenantID, strategy, status string)
	RecordAgentBreakerTrip(definitionID string)
}

// AgentExecutor is the external collaborator that actually runs an agent's
// logic against a structured input bundle. A nil AgentExecutor falls back
// to a deterministic stub mirroring the reference controller's
// simulate-processing placeholder, useful for tests and for capability
// exercising without a live agent runtime.
type AgentExecutor interface {
	Execute(ctx context.Context, instance *models.AgentInstance, input map[string]interface{}) (map[string]interface{}, error)
}

const defaultReservationSeconds = 3600

// AgentAssignment binds a chosen instance+definition pair to a step, along
// with the strategy used and the resource snapshot reserved for it.
type AgentAssignment struct {
	InstanceID        string
	DefinitionID      string
	Instance          *models.AgentInstance
	Definition        *models.AgentDefinition
	Strategy          AssignmentStrategy
	AssignedAt        time.Time
	ReservedResources map[string]interface{}
}

// AgentReservation tracks the lifetime of resources held by an assignment.
type AgentReservation struct {
	Assignment  *AgentAssignment
	WorkspaceID string
	ProjectID   string
	StartedAt   time.Time
	ExpiresAt   time.Time
	Active      bool
}

// AgentFailoverRecord tracks assignment failures and failover attempts for
// one step execution.
type AgentFailoverRecord struct {
	StepExecutionID     string
	OriginalAssignment  *AgentAssignment
	FailureReason       string
	FailoverAttempts    int
	MaxFailoverAttempts int
	FailoverHistory     []*AgentAssignment
	CreatedAt           time.Time
}

// Controller coordinates agent assignment, resource reservation, and
// failover for agent-typed workflow steps.
type Controller struct {
	registry Registry
	context  ContextService
	events   ActivityPublisher
	executor AgentExecutor
	logger   *zap.Logger

	breakers *resilience.CircuitBreakerManager // optional; per-definition breaker around agent invocation
	metrics  MetricsRecorder                   // optional

	mu                 sync.Mutex
	activeAssignments  map[string]*AgentAssignment     // keyed by step execution id
	activeReservations map[string]*AgentReservation    // keyed by instance id
	failoverRecords    map[string]*AgentFailoverRecord // keyed by step execution id
	roundRobinCounters map[string]int                  // keyed by "workspace:project"
}

// SetBreakers wires a CircuitBreakerManager that trips per agent definition:
// repeated failures from the same definition's instances stop being routed
// new work until the breaker's timeout elapses, independent of the
// failover logic in assignWithFailover (which reacts to one assignment
// attempt, not a sustained failure rate).
func (c *Controller) SetBreakers(breakers *resilience.CircuitBreakerManager) {
	c.breakers = breakers
}

// SetMetrics wires a MetricsRecorder. Optional; the controller skips
// metrics recording entirely when none is set.
func (c *Controller) SetMetrics(metrics MetricsRecorder) {
	c.metrics = metrics
}

// NewController constructs a Controller. executor may be nil, in which case
// a deterministic stub stands in for real agent invocation.
func NewController(registry Registry, context ContextService, events ActivityPublisher, executor AgentExecutor, logger *zap.Logger) *Controller {
	return &Controller{
		registry:            registry,
		context:             context,
		events:              events,
		executor:            executor,
		logger:              logger,
		activeAssignments:   make(map[string]*AgentAssignment),
		activeReservations:  make(map[string]*AgentReservation),
		failoverRecords:     make(map[string]*AgentFailoverRecord),
		roundRobinCounters:  make(map[string]int),
	}
}

// ExecuteAgentStep implements workflow.AgentController: assign an agent
// (with failover), reserve resources for it, run the step, and release the
// reservation regardless of outcome.
func (c *Controller) ExecuteAgentStep(ctx context.Context, step *models.WorkflowStep, workspaceID, projectID string, input map[string]interface{}, timeoutSeconds, maxRetries int) (map[string]interface{}, error) {
	stepExecutionID := workspaceID + "/" + projectID + "/" + step.ID

	assignment, err := c.assignWithFailover(ctx, step, workspaceID, projectID, stepExecutionID, maxRetries)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordAgentAssignment(workspaceID, "", "failed")
		}
		return nil, err
	}
	if assignment == nil {
		if c.metrics != nil {
			c.metrics.RecordAgentAssignment(workspaceID, "", "failed")
		}
		return nil, fmt.Errorf("no suitable agent found for step %q", step.Name)
	}
	if c.metrics != nil {
		c.metrics.RecordAgentAssignment(workspaceID, string(assignment.Strategy), "assigned")
	}

	reservation := c.reserveResources(assignment, workspaceID, projectID, timeoutSeconds)
	defer c.releaseResources(reservation)

	output, err := c.executeWithAssignment(ctx, step, workspaceID, projectID, assignment, input, timeoutSeconds)
	if err != nil {
		_ = c.registry.UpdateInstanceStatus(ctx, assignment.InstanceID, models.AgentError, err.Error())
		return nil, err
	}
	return output, nil
}

func (c *Controller) assignWithFailover(ctx context.Context, step *models.WorkflowStep, workspaceID, projectID, stepExecutionID string, maxFailoverAttempts int) (*AgentAssignment, error) {
	assignment, err := c.assign(ctx, step, workspaceID, projectID)
	if err != nil {
		return nil, err
	}

	record := &AgentFailoverRecord{
		StepExecutionID:     stepExecutionID,
		OriginalAssignment:  assignment,
		FailureReason:       "initial assignment",
		MaxFailoverAttempts: maxFailoverAttempts,
		CreatedAt:           time.Now(),
	}

	if assignment == nil {
		if c.logger != nil {
			c.logger.Warn("no agent available for step", zap.String("step_id", step.ID))
		}
		c.mu.Lock()
		c.failoverRecords[stepExecutionID] = record
		c.mu.Unlock()
		return nil, nil
	}

	attempts := 0
	for attempts <= maxFailoverAttempts {
		if c.validateAssignment(ctx, assignment) {
			if attempts > 0 && c.logger != nil {
				c.logger.Info("failover successful", zap.String("step_id", step.ID), zap.Int("attempts", attempts))
			}
			c.mu.Lock()
			c.activeAssignments[stepExecutionID] = assignment
			c.mu.Unlock()
			return assignment, nil
		}

		attempts++
		if c.logger != nil {
			c.logger.Warn("agent assignment invalid, attempting failover", zap.String("step_id", step.ID), zap.Int("attempt", attempts))
		}
		if attempts > maxFailoverAttempts {
			break
		}

		record.FailoverAttempts = attempts
		record.FailoverHistory = append(record.FailoverHistory, assignment)

		_ = c.registry.UpdateInstanceStatus(ctx, assignment.InstanceID, models.AgentError, fmt.Sprintf("failed during step execution: %s", step.Name))
		assignment, err = c.assign(ctx, step, workspaceID, projectID)
		if err != nil {
			return nil, err
		}
		if assignment == nil {
			if c.logger != nil {
				c.logger.Error("no failover agent available", zap.String("step_id", step.ID))
			}
			break
		}
	}

	c.mu.Lock()
	c.failoverRecords[stepExecutionID] = record
	c.mu.Unlock()
	return nil, nil
}

func (c *Controller) assign(ctx context.Context, step *models.WorkflowStep, workspaceID, projectID string) (*AgentAssignment, error) {
	instances, err := c.registry.AvailableInstances(ctx, workspaceID, projectID)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}

	requiredCaps := step.RequiredCapabilitiesFromConfig()

	var candidates []agentCandidate

	for _, instance := range instances {
		definition, err := c.registry.Definition(ctx, instance.DefinitionID)
		if err != nil || definition == nil || !definition.IsEnabled {
			continue
		}
		if step.AgentInstanceID != "" && instance.ID != step.AgentInstanceID {
			continue
		}
		if step.AgentDefinitionID != "" && instance.DefinitionID != step.AgentDefinitionID {
			continue
		}
		if len(requiredCaps) > 0 && !capabilitiesOverlap(definition.Capabilities, requiredCaps) {
			continue
		}
		candidates = append(candidates, agentCandidate{instance, definition})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	strategy := strategyFromConfig(step)

	idx := c.selectIndex(candidates, strategy, workspaceID, projectID, requiredCaps)
	chosen := candidates[idx]

	if err := c.registry.UpdateInstanceStatus(ctx, chosen.instance.ID, models.AgentBusy, ""); err != nil {
		return nil, err
	}

	return &AgentAssignment{
		InstanceID:   chosen.instance.ID,
		DefinitionID: chosen.definition.ID,
		Instance:     chosen.instance,
		Definition:   chosen.definition,
		Strategy:     strategy,
		AssignedAt:   time.Now(),
	}, nil
}

func strategyFromConfig(step *models.WorkflowStep) AssignmentStrategy {
	if step.Config != nil {
		if raw, ok := step.Config["assignment_strategy"].(string); ok && raw != "" {
			return AssignmentStrategy(raw)
		}
	}
	return StrategyCapabilityMatch
}

func capabilitiesOverlap(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

type agentCandidate struct {
	instance   *models.AgentInstance
	definition *models.AgentDefinition
}

func (c *Controller) selectIndex(candidates []agentCandidate, strategy AssignmentStrategy, workspaceID, projectID string, requiredCaps []string) int {
	switch strategy {
	case StrategyRoundRobin:
		key := workspaceID + ":" + projectID
		c.mu.Lock()
		counter := c.roundRobinCounters[key]
		c.roundRobinCounters[key] = counter + 1
		c.mu.Unlock()
		return counter % len(candidates)

	case StrategyLeastLoaded:
		// Load-based selection is not yet implemented against the registry
		// (no per-instance load signal is exposed); select randomly among
		// candidates, matching the reference controller's stubbed behaviour.
		return rand.Intn(len(candidates))

	case StrategyResourceBased:
		return bestCapabilityMatch(candidates, requiredCaps)

	case StrategyCapabilityMatch:
		return bestCapabilityMatch(candidates, requiredCaps)

	default:
		return 0
	}
}

func bestCapabilityMatch(candidates []agentCandidate, requiredCaps []string) int {
	if len(requiredCaps) == 0 {
		return 0
	}
	bestIdx := 0
	bestScore := -1.0
	for i, cand := range candidates {
		overlap := 0
		have := make(map[string]struct{}, len(cand.definition.Capabilities))
		for _, c := range cand.definition.Capabilities {
			have[c] = struct{}{}
		}
		for _, w := range requiredCaps {
			if _, ok := have[w]; ok {
				overlap++
			}
		}
		score := float64(overlap) / float64(len(requiredCaps))
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return bestIdx
}

func (c *Controller) validateAssignment(ctx context.Context, assignment *AgentAssignment) bool {
	instances, err := c.registry.AvailableInstances(ctx, assignment.Instance.WorkspaceID, assignment.Instance.ProjectID)
	if err != nil {
		return false
	}
	found := false
	for _, inst := range instances {
		if inst.ID == assignment.InstanceID {
			found = true
			break
		}
	}
	if !found {
		// AvailableInstances only returns idle instances; a busy instance
		// (this one, mid-use) legitimately won't appear there, so fall back
		// to checking the definition is still enabled.
		definition, err := c.registry.Definition(ctx, assignment.DefinitionID)
		if err != nil || definition == nil || !definition.IsEnabled {
			return false
		}
		return true
	}
	definition, err := c.registry.Definition(ctx, assignment.DefinitionID)
	return err == nil && definition != nil && definition.IsEnabled
}

func (c *Controller) reserveResources(assignment *AgentAssignment, workspaceID, projectID string, durationSeconds int) *AgentReservation {
	if durationSeconds <= 0 {
		durationSeconds = defaultReservationSeconds
	}
	now := time.Now()
	reservation := &AgentReservation{
		Assignment:  assignment,
		WorkspaceID: workspaceID,
		ProjectID:   projectID,
		StartedAt:   now,
		ExpiresAt:   now.Add(time.Duration(durationSeconds) * time.Second),
		Active:      true,
	}

	memoryMB := assignment.Definition.DefaultMemoryMB
	cpuCores := assignment.Definition.DefaultCPUCores
	if assignment.Instance.Config != nil {
		if v, ok := assignment.Instance.Config["memory_limit"].(float64); ok {
			memoryMB = int(v)
		}
		if v, ok := assignment.Instance.Config["cpu_limit"].(float64); ok {
			cpuCores = int(v)
		}
	}
	assignment.ReservedResources = map[string]interface{}{
		"memory_mb":    memoryMB,
		"cpu_cores":    cpuCores,
		"workspace_id": workspaceID,
		"project_id":   projectID,
	}

	c.mu.Lock()
	c.activeReservations[assignment.InstanceID] = reservation
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("reserved agent resources", zap.String("instance_id", assignment.InstanceID), zap.Int("memory_mb", memoryMB), zap.Int("cpu_cores", cpuCores))
	}

	return reservation
}

func (c *Controller) releaseResources(reservation *AgentReservation) {
	c.mu.Lock()
	delete(c.activeReservations, reservation.Assignment.InstanceID)
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Info("released agent resources", zap.String("instance_id", reservation.Assignment.InstanceID))
	}
}

func (c *Controller) executeWithAssignment(ctx context.Context, step *models.WorkflowStep, workspaceID, projectID string, assignment *AgentAssignment, input map[string]interface{}, timeoutSeconds int) (map[string]interface{}, error) {
	if c.logger != nil {
		c.logger.Info("executing step on agent", zap.String("step_name", step.Name), zap.String("instance_id", assignment.InstanceID))
	}

	agentInput := map[string]interface{}{
		"step_name":   step.Name,
		"step_config": step.Config,
		"input_data":  input,
		"metadata": map[string]interface{}{
			"assignment_strategy": string(assignment.Strategy),
			"reserved_resources":  assignment.ReservedResources,
		},
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	output, err := c.runAgentLogic(execCtx, assignment.Instance, agentInput)

	activityData := map[string]interface{}{
		"step_id":   step.ID,
		"step_name": step.Name,
	}

	if execCtx.Err() == context.DeadlineExceeded {
		activityData["error_message"] = fmt.Sprintf("agent execution timed out after %d seconds", timeoutSeconds)
		c.emitActivity(ctx, assignment.InstanceID, workspaceID, "step_execution_timed_out", activityData)
		return nil, fmt.Errorf("agent execution timed out after %d seconds", timeoutSeconds)
	}
	if err != nil {
		activityData["error_message"] = err.Error()
		c.emitActivity(ctx, assignment.InstanceID, workspaceID, "step_execution_failed", activityData)
		return nil, err
	}

	if updates, ok := output["context_updates"].(map[string]interface{}); ok && c.context != nil {
		_ = c.context.UpdateContextVersion(ctx, assignment.InstanceID, workspaceID, updates, fmt.Sprintf("updated by workflow step %q", step.Name))
	}

	c.emitActivity(ctx, assignment.InstanceID, workspaceID, "step_execution_completed", activityData)

	return output, nil
}

func (c *Controller) runAgentLogic(ctx context.Context, instance *models.AgentInstance, input map[string]interface{}) (map[string]interface{}, error) {
	if c.executor == nil {
		stepName, _ := input["step_name"].(string)
		return map[string]interface{}{
			"result":       fmt.Sprintf("agent %q successfully processed step %q", instance.Name, stepName),
			"processed_at": time.Now().UTC().Format(time.RFC3339),
			"agent_id":     instance.ID,
			"context_updates": map[string]interface{}{
				"last_step_executed": stepName,
			},
		}, nil
	}

	if c.breakers == nil {
		return c.executor.Execute(ctx, instance, input)
	}

	breaker := c.breakers.GetOrCreate(instance.DefinitionID, resilience.CircuitBreakerConfig{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
			if to == resilience.StateOpen && c.metrics != nil {
				c.metrics.RecordAgentBreakerTrip(name)
			}
		},
	})
	result, err := breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		return c.executor.Execute(ctx, instance, input)
	})
	if err != nil {
		return nil, err
	}
	output, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("agent %q returned an unexpected output shape", instance.ID)
	}
	return output, nil
}

func (c *Controller) emitActivity(ctx context.Context, agentID, workspaceID, activityType string, data map[string]interface{}) {
	if c.events == nil {
		return
	}
	payload := map[string]interface{}{
		"agent_id":      agentID,
		"workspace_id":  workspaceID,
		"activity_type": activityType,
	}
	for k, v := range data {
		payload[k] = v
	}
	if err := c.events.Publish(ctx, "AGENT_ACTIVITY", payload); err != nil && c.logger != nil {
		c.logger.Warn("failed to emit agent activity event", zap.Error(err))
	}
}

// CleanupStaleAssignments removes reservations past expiry and failover
// records older than 24 hours. Intended to be called from a periodic sweep.
func (c *Controller) CleanupStaleAssignments() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for instanceID, reservation := range c.activeReservations {
		if reservation.ExpiresAt.Before(now) {
			delete(c.activeReservations, instanceID)
			if c.logger != nil {
				c.logger.Warn("cleaned up expired reservation", zap.String("instance_id", instanceID))
			}
		}
	}

	cutoff := now.Add(-24 * time.Hour)
	for stepID, record := range c.failoverRecords {
		if record.CreatedAt.Before(cutoff) {
			delete(c.failoverRecords, stepID)
		}
	}
}

// AssignmentStats reports bookkeeping counters for monitoring.
func (c *Controller) AssignmentStats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int{
		"active_assignments":  len(c.activeAssignments),
		"active_reservations": len(c.activeReservations),
		"failover_records":    len(c.failoverRecords),
	}
}
