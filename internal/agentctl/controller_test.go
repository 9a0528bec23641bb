package agentctl

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/n8n-work/agent-core/internal/models"
	"github.com/n8n-work/agent-core/internal/resilience"
)

type fakeExecutor struct {
	calls int
	fail  bool
}

func (e *fakeExecutor) Execute(ctx context.Context, instance *models.AgentInstance, input map[string]interface{}) (map[string]interface{}, error) {
	e.calls++
	if e.fail {
		return nil, errors.New("agent invocation failed")
	}
	return map[string]interface{}{"agent_id": instance.ID}, nil
}

type fakeRegistry struct {
	instances   map[string]*models.AgentInstance
	definitions map[string]*models.AgentDefinition
	statusCalls []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		instances:   map[string]*models.AgentInstance{},
		definitions: map[string]*models.AgentDefinition{},
	}
}

func (r *fakeRegistry) AvailableInstances(ctx context.Context, workspaceID, projectID string) ([]*models.AgentInstance, error) {
	var out []*models.AgentInstance
	for _, inst := range r.instances {
		if inst.WorkspaceID == workspaceID && inst.ProjectID == projectID && inst.Status == models.AgentIdle {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r *fakeRegistry) Definition(ctx context.Context, definitionID string) (*models.AgentDefinition, error) {
	return r.definitions[definitionID], nil
}

func (r *fakeRegistry) UpdateInstanceStatus(ctx context.Context, instanceID string, status models.AgentInstanceStatus, reason string) error {
	r.statusCalls = append(r.statusCalls, instanceID+":"+string(status))
	if inst, ok := r.instances[instanceID]; ok {
		inst.Status = status
		inst.ErrorReason = reason
	}
	return nil
}

func TestExecuteAgentStep_CapabilityMatchAssignsBestOverlap(t *testing.T) {
	registry := newFakeRegistry()
	registry.definitions["def-weak"] = &models.AgentDefinition{ID: "def-weak", IsEnabled: true, Capabilities: []string{"code_review", "test_generation"}}
	registry.definitions["def-strong"] = &models.AgentDefinition{ID: "def-strong", IsEnabled: true, Capabilities: []string{"code_review", "refactor", "test_generation"}}
	registry.instances["inst-weak"] = &models.AgentInstance{ID: "inst-weak", DefinitionID: "def-weak", WorkspaceID: "ws1", ProjectID: "proj1", Name: "weak", Status: models.AgentIdle}
	registry.instances["inst-strong"] = &models.AgentInstance{ID: "inst-strong", DefinitionID: "def-strong", WorkspaceID: "ws1", ProjectID: "proj1", Name: "strong", Status: models.AgentIdle}

	controller := NewController(registry, nil, nil, nil, nil)

	step := &models.WorkflowStep{
		ID:                   "step1",
		Name:                 "review",
		RequiredCapabilities: []string{"refactor", "test_generation"},
		Config:               map[string]interface{}{},
	}

	output, err := controller.ExecuteAgentStep(context.Background(), step, "ws1", "proj1", map[string]interface{}{}, 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output["agent_id"] != "inst-strong" {
		t.Fatalf("expected inst-strong to be chosen for better capability overlap, got %v", output["agent_id"])
	}
}

func TestExecuteAgentStep_NoSuitableAgentErrors(t *testing.T) {
	registry := newFakeRegistry()
	controller := NewController(registry, nil, nil, nil, nil)

	step := &models.WorkflowStep{ID: "step1", Name: "review", Config: map[string]interface{}{}}

	_, err := controller.ExecuteAgentStep(context.Background(), step, "ws1", "proj1", map[string]interface{}{}, 5, 0)
	if err == nil {
		t.Fatal("expected an error when no agent instances are available")
	}
}

func TestExecuteAgentStep_AssignmentSkipsDisabledDefinition(t *testing.T) {
	registry := newFakeRegistry()
	registry.definitions["def-disabled"] = &models.AgentDefinition{ID: "def-disabled", IsEnabled: false}
	registry.definitions["def-ok"] = &models.AgentDefinition{ID: "def-ok", IsEnabled: true, Capabilities: []string{"x"}}
	registry.instances["inst-disabled"] = &models.AgentInstance{ID: "inst-disabled", DefinitionID: "def-disabled", WorkspaceID: "ws1", ProjectID: "proj1", Name: "disabled", Status: models.AgentIdle}
	registry.instances["inst-ok"] = &models.AgentInstance{ID: "inst-ok", DefinitionID: "def-ok", WorkspaceID: "ws1", ProjectID: "proj1", Name: "ok", Status: models.AgentIdle}

	controller := NewController(registry, nil, nil, nil, nil)

	step := &models.WorkflowStep{ID: "step1", Name: "review", Config: map[string]interface{}{}}

	output, err := controller.ExecuteAgentStep(context.Background(), step, "ws1", "proj1", map[string]interface{}{}, 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output["agent_id"] != "inst-ok" {
		t.Fatalf("expected the enabled instance to be chosen, got %v", output["agent_id"])
	}
}

func TestAssignmentStats_ReservationReleasedAfterExecution(t *testing.T) {
	registry := newFakeRegistry()
	registry.definitions["def1"] = &models.AgentDefinition{ID: "def1", IsEnabled: true}
	registry.instances["inst1"] = &models.AgentInstance{ID: "inst1", DefinitionID: "def1", WorkspaceID: "ws1", ProjectID: "proj1", Name: "a", Status: models.AgentIdle}

	controller := NewController(registry, nil, nil, nil, nil)
	step := &models.WorkflowStep{ID: "step1", Name: "review", Config: map[string]interface{}{}}

	_, err := controller.ExecuteAgentStep(context.Background(), step, "ws1", "proj1", map[string]interface{}{}, 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := controller.AssignmentStats()
	if stats["active_reservations"] != 0 {
		t.Fatalf("expected reservation released after execution, got %d active", stats["active_reservations"])
	}
}

type fakeMetricsRecorder struct {
	assignments int
	trips       int
}

func (m *fakeMetricsRecorder) RecordAgentAssignment(tenantID, strategy, status string) {
	m.assignments++
}

func (m *fakeMetricsRecorder) RecordAgentBreakerTrip(definitionID string) {
	m.trips++
}

func TestExecuteAgentStep_RecordsAssignmentMetric(t *testing.T) {
	registry := newFakeRegistry()
	registry.definitions["def1"] = &models.AgentDefinition{ID: "def1", IsEnabled: true}
	registry.instances["inst1"] = &models.AgentInstance{ID: "inst1", DefinitionID: "def1", WorkspaceID: "ws1", ProjectID: "proj1", Name: "a", Status: models.AgentIdle}

	controller := NewController(registry, nil, nil, nil, nil)
	metrics := &fakeMetricsRecorder{}
	controller.SetMetrics(metrics)

	step := &models.WorkflowStep{ID: "step1", Name: "review", Config: map[string]interface{}{}}
	if _, err := controller.ExecuteAgentStep(context.Background(), step, "ws1", "proj1", map[string]interface{}{}, 5, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if metrics.assignments != 1 {
		t.Fatalf("expected 1 recorded assignment, got %d", metrics.assignments)
	}
}

func TestRunAgentLogic_RecordsBreakerTripMetric(t *testing.T) {
	registry := newFakeRegistry()
	registry.definitions["def1"] = &models.AgentDefinition{ID: "def1", IsEnabled: true}
	registry.instances["inst1"] = &models.AgentInstance{ID: "inst1", DefinitionID: "def1", WorkspaceID: "ws1", ProjectID: "proj1", Name: "a", Status: models.AgentIdle}

	executor := &fakeExecutor{fail: true}
	controller := NewController(registry, nil, nil, executor, zap.NewNop())
	controller.SetBreakers(resilience.NewCircuitBreakerManager(zap.NewNop()))
	metrics := &fakeMetricsRecorder{}
	controller.SetMetrics(metrics)

	step := &models.WorkflowStep{ID: "step1", Name: "review", Config: map[string]interface{}{}}
	for i := 0; i < 7; i++ {
		_, _ = controller.ExecuteAgentStep(context.Background(), step, "ws1", "proj1", map[string]interface{}{}, 5, 0)
		registry.instances["inst1"].Status = models.AgentIdle
	}

	if metrics.trips == 0 {
		t.Fatal("expected at least one recorded breaker trip")
	}
}

func TestRunAgentLogic_BreakerTripsAfterRepeatedFailures(t *testing.T) {
	registry := newFakeRegistry()
	registry.definitions["def1"] = &models.AgentDefinition{ID: "def1", IsEnabled: true}
	registry.instances["inst1"] = &models.AgentInstance{ID: "inst1", DefinitionID: "def1", WorkspaceID: "ws1", ProjectID: "proj1", Name: "a", Status: models.AgentIdle}

	executor := &fakeExecutor{fail: true}
	controller := NewController(registry, nil, nil, executor, zap.NewNop())
	controller.SetBreakers(resilience.NewCircuitBreakerManager(zap.NewNop()))

	step := &models.WorkflowStep{ID: "step1", Name: "review", Config: map[string]interface{}{}}

	// defaultReadyToTrip trips after more than 5 consecutive failures, so
	// the breaker opens after the 6th failed call and rejects the 7th
	// before it ever reaches the executor.
	const attempts = 7
	for i := 0; i < attempts; i++ {
		_, _ = controller.ExecuteAgentStep(context.Background(), step, "ws1", "proj1", map[string]interface{}{}, 5, 0)
		registry.instances["inst1"].Status = models.AgentIdle
	}

	if executor.calls == 0 {
		t.Fatal("expected the executor to be invoked at least once before the breaker tripped")
	}
	if executor.calls >= attempts {
		t.Fatalf("expected the breaker to trip and stop forwarding at least one of the %d attempts to the executor, got %d calls", attempts, executor.calls)
	}
}

type fakeActivityPublisher struct {
	activityTypes []string
}

func (p *fakeActivityPublisher) Publish(ctx context.Context, eventType string, payload map[string]interface{}) error {
	if at, ok := payload["activity_type"].(string); ok {
		p.activityTypes = append(p.activityTypes, at)
	}
	return nil
}

// A failed step execution must still emit an agent_activity event, not just
// a successful one.
func TestExecuteAgentStep_EmitsActivityOnFailure(t *testing.T) {
	registry := newFakeRegistry()
	registry.definitions["def1"] = &models.AgentDefinition{ID: "def1", IsEnabled: true}
	registry.instances["inst1"] = &models.AgentInstance{ID: "inst1", DefinitionID: "def1", WorkspaceID: "ws1", ProjectID: "proj1", Name: "a", Status: models.AgentIdle}

	executor := &fakeExecutor{fail: true}
	events := &fakeActivityPublisher{}
	controller := NewController(registry, nil, events, executor, zap.NewNop())

	step := &models.WorkflowStep{ID: "step1", Name: "review", Config: map[string]interface{}{}}
	if _, err := controller.ExecuteAgentStep(context.Background(), step, "ws1", "proj1", map[string]interface{}{}, 5, 0); err == nil {
		t.Fatal("expected an error from the failing executor")
	}

	if len(events.activityTypes) == 0 {
		t.Fatal("expected an agent_activity event on the failure path")
	}
	if events.activityTypes[0] != "step_execution_failed" {
		t.Fatalf("expected step_execution_failed activity, got %v", events.activityTypes)
	}
}
