package dependency

import (
	"testing"

	"github.com/n8n-work/agent-core/internal/models"
)

func step(id, name string, order int, deps ...string) *models.WorkflowStep {
	return &models.WorkflowStep{
		ID:             id,
		Name:           name,
		StepOrder:      order,
		StepType:       models.StepTypeTask,
		DependsOnSteps: deps,
		Config:         map[string]interface{}{},
	}
}

func TestValidate_EmptyWorkflow(t *testing.T) {
	r := NewResolver()
	result := r.Validate(nil)
	if result.IsValid {
		t.Fatal("expected invalid result for empty workflow")
	}
	if len(result.Errors) != 1 || result.Errors[0].Type != ErrMissingSteps {
		t.Fatalf("expected MISSING_STEPS, got %+v", result.Errors)
	}
}

func TestValidate_DuplicateStepNames(t *testing.T) {
	r := NewResolver()
	steps := []*models.WorkflowStep{
		step("a", "same", 1),
		step("b", "same", 2),
	}
	result := r.Validate(steps)
	if result.IsValid {
		t.Fatal("expected invalid result")
	}
	assertHasError(t, result, ErrDuplicateStepNames)
}

func TestValidate_NonSequentialOrder(t *testing.T) {
	r := NewResolver()
	steps := []*models.WorkflowStep{
		step("a", "a", 1),
		step("b", "b", 3),
	}
	result := r.Validate(steps)
	assertHasError(t, result, ErrNonSequentialOrder)
}

func TestValidate_SelfDependency(t *testing.T) {
	r := NewResolver()
	steps := []*models.WorkflowStep{
		step("a", "a", 1, "a"),
	}
	result := r.Validate(steps)
	assertHasError(t, result, ErrSelfDependency)
}

func TestValidate_CircularDependency(t *testing.T) {
	// S4 — A deps=[C], B deps=[A], C deps=[B]
	r := NewResolver()
	steps := []*models.WorkflowStep{
		step("A", "A", 1, "C"),
		step("B", "B", 2, "A"),
		step("C", "C", 3, "B"),
	}
	result := r.Validate(steps)
	if result.IsValid {
		t.Fatal("expected invalid result for cyclic graph")
	}
	assertHasError(t, result, ErrCircularDependency)

	if _, err := r.ResolveExecutionOrder(steps); err == nil {
		t.Fatal("expected ResolveExecutionOrder to fail on cyclic graph")
	}
}

func TestResolveExecutionOrder_HappyPath(t *testing.T) {
	// S1 — [A (order 1, no deps), B (order 2, deps=[A]), C (order 3, deps=[A])]
	r := NewResolver()
	steps := []*models.WorkflowStep{
		step("A", "A", 1),
		step("B", "B", 2, "A"),
		step("C", "C", 3, "A"),
	}
	levels, err := r.ResolveExecutionOrder(steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if len(levels[0]) != 1 || levels[0][0].ID != "A" {
		t.Fatalf("expected level 0 = [A], got %+v", levels[0])
	}
	if len(levels[1]) != 2 {
		t.Fatalf("expected level 1 to have 2 steps, got %+v", levels[1])
	}
}

func TestCanExecuteNow(t *testing.T) {
	r := NewResolver()
	s := step("B", "B", 2, "A")

	if r.CanExecuteNow(s, map[string]bool{}, map[string]bool{}) {
		t.Fatal("should not be executable before dependency completes")
	}
	if !r.CanExecuteNow(s, map[string]bool{"A": true}, map[string]bool{}) {
		t.Fatal("should be executable once dependency completes")
	}
	if r.CanExecuteNow(s, map[string]bool{"A": true}, map[string]bool{"B": true}) {
		t.Fatal("should not be executable while already running")
	}
}

func TestValidateUpdate_BreakingChange(t *testing.T) {
	r := NewResolver()
	existing := []*models.WorkflowStep{
		step("A", "A", 1),
		step("B", "B", 2, "A"),
	}
	updated := []*models.WorkflowStep{
		step("B", "B", 1, "A"),
	}
	result := r.ValidateUpdate(updated, existing)
	assertHasError(t, result, ErrBreakingChange)
}

func assertHasError(t *testing.T, result *ValidationResult, want ErrorType) {
	t.Helper()
	for _, e := range result.Errors {
		if e.Type == want {
			return
		}
	}
	t.Fatalf("expected error of type %s, got %+v", want, result.Errors)
}
