// Package dependency validates workflow graphs and computes parallel
// execution layers for the workflow engine.
package dependency

import (
	"fmt"
	"sort"

	"github.com/n8n-work/agent-core/internal/models"
)

// ErrorType enumerates the validation error kinds the resolver can emit.
type ErrorType string

const (
	ErrMissingSteps        ErrorType = "MISSING_STEPS"
	ErrDuplicateStepNames  ErrorType = "DUPLICATE_STEP_NAMES"
	ErrNonSequentialOrder  ErrorType = "NON_SEQUENTIAL_ORDER"
	ErrDuplicateOrder      ErrorType = "DUPLICATE_STEP_ORDER"
	ErrMissingDependency   ErrorType = "MISSING_DEPENDENCY"
	ErrInvalidDependency   ErrorType = "INVALID_DEPENDENCY"
	ErrCircularDependency  ErrorType = "CIRCULAR_DEPENDENCY"
	ErrSelfDependency      ErrorType = "SELF_DEPENDENCY"
	ErrUnreachableSteps    ErrorType = "UNREACHABLE_STEPS"
	ErrBreakingChange      ErrorType = "BREAKING_CHANGE"
)

// ValidationError is one structural problem found in a workflow graph.
type ValidationError struct {
	Type    ErrorType
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ValidationResult is the outcome of Validate/ValidateUpdate.
type ValidationResult struct {
	IsValid  bool
	Errors   []*ValidationError
	Warnings []string
}

// Resolver validates workflow graphs and computes execution layers. It is
// stateless and safe for concurrent use; each call owns its own error slice.
type Resolver struct{}

// NewResolver constructs a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Validate checks a workflow's steps for structural errors and warnings, per
// spec.md §4.1 and §8's boundary behaviours.
func (r *Resolver) Validate(steps []*models.WorkflowStep) *ValidationResult {
	var errs []*ValidationError
	var warnings []string

	if len(steps) == 0 {
		errs = append(errs, &ValidationError{
			Type:    ErrMissingSteps,
			Message: "workflow must have at least one step",
		})
		return &ValidationResult{IsValid: false, Errors: errs, Warnings: warnings}
	}

	errs = append(errs, validateStepNames(steps)...)
	errs = append(errs, validateStepOrder(steps)...)
	errs = append(errs, validateSelfDependency(steps)...)

	graph, byID := buildGraph(steps)
	errs = append(errs, validateDependenciesExist(steps, byID)...)
	if cycleErr := detectCycle(graph, orderedIDs(steps)); cycleErr != nil {
		errs = append(errs, cycleErr)
	}
	warnings = append(warnings, agentRequirementWarnings(steps)...)
	if unreachable := unreachableSteps(graph, orderedIDs(steps)); len(unreachable) > 0 {
		errs = append(errs, &ValidationError{
			Type:    ErrUnreachableSteps,
			Message: fmt.Sprintf("unreachable steps found: %v", unreachable),
		})
	} else if len(entryPoints(graph, orderedIDs(steps))) == 0 {
		warnings = append(warnings, "no clear entry points found in workflow")
	}

	return &ValidationResult{IsValid: len(errs) == 0, Errors: errs, Warnings: warnings}
}

// ValidateUpdate additionally flags BREAKING_CHANGE when a step update
// removes a step that is still referenced by a dependency.
func (r *Resolver) ValidateUpdate(updated, existing []*models.WorkflowStep) *ValidationResult {
	result := r.Validate(updated)

	existingNames := make(map[string]bool, len(existing))
	for _, s := range existing {
		existingNames[s.Name] = true
	}
	updatedNames := make(map[string]bool, len(updated))
	for _, s := range updated {
		updatedNames[s.Name] = true
	}
	removed := make(map[string]bool)
	for name := range existingNames {
		if !updatedNames[name] {
			removed[name] = true
		}
	}

	byID := make(map[string]*models.WorkflowStep, len(updated))
	for _, s := range updated {
		byID[s.ID] = s
	}
	for _, s := range updated {
		for _, depID := range s.DependsOnSteps {
			dep, ok := byID[depID]
			depName := depID
			if ok {
				depName = dep.Name
			}
			if removed[depName] {
				result.Errors = append(result.Errors, &ValidationError{
					Type:    ErrBreakingChange,
					Message: fmt.Sprintf("step '%s' depends on removed step '%s'", s.Name, depName),
				})
			}
		}
	}
	result.IsValid = len(result.Errors) == 0
	return result
}

func orderedIDs(steps []*models.WorkflowStep) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

func buildGraph(steps []*models.WorkflowStep) (map[string][]string, map[string]*models.WorkflowStep) {
	byID := make(map[string]*models.WorkflowStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	graph := make(map[string][]string, len(steps))
	for _, s := range steps {
		graph[s.ID] = append([]string{}, s.DependsOnSteps...)
	}
	return graph, byID
}

func validateStepNames(steps []*models.WorkflowStep) []*ValidationError {
	counts := make(map[string]int)
	for _, s := range steps {
		counts[s.Name]++
	}
	var dups []string
	for name, n := range counts {
		if n > 1 {
			dups = append(dups, name)
		}
	}
	if len(dups) == 0 {
		return nil
	}
	sort.Strings(dups)
	return []*ValidationError{{
		Type:    ErrDuplicateStepNames,
		Message: fmt.Sprintf("duplicate step names found: %v", dups),
	}}
}

func validateStepOrder(steps []*models.WorkflowStep) []*ValidationError {
	var errs []*ValidationError
	orders := make(map[int]int)
	minOrder, maxOrder := steps[0].StepOrder, steps[0].StepOrder
	for _, s := range steps {
		orders[s.StepOrder]++
		if s.StepOrder < minOrder {
			minOrder = s.StepOrder
		}
		if s.StepOrder > maxOrder {
			maxOrder = s.StepOrder
		}
	}
	var dupOrders []int
	for order, count := range orders {
		if count > 1 {
			dupOrders = append(dupOrders, order)
		}
	}
	if len(dupOrders) > 0 {
		sort.Ints(dupOrders)
		errs = append(errs, &ValidationError{
			Type:    ErrDuplicateOrder,
			Message: fmt.Sprintf("duplicate step orders found: %v", dupOrders),
		})
	}
	var missing []int
	for o := minOrder; o <= maxOrder; o++ {
		if orders[o] == 0 {
			missing = append(missing, o)
		}
	}
	if len(missing) > 0 {
		errs = append(errs, &ValidationError{
			Type:    ErrNonSequentialOrder,
			Message: fmt.Sprintf("missing step orders: %v", missing),
		})
	}
	return errs
}

func validateSelfDependency(steps []*models.WorkflowStep) []*ValidationError {
	var errs []*ValidationError
	for _, s := range steps {
		for _, dep := range s.DependsOnSteps {
			if dep == s.ID {
				errs = append(errs, &ValidationError{
					Type:    ErrSelfDependency,
					Message: fmt.Sprintf("step '%s' depends on itself", s.Name),
				})
			}
		}
	}
	return errs
}

func validateDependenciesExist(steps []*models.WorkflowStep, byID map[string]*models.WorkflowStep) []*ValidationError {
	var errs []*ValidationError
	for _, s := range steps {
		for _, dep := range s.DependsOnSteps {
			if _, ok := byID[dep]; !ok {
				errs = append(errs, &ValidationError{
					Type:    ErrMissingDependency,
					Message: fmt.Sprintf("step '%s' depends on non-existent step '%s'", s.Name, dep),
				})
			}
		}
	}
	return errs
}

// detectCycle runs a DFS with a recursion stack, returning a deterministic
// CIRCULAR_DEPENDENCY error naming the cycle path in traversal order, by
// iterating candidate start nodes in the stable order given.
func detectCycle(graph map[string][]string, order []string) *ValidationError {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stackOrder []string

	var dfs func(node string) *ValidationError
	dfs = func(node string) *ValidationError {
		visited[node] = true
		onStack[node] = true
		stackOrder = append(stackOrder, node)

		for _, neighbor := range graph[node] {
			if onStack[neighbor] {
				cyclePath := append(append([]string{}, stackOrder...), neighbor)
				return &ValidationError{
					Type:    ErrCircularDependency,
					Message: fmt.Sprintf("circular dependency detected: %s", joinArrow(cyclePath)),
				}
			}
			if !visited[neighbor] {
				if err := dfs(neighbor); err != nil {
					return err
				}
			}
		}

		onStack[node] = false
		stackOrder = stackOrder[:len(stackOrder)-1]
		return nil
	}

	for _, node := range order {
		if !visited[node] {
			if err := dfs(node); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinArrow(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out
}

func agentRequirementWarnings(steps []*models.WorkflowStep) []string {
	var warnings []string
	for _, s := range steps {
		if s.StepType == models.StepTypeAgent || s.StepType == models.StepTypeTask {
			if s.AgentDefinitionID == "" && s.AgentInstanceID == "" {
				warnings = append(warnings, fmt.Sprintf("step '%s' may require agent configuration", s.Name))
			}
		}
	}
	return warnings
}

func entryPoints(graph map[string][]string, order []string) []string {
	var entries []string
	for _, id := range order {
		if len(graph[id]) == 0 {
			entries = append(entries, id)
		}
	}
	return entries
}

func unreachableSteps(graph map[string][]string, order []string) []string {
	if len(graph) == 0 {
		return nil
	}
	entries := entryPoints(graph, order)
	if len(entries) == 0 {
		return nil
	}

	visited := make(map[string]bool)
	var dfs func(string)
	dfs = func(node string) {
		if visited[node] {
			return
		}
		visited[node] = true
		for _, neighbor := range graph[node] {
			dfs(neighbor)
		}
	}
	for _, e := range entries {
		dfs(e)
	}

	var unreachable []string
	for _, id := range order {
		if !visited[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	return unreachable
}

// ResolveExecutionOrder groups steps into topologically-ordered layers using
// Kahn's algorithm: every step in layer i depends only on steps in layers <
// i. Returns an error if a circular dependency or missing dependency is
// present.
func (r *Resolver) ResolveExecutionOrder(steps []*models.WorkflowStep) ([][]*models.WorkflowStep, error) {
	byID := make(map[string]*models.WorkflowStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOnSteps {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("step '%s' references unknown dependency '%s'", s.Name, dep)
			}
		}
	}

	graph, _ := buildGraph(steps)
	if err := detectCycle(graph, orderedIDs(steps)); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = 0
	}
	for _, s := range steps {
		for range s.DependsOnSteps {
			inDegree[s.ID]++
		}
	}

	var queue []string
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	var levels [][]*models.WorkflowStep
	processed := 0
	for len(queue) > 0 {
		current := queue
		queue = nil

		level := make([]*models.WorkflowStep, 0, len(current))
		for _, id := range current {
			level = append(level, byID[id])
			processed++
		}
		levels = append(levels, level)

		for _, id := range current {
			for _, dependent := range dependentsOf(id, steps) {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					queue = append(queue, dependent)
				}
			}
		}
	}

	if processed != len(steps) {
		return nil, fmt.Errorf("circular dependency detected: unable to fully order %d of %d steps", processed, len(steps))
	}
	return levels, nil
}

func dependentsOf(id string, steps []*models.WorkflowStep) []string {
	var dependents []string
	for _, s := range steps {
		for _, dep := range s.DependsOnSteps {
			if dep == id {
				dependents = append(dependents, s.ID)
				break
			}
		}
	}
	return dependents
}

// GetParallelExecutionGroups further splits each level produced by
// ResolveExecutionOrder into independent-vs-mutually-dependent groups, used
// when transitive (cross-level) edges leave same-level steps with an
// internal ordering constraint that a single concurrent batch would violate.
func (r *Resolver) GetParallelExecutionGroups(steps []*models.WorkflowStep) ([][]*models.WorkflowStep, error) {
	levels, err := r.ResolveExecutionOrder(steps)
	if err != nil {
		return nil, err
	}

	var groups [][]*models.WorkflowStep
	for _, level := range levels {
		if len(level) <= 1 {
			groups = append(groups, level)
			continue
		}
		groups = append(groups, splitByInternalDependencies(level)...)
	}
	return groups, nil
}

func splitByInternalDependencies(level []*models.WorkflowStep) [][]*models.WorkflowStep {
	ids := make(map[string]bool, len(level))
	for _, s := range level {
		ids[s.ID] = true
	}

	var independent, dependent []*models.WorkflowStep
	for _, s := range level {
		hasInternal := false
		for _, dep := range s.DependsOnSteps {
			if ids[dep] {
				hasInternal = true
				break
			}
		}
		if hasInternal {
			dependent = append(dependent, s)
		} else {
			independent = append(independent, s)
		}
	}

	if len(dependent) == 0 || len(independent) == 0 {
		return [][]*models.WorkflowStep{level}
	}
	return [][]*models.WorkflowStep{independent, dependent}
}

// CanExecuteNow reports whether a step's dependencies are all completed and
// the step itself is not already running.
func (r *Resolver) CanExecuteNow(step *models.WorkflowStep, completed, running map[string]bool) bool {
	for _, dep := range step.DependsOnSteps {
		if !completed[dep] {
			return false
		}
	}
	return !running[step.ID]
}

// GetNextExecutableSteps returns every step whose dependencies are satisfied
// and which is neither completed nor already running.
func (r *Resolver) GetNextExecutableSteps(steps []*models.WorkflowStep, completed, running map[string]bool) []*models.WorkflowStep {
	var executable []*models.WorkflowStep
	for _, s := range steps {
		if completed[s.ID] || running[s.ID] {
			continue
		}
		if r.CanExecuteNow(s, completed, running) {
			executable = append(executable, s)
		}
	}
	return executable
}
