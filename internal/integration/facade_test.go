package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/n8n-work/agent-core/internal/models"
	"github.com/n8n-work/agent-core/internal/workflow"
)

type fakeEngine struct {
	mu         sync.Mutex
	executions map[string]bool
	nextID     int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{executions: make(map[string]bool)}
}

func (e *fakeEngine) ExecuteWorkflow(ctx context.Context, req workflow.ExecuteRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := fmt.Sprintf("exec-%d", e.nextID)
	e.executions[id] = true
	return id, nil
}

func (e *fakeEngine) CancelWorkflowExecution(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.executions[executionID] {
		return false
	}
	delete(e.executions, executionID)
	return true
}

func (e *fakeEngine) ActiveExecutionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executions)
}

type fakeAgentStats struct{ stats map[string]int }

func (f *fakeAgentStats) AssignmentStats() map[string]int { return f.stats }

type fakeExecutionStore struct {
	mu         sync.Mutex
	executions map[string]*models.WorkflowExecution
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{executions: make(map[string]*models.WorkflowExecution)}
}

func (s *fakeExecutionStore) GetExecution(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, errors.New("not found")
	}
	return exec, nil
}

func (s *fakeExecutionStore) setStatus(id string, status models.WorkflowExecutionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[id] = &models.WorkflowExecution{ID: id, Status: status}
}

func TestFacade_ExecuteWorkflowTracksToCompletion(t *testing.T) {
	engine := newFakeEngine()
	store := newFakeExecutionStore()
	runner := NewTaskRunner(nil, store, nil)
	runner.SetPollInterval(10 * time.Millisecond)
	facade := NewFacade(engine, &fakeAgentStats{stats: map[string]int{}}, runner, nil)

	task, err := facade.ExecuteWorkflow(context.Background(), workflow.ExecuteRequest{WorkflowID: "wf-1"}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store.setStatus(task.ExecutionID, models.ExecutionRunning)
	time.Sleep(20 * time.Millisecond)
	store.setStatus(task.ExecutionID, models.ExecutionCompleted)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, ok := facade.Status(context.Background(), task.ID)
		if ok && got.Status == StatusCompleted {
			if got.Result == nil || got.Result.Status != models.ExecutionCompleted {
				t.Fatalf("expected a completed result envelope, got %+v", got.Result)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never reached completed status")
}

func TestFacade_ExecuteWorkflowTimesOut(t *testing.T) {
	engine := newFakeEngine()
	store := newFakeExecutionStore()
	runner := NewTaskRunner(nil, store, nil)
	runner.SetPollInterval(5 * time.Millisecond)
	facade := NewFacade(engine, &fakeAgentStats{stats: map[string]int{}}, runner, nil)

	task, err := facade.ExecuteWorkflow(context.Background(), workflow.ExecuteRequest{WorkflowID: "wf-1"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store.setStatus(task.ExecutionID, models.ExecutionRunning)

	// Force a short deadline by submitting directly with a tiny timeout
	// instead of relying on the 3600s default.
	shortTask := runner.Submit(task.ExecutionID, 20*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, ok := runner.Get(context.Background(), shortTask.ID)
		if ok && got.Status == StatusTimeout {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never timed out")
}

func TestFacade_CancelWorkflowExecution(t *testing.T) {
	engine := newFakeEngine()
	store := newFakeExecutionStore()
	runner := NewTaskRunner(nil, store, nil)
	facade := NewFacade(engine, &fakeAgentStats{stats: map[string]int{}}, runner, nil)

	task, _ := facade.ExecuteWorkflow(context.Background(), workflow.ExecuteRequest{WorkflowID: "wf-1"}, 60)
	if !facade.CancelWorkflowExecution(task.ExecutionID) {
		t.Fatal("expected cancel to succeed for a tracked execution")
	}
	if facade.CancelWorkflowExecution(task.ExecutionID) {
		t.Fatal("expected a second cancel of the same execution to fail")
	}
}

func TestFacade_Stats(t *testing.T) {
	engine := newFakeEngine()
	store := newFakeExecutionStore()
	runner := NewTaskRunner(nil, store, nil)
	facade := NewFacade(engine, &fakeAgentStats{stats: map[string]int{"idle": 3}}, runner, nil)

	facade.ExecuteWorkflow(context.Background(), workflow.ExecuteRequest{WorkflowID: "wf-1"}, 60)

	stats := facade.Stats()
	if stats["active_executions"] != 1 {
		t.Fatalf("expected one active execution, got %v", stats["active_executions"])
	}
	controller, ok := stats["controller"].(map[string]int)
	if !ok || controller["idle"] != 3 {
		t.Fatalf("expected controller stats to be passed through, got %v", stats["controller"])
	}
}
