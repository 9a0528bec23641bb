// Package integration wraps the workflow engine behind a background task
// runner: ExecuteWorkflow submits a task and returns a handle immediately;
// the task body tracks the execution to a terminal status and assembles a
// result envelope, so callers can poll Status or, for long-running runs,
// subscribe to the event broadcaster instead.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/n8n-work/agent-core/internal/models"
)

// TaskStatus is the lifecycle status of a background submission task. It is
// distinct from the wrapped WorkflowExecution's own status: a task can be
// StatusTimeout while the execution it tracks is still running.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusTimeout   TaskStatus = "timeout"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultWorkflowWindow = 3600 * time.Second
)

// ResultEnvelope is the contractual shape returned once a task reaches a
// terminal status.
type ResultEnvelope struct {
	ExecutionID string                         `json:"execution_id"`
	Status      models.WorkflowExecutionStatus `json:"status"`
	Result      map[string]interface{}         `json:"result,omitempty"`
	Error       string                         `json:"error,omitempty"`
}

// Task is one background submission's bookkeeping record.
type Task struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Status      TaskStatus      `json:"status"`
	Result      *ResultEnvelope `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionStore is the narrow read path the task runner needs to observe
// an execution's terminal status; implemented by internal/repo.
type ExecutionStore interface {
	GetExecution(ctx context.Context, executionID string) (*models.WorkflowExecution, error)
}

func isTerminal(status models.WorkflowExecutionStatus) bool {
	switch status {
	case models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled, models.ExecutionTimeout:
		return true
	default:
		return false
	}
}

// TaskRunner tracks in-flight background submissions, polling the execution
// store for terminal status. Task records are cached in memory and mirrored
// to Redis so a process restart can still answer Status for tasks another
// instance created, matching the reference async manager's dual-store idiom.
type TaskRunner struct {
	redis        *redis.Client
	store        ExecutionStore
	logger       *zap.Logger
	pollInterval time.Duration

	tasks  sync.Map // taskID -> *Task
	mu     sync.Mutex
	cancel map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewTaskRunner constructs a TaskRunner polling every 2s by default; use
// SetPollInterval to override (e.g. in tests).
func NewTaskRunner(redisClient *redis.Client, store ExecutionStore, logger *zap.Logger) *TaskRunner {
	return &TaskRunner{
		redis:        redisClient,
		store:        store,
		logger:       logger,
		pollInterval: defaultPollInterval,
		cancel:       make(map[string]context.CancelFunc),
	}
}

// SetPollInterval overrides the default 2s polling cadence.
func (r *TaskRunner) SetPollInterval(d time.Duration) { r.pollInterval = d }

// Submit starts tracking executionID in the background, returning a task
// handle immediately. The task reaches a terminal status once the execution
// does, or once timeout elapses (default 3600s), whichever comes first.
func (r *TaskRunner) Submit(executionID string, timeout time.Duration) *Task {
	if timeout <= 0 {
		timeout = defaultWorkflowWindow
	}
	now := time.Now()
	task := &Task{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.saveTask(task)

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel[task.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.watch(ctx, task, timeout)

	if r.logger != nil {
		r.logger.Info("submitted background task",
			zap.String("task_id", task.ID), zap.String("execution_id", executionID))
	}
	return task
}

func (r *TaskRunner) watch(ctx context.Context, task *Task, timeout time.Duration) {
	defer r.wg.Done()
	defer r.clearCancel(task.ID)

	task.Status = StatusRunning
	task.UpdatedAt = time.Now()
	r.saveTask(task)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(timeout)

	for {
		select {
		case <-ctx.Done():
			r.finish(task, StatusCancelled, &ResultEnvelope{
				ExecutionID: task.ExecutionID,
				Status:      models.ExecutionCancelled,
			})
			return
		case <-ticker.C:
			exec, err := r.store.GetExecution(ctx, task.ExecutionID)
			if err != nil {
				if r.logger != nil {
					r.logger.Warn("task runner poll failed", zap.String("task_id", task.ID), zap.Error(err))
				}
			} else if isTerminal(exec.Status) {
				r.finish(task, statusFromExecution(exec.Status), &ResultEnvelope{
					ExecutionID: exec.ID,
					Status:      exec.Status,
					Result:      exec.Results,
					Error:       exec.ErrorMessage,
				})
				return
			}
			if time.Now().After(deadline) {
				r.finish(task, StatusTimeout, &ResultEnvelope{
					ExecutionID: task.ExecutionID,
					Status:      models.ExecutionTimeout,
					Error:       fmt.Sprintf("task exceeded %s window", timeout),
				})
				return
			}
		}
	}
}

func statusFromExecution(status models.WorkflowExecutionStatus) TaskStatus {
	switch status {
	case models.ExecutionCompleted:
		return StatusCompleted
	case models.ExecutionCancelled:
		return StatusCancelled
	case models.ExecutionTimeout:
		return StatusTimeout
	default:
		return StatusFailed
	}
}

func (r *TaskRunner) finish(task *Task, status TaskStatus, result *ResultEnvelope) {
	now := time.Now()
	task.Status = status
	task.Result = result
	task.UpdatedAt = now
	task.CompletedAt = &now
	r.saveTask(task)
	if r.logger != nil {
		r.logger.Info("background task finished",
			zap.String("task_id", task.ID), zap.String("status", string(status)))
	}
}

// Cancel stops tracking a task. It does not itself cancel the underlying
// workflow execution; callers should also call the engine's
// CancelWorkflowExecution.
func (r *TaskRunner) Cancel(taskID string) error {
	r.mu.Lock()
	cancel, ok := r.cancel[taskID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s is not running", taskID)
	}
	cancel()
	return nil
}

func (r *TaskRunner) clearCancel(taskID string) {
	r.mu.Lock()
	delete(r.cancel, taskID)
	r.mu.Unlock()
}

// Get returns a task's current bookkeeping record.
func (r *TaskRunner) Get(ctx context.Context, taskID string) (*Task, bool) {
	if cached, ok := r.tasks.Load(taskID); ok {
		return cached.(*Task), true
	}
	if r.redis == nil {
		return nil, false
	}
	data, err := r.redis.Get(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, false
	}
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, false
	}
	return &task, true
}

// Stats summarises tracked tasks by status, mirroring the controller's
// AssignmentStats counter-map idiom.
func (r *TaskRunner) Stats() map[string]int {
	stats := make(map[string]int)
	r.tasks.Range(func(_, v interface{}) bool {
		task := v.(*Task)
		stats[string(task.Status)]++
		return true
	})
	return stats
}

func taskKey(taskID string) string { return fmt.Sprintf("integration:task:%s", taskID) }

func (r *TaskRunner) saveTask(task *Task) {
	r.tasks.Store(task.ID, task)
	if r.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		return
	}
	r.redis.Set(context.Background(), taskKey(task.ID), data, 24*time.Hour)
}
