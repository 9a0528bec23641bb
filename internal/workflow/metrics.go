package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for the workflow engine.
type Metrics struct {
	WorkflowExecutionsTotal  *prometheus.CounterVec
	WorkflowExecutionSeconds *prometheus.HistogramVec
	ActiveWorkflowExecutions prometheus.Gauge

	StepExecutionsTotal  *prometheus.CounterVec
	StepExecutionSeconds *prometheus.HistogramVec
	StepRetriesTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns the workflow engine's metric set. Call
// once per process; a *Metrics is safe for concurrent use.
func NewMetrics() *Metrics {
	return &Metrics{
		WorkflowExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_total",
				Help: "Total number of workflow executions by terminal status",
			},
			[]string{"workspace_id", "status"},
		),

		WorkflowExecutionSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_execution_duration_seconds",
				Help:    "Duration of complete workflow executions in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"workspace_id"},
		),

		ActiveWorkflowExecutions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "workflow_active_executions",
				Help: "Number of workflow executions currently in flight",
			},
		),

		StepExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_step_executions_total",
				Help: "Total number of step executions by type and terminal status",
			},
			[]string{"step_type", "status"},
		),

		StepExecutionSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_step_duration_seconds",
				Help:    "Duration of individual step executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"step_type"},
		),

		StepRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_step_retries_total",
				Help: "Total number of step retry attempts",
			},
			[]string{"step_type"},
		),
	}
}
