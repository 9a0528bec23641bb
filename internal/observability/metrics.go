package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// gRPC metrics
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec

	// Step execution metrics
	StepExecutionsTotal   *prometheus.CounterVec
	StepExecutionDuration *prometheus.HistogramVec
	ActiveStepExecutions  *prometheus.GaugeVec

	// Workflow execution metrics
	WorkflowExecutionsTotal  *prometheus.CounterVec
	ActiveWorkflowExecutions *prometheus.GaugeVec

	// LLM routing metrics
	LLMRequestsTotal     *prometheus.CounterVec
	LLMRequestDuration    *prometheus.HistogramVec
	LLMFallbacksTotal     *prometheus.CounterVec
	LLMCostUSDTotal       *prometheus.CounterVec

	// Agent controller metrics
	AgentAssignmentsTotal  *prometheus.CounterVec
	AgentBreakerTripsTotal *prometheus.CounterVec
	ActiveAgentReservations *prometheus.GaugeVec

	// Approval metrics
	FileApprovalsTotal *prometheus.CounterVec

	// Secrets metrics
	SecretRotationsTotal *prometheus.CounterVec

	// Queue metrics
	QueueDepth            *prometheus.GaugeVec
	MessageProcessingRate *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Resource metrics
	DatabaseConnections *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// gRPC metrics
		GRPCRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grpc_requests_total",
				Help: "Total number of gRPC requests",
			},
			[]string{"method", "status_code"},
		),

		GRPCRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grpc_request_duration_seconds",
				Help:    "Duration of gRPC requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		// Step execution metrics
		StepExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "step_executions_total",
				Help: "Total number of step executions",
			},
			[]string{"tenant_id", "node_type", "status"},
		),

		StepExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "step_execution_duration_seconds",
				Help:    "Duration of step executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tenant_id", "node_type"},
		),

		ActiveStepExecutions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_step_executions",
				Help: "Number of currently active step executions",
			},
			[]string{"tenant_id", "node_type"},
		),

		// Workflow execution metrics
		WorkflowExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_total",
				Help: "Total number of workflow executions",
			},
			[]string{"tenant_id", "status"},
		),

		ActiveWorkflowExecutions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_workflow_executions",
				Help: "Number of currently active workflow executions",
			},
			[]string{"tenant_id"},
		),

		// LLM routing metrics
		LLMRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM provider requests routed",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM provider requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),

		LLMFallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_fallbacks_total",
				Help: "Total number of times routing fell back off the primary provider/model",
			},
			[]string{"from_provider", "to_provider", "reason"},
		),

		LLMCostUSDTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_cost_usd_total",
				Help: "Total estimated USD cost of LLM calls",
			},
			[]string{"provider", "model"},
		),

		// Agent controller metrics
		AgentAssignmentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_assignments_total",
				Help: "Total number of workflow step assignments to agent instances",
			},
			[]string{"tenant_id", "strategy", "status"},
		),

		AgentBreakerTripsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_breaker_trips_total",
				Help: "Total number of times an agent definition's circuit breaker tripped open",
			},
			[]string{"definition_id"},
		),

		ActiveAgentReservations: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_agent_reservations",
				Help: "Number of agent instances currently reserved for an in-flight step",
			},
			[]string{"tenant_id"},
		),

		// Approval metrics
		FileApprovalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "file_approvals_total",
				Help: "Total number of file-level approval decisions recorded",
			},
			[]string{"tenant_id", "status"},
		),

		// Secrets metrics
		SecretRotationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secret_rotations_total",
				Help: "Total number of secret rotations performed",
			},
			[]string{"tenant_id", "backend"},
		),

		// Queue metrics
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Number of messages in queue",
			},
			[]string{"queue_name"},
		),

		MessageProcessingRate: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "message_processing_total",
				Help: "Total number of messages processed",
			},
			[]string{"queue_name", "status"},
		),

		// Error metrics
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"component", "error_type"},
		),

		// Resource metrics
		DatabaseConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "database_connections",
				Help: "Number of database connections",
			},
			[]string{"state"}, // "active", "idle", "open"
		),
	}
}

// RecordGRPCRequest records a gRPC request metric
func (m *Metrics) RecordGRPCRequest(method, statusCode string) {
	m.GRPCRequestsTotal.WithLabelValues(method, statusCode).Inc()
}

// ObserveGRPCDuration observes gRPC request duration
func (m *Metrics) ObserveGRPCDuration(method string, duration float64) {
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration)
}

// RecordStepExecution records a step execution metric
func (m *Metrics) RecordStepExecution(tenantID, nodeType, status string) {
	m.StepExecutionsTotal.WithLabelValues(tenantID, nodeType, status).Inc()
}

// ObserveStepDuration observes step execution duration
func (m *Metrics) ObserveStepDuration(tenantID, nodeType string, duration float64) {
	m.StepExecutionDuration.WithLabelValues(tenantID, nodeType).Observe(duration)
}

// SetActiveSteps sets the number of active step executions
func (m *Metrics) SetActiveSteps(tenantID, nodeType string, count float64) {
	m.ActiveStepExecutions.WithLabelValues(tenantID, nodeType).Set(count)
}

// RecordWorkflowExecution records a workflow execution metric
func (m *Metrics) RecordWorkflowExecution(tenantID, status string) {
	m.WorkflowExecutionsTotal.WithLabelValues(tenantID, status).Inc()
}

// SetActiveWorkflows sets the number of active workflow executions
func (m *Metrics) SetActiveWorkflows(tenantID string, count float64) {
	m.ActiveWorkflowExecutions.WithLabelValues(tenantID).Set(count)
}

// RecordLLMRequest records an LLM provider call and its latency
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	m.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordLLMFallback records a fallback hop away from the primary provider/model
func (m *Metrics) RecordLLMFallback(fromProvider, toProvider, reason string) {
	m.LLMFallbacksTotal.WithLabelValues(fromProvider, toProvider, reason).Inc()
}

// RecordLLMCost accumulates estimated USD spend for a provider/model
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSDTotal.WithLabelValues(provider, model).Add(costUSD)
}

// RecordAgentAssignment records the outcome of an agent assignment attempt
func (m *Metrics) RecordAgentAssignment(tenantID, strategy, status string) {
	m.AgentAssignmentsTotal.WithLabelValues(tenantID, strategy, status).Inc()
}

// RecordAgentBreakerTrip records a circuit breaker opening for an agent definition
func (m *Metrics) RecordAgentBreakerTrip(definitionID string) {
	m.AgentBreakerTripsTotal.WithLabelValues(definitionID).Inc()
}

// SetActiveAgentReservations sets the number of currently reserved agent instances
func (m *Metrics) SetActiveAgentReservations(tenantID string, count float64) {
	m.ActiveAgentReservations.WithLabelValues(tenantID).Set(count)
}

// RecordFileApproval records a file-level approval decision
func (m *Metrics) RecordFileApproval(tenantID, status string) {
	m.FileApprovalsTotal.WithLabelValues(tenantID, status).Inc()
}

// RecordSecretRotation records a secret rotation performed through a backend
func (m *Metrics) RecordSecretRotation(tenantID, backend string) {
	m.SecretRotationsTotal.WithLabelValues(tenantID, backend).Inc()
}

// SetQueueDepth sets the queue depth metric
func (m *Metrics) SetQueueDepth(queueName string, depth float64) {
	m.QueueDepth.WithLabelValues(queueName).Set(depth)
}

// RecordMessageProcessed records a processed message metric
func (m *Metrics) RecordMessageProcessed(queueName, status string) {
	m.MessageProcessingRate.WithLabelValues(queueName, status).Inc()
}

// RecordError records an error metric
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetDatabaseConnections sets database connection metrics
func (m *Metrics) SetDatabaseConnections(state string, count float64) {
	m.DatabaseConnections.WithLabelValues(state).Set(count)
}
