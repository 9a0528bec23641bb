package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/go-playground/validator/v10"
	vaultapi "github.com/hashicorp/vault/api"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/n8n-work/agent-core/internal/agentctl"
	"github.com/n8n-work/agent-core/internal/approval"
	"github.com/n8n-work/agent-core/internal/config"
	"github.com/n8n-work/agent-core/internal/dependency"
	"github.com/n8n-work/agent-core/internal/events"
	"github.com/n8n-work/agent-core/internal/integration"
	"github.com/n8n-work/agent-core/internal/llm"
	"github.com/n8n-work/agent-core/internal/llm/providers"
	"github.com/n8n-work/agent-core/internal/models"
	"github.com/n8n-work/agent-core/internal/observability"
	"github.com/n8n-work/agent-core/internal/repo"
	"github.com/n8n-work/agent-core/internal/resilience"
	"github.com/n8n-work/agent-core/internal/secrets"
	"github.com/n8n-work/agent-core/internal/storage"
	"github.com/n8n-work/agent-core/internal/workflow"
)

const (
	serviceName    = "agent-core"
	serviceVersion = "0.1.0"
)

var validate = validator.New()

func main() {
	root := &cobra.Command{
		Use:   "engine",
		Short: "Agent orchestration core: LLM routing, workflow execution, multi-agent control, approvals, and secrets",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newRotateSecretsCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

// app bundles the wired collaborators the serve/rotate-secrets commands
// both need, so command bodies stay thin.
type app struct {
	logger     *zap.Logger
	config     *config.Config
	repository *repo.Repository
	router     *llm.Router
	llmService *llm.Service
	broadcaster *events.Broadcaster
	controller *agentctl.Controller
	engine     *workflow.Engine
	approvals  *approval.Engine
	secretsMgr *secrets.Manager
	facade     *integration.Facade
	limiter    *rate.Limiter // optional; nil when rate_limit.enabled is false
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC health/HTTP metrics server and start processing workflow executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := buildApp()
			if err != nil {
				return err
			}
			defer cleanup()
			return a.serve()
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Check that the database is reachable and exit (schema migrations run out-of-band)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, _ := zap.NewProduction()
			defer logger.Sync()

			r, err := repo.New(cfg.Database.URL, logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer r.Close()

			if err := r.Ping(); err != nil {
				return fmt.Errorf("database not reachable: %w", err)
			}
			logger.Info("database reachable; schema migrations are applied out-of-band by the deployment pipeline")
			return nil
		},
	}
}

func newRotateSecretsCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "rotate-secrets",
		Short: "Rotate every secret past its rotation_due_at for a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := buildApp()
			if err != nil {
				return err
			}
			defer cleanup()
			return a.rotateSecrets(cmd.Context(), workspaceID)
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "workspace id to rotate secrets for (required)")
	cmd.MarkFlagRequired("workspace")
	return cmd
}

// buildApp wires every domain package against the repository, cache, and
// message broker, returning a cleanup function that closes them in
// reverse order.
func buildApp() (*app, func(), error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Sync()
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	shutdownTracing, err := observability.InitTracing(serviceName, serviceVersion, cfg.Observability.OTLPEndpoint)
	if err != nil {
		logger.Sync()
		return nil, nil, fmt.Errorf("init tracing: %w", err)
	}

	metrics := observability.NewMetrics()

	repository, err := repo.New(cfg.Database.URL, logger)
	if err != nil {
		shutdownTracing()
		logger.Sync()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() { repository.Close() }, shutdownTracing, func() { logger.Sync() })
	cleanup := func() {
		for i := len(cleanupFns) - 1; i >= 0; i-- {
			cleanupFns[i]()
		}
	}

	// LLM routing: registry + router + hosted/local providers, usage
	// snapshots persisted to Redis, router/provider metrics wired in.
	registry := llm.NewRegistry()
	router := llm.NewRouter(registry, nil, logger)
	router.SetMetrics(metrics)

	if cfg.Redis.URL != "" {
		cacheStorage, err := storage.NewRedisStorage(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("redis usage cache unavailable, router will run stats-in-memory-only", zap.Error(err))
		} else {
			router.SetCache(cacheStorage)
			cleanupFns = append(cleanupFns, func() { cacheStorage.Close() })
			if err := router.LoadSnapshot(context.Background()); err != nil {
				logger.Warn("failed to restore router usage snapshot", zap.Error(err))
			}
		}
	}

	providerSet := providers.BuildProviders(providers.Credentials{
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		MistralAPIKey:    os.Getenv("MISTRAL_API_KEY"),
		TogetherAPIKey:   os.Getenv("TOGETHER_API_KEY"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		OllamaBaseURL:    os.Getenv("OLLAMA_BASE_URL"),
		PreferLocal:      cfg.Routing.PreferLocal,
	}, registry)

	llmService := llm.NewService(providerSet, router, repository, cfg.Routing.FallbackEnabled, cfg.Routing.PreferLocal, logger)

	// Event fan-out: AMQP broadcaster backs every ActivityPublisher/EventPublisher seam.
	broadcaster, err := events.NewBroadcaster(cfg.MessageQueue.URL, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect event broadcaster: %w", err)
	}
	cleanupFns = append(cleanupFns, func() { broadcaster.Close() })

	// Multi-agent controller: capability/strategy assignment with an
	// optional per-definition circuit breaker around agent invocation.
	controller := agentctl.NewController(repository, repository, broadcaster, nil, logger)
	controller.SetMetrics(metrics)
	if cfg.Agents.BreakerEnabled {
		controller.SetBreakers(resilience.NewCircuitBreakerManager(logger))
	}

	// Workflow engine: dependency resolution + agent dispatch + persistence.
	resolver := dependency.NewResolver()
	engine := workflow.NewEngine(repository, controller, resolver, broadcaster, logger)

	// File-level approval engine.
	approvals := approval.NewEngine(repository, broadcaster, logger)

	// Secret & encryption service: symmetric always available, KMS/Vault
	// registered when their credentials are configured.
	encryptionSvc := secrets.NewEncryptionService(logger)
	symmetricBackend, err := secrets.NewSymmetricBackend(nil)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("init symmetric encryption backend: %w", err)
	}
	if err := encryptionSvc.Register(context.Background(), secrets.BackendSymmetric, symmetricBackend); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("register symmetric backend: %w", err)
	}
	desiredBackend := secrets.BackendType(cfg.Secrets.DefaultBackend)

	if cfg.Secrets.KMSKeyID != "" {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		kmsBackend := secrets.NewAWSKMSBackend(kms.NewFromConfig(aws.Config{Region: region}), cfg.Secrets.KMSKeyID)
		if err := encryptionSvc.Register(context.Background(), secrets.BackendAWSKMS, kmsBackend); err != nil {
			logger.Warn("AWS KMS backend failed health check", zap.Error(err))
		}
	}
	if cfg.Secrets.VaultAddress != "" {
		vaultCfg := vaultapi.DefaultConfig()
		vaultCfg.Address = cfg.Secrets.VaultAddress
		if vaultClient, err := vaultapi.NewClient(vaultCfg); err != nil {
			logger.Warn("Vault backend unavailable", zap.Error(err))
		} else {
			vaultBackend := secrets.NewVaultBackend(vaultClient, "transit")
			if err := encryptionSvc.Register(context.Background(), secrets.BackendVault, vaultBackend); err != nil {
				logger.Warn("Vault backend failed health check", zap.Error(err))
			}
		}
	}
	if err := encryptionSvc.SetCurrent(desiredBackend); err != nil {
		logger.Warn("configured secrets.default_backend unavailable, staying on symmetric", zap.String("requested", string(desiredBackend)), zap.Error(err))
	}
	secretsMgr := secrets.NewManager(repository, encryptionSvc, logger)

	// Integration façade: submits workflow executions to the engine and
	// tracks them to completion via a Redis-backed task runner.
	redisClient := goredis.NewClient(&goredis.Options{Addr: redisAddr(cfg.Redis.URL)})
	cleanupFns = append(cleanupFns, func() { redisClient.Close() })
	taskRunner := integration.NewTaskRunner(redisClient, repository, logger)
	facade := integration.NewFacade(engine, controller, taskRunner, logger)

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.BurstSize)
	}

	return &app{
		logger:      logger,
		config:      cfg,
		repository:  repository,
		router:      router,
		llmService:  llmService,
		broadcaster: broadcaster,
		controller:  controller,
		engine:      engine,
		approvals:   approvals,
		secretsMgr:  secretsMgr,
		facade:      facade,
		limiter:     limiter,
	}, cleanup, nil
}

// redisAddr extracts host:port from a redis:// URL for the go-redis/v9
// client, which (unlike go-redis/v8 used by internal/storage) wants bare
// options rather than a URL string in this codebase's usage.
func redisAddr(url string) string {
	const prefix = "redis://"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return url
}

func (a *app) serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.startGRPCServer(ctx); err != nil {
			a.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.startHTTPServer(ctx); err != nil {
			a.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.logger.Info("shutdown signal received, gracefully stopping...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("server shutdown complete")
	case <-time.After(30 * time.Second):
		a.logger.Warn("shutdown timeout exceeded, forcing exit")
	}
	return nil
}

// healthServer implements grpc_health_v1.HealthServer, reporting SERVING as
// long as the repository can be pinged.
type healthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	repo *repo.Repository
}

func (h *healthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if err := h.repo.Ping(); err != nil {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

func (h *healthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return fmt.Errorf("watch is not supported")
}

func newListener(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return lis, nil
}

type submitExecutionRequest struct {
	WorkflowID        string                 `json:"workflow_id" validate:"required"`
	WorkspaceID       string                 `json:"workspace_id" validate:"required"`
	ProjectID         string                 `json:"project_id" validate:"required"`
	InputVariables    map[string]interface{} `json:"input_variables"`
	ParentExecutionID string                 `json:"parent_execution_id"`
	Metadata          map[string]interface{} `json:"metadata"`
	TimeoutSeconds    int                    `json:"timeout_seconds" validate:"omitempty,gt=0"`
}

func (a *app) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.limiter != nil && !a.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	var req submitExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	task, err := a.facade.ExecuteWorkflow(r.Context(), workflow.ExecuteRequest{
		WorkflowID:        req.WorkflowID,
		WorkspaceID:       req.WorkspaceID,
		ProjectID:         req.ProjectID,
		InputVariables:    req.InputVariables,
		ParentExecutionID: req.ParentExecutionID,
		Metadata:          req.Metadata,
	}, timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(task)
}

func (a *app) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/v1/executions/")
	if taskID == "" {
		http.Error(w, "missing task id", http.StatusBadRequest)
		return
	}
	task, ok := a.facade.Status(r.Context(), taskID)
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(task)
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.facade.Stats())
}

type fileChangeInput struct {
	FilePath        string                 `json:"file_path" validate:"required"`
	FileName        string                 `json:"file_name" validate:"required"`
	FileType        string                 `json:"file_type"`
	ChangeType      models.FileChangeType  `json:"change_type" validate:"required"`
	IsNewFile       bool                   `json:"is_new_file"`
	IsBinary        bool                   `json:"is_binary"`
	OriginalContent *string                `json:"original_content"`
	NewContent      *string                `json:"new_content"`
	DiffSummary     map[string]interface{} `json:"diff_summary"`
	LineChanges     []models.LineChange    `json:"line_changes"`
}

type createFileChangesRequest struct {
	WorkflowStepApprovalID string             `json:"workflow_step_approval_id" validate:"required"`
	Changes                []fileChangeInput  `json:"changes" validate:"required,min=1,dive"`
}

// handleCreateFileChanges materialises the file changes and pending file
// approvals for one workflow-step approval gate.
func (a *app) handleCreateFileChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createFileChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	inputs := make([]approval.FileChangeInput, 0, len(req.Changes))
	for _, c := range req.Changes {
		inputs = append(inputs, approval.FileChangeInput{
			FilePath:        c.FilePath,
			FileName:        c.FileName,
			FileType:        c.FileType,
			ChangeType:      c.ChangeType,
			IsNewFile:       c.IsNewFile,
			IsBinary:        c.IsBinary,
			OriginalContent: c.OriginalContent,
			NewContent:      c.NewContent,
			DiffSummary:     c.DiffSummary,
			LineChanges:     c.LineChanges,
		})
	}

	changes, err := a.approvals.CreateFileChanges(r.Context(), req.WorkflowStepApprovalID, inputs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(changes)
}

type approvalDecisionRequest struct {
	Actor           string                 `json:"actor" validate:"required"`
	Comment         string                 `json:"comment"`
	ReviewMetadata  map[string]interface{} `json:"review_metadata"`
}

// handleApprovalDecision dispatches a file approval's reviewer decision.
// The URL shape is /v1/approvals/{fileApprovalID}/{approve|reject|request-changes}.
func (a *app) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/approvals/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "expected /v1/approvals/{id}/{decision}", http.StatusBadRequest)
		return
	}
	fileApprovalID, decision := parts[0], parts[1]

	var req approvalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	var (
		result *models.FileApproval
		err    error
	)
	switch decision {
	case "approve":
		result, err = a.approvals.ApproveFile(r.Context(), fileApprovalID, req.Actor, req.Comment, req.ReviewMetadata)
	case "reject":
		result, err = a.approvals.RejectFile(r.Context(), fileApprovalID, req.Actor, req.Comment, req.ReviewMetadata)
	case "request-changes":
		result, err = a.approvals.RequestFileChanges(r.Context(), fileApprovalID, req.Actor, req.Comment, req.ReviewMetadata)
	default:
		http.Error(w, fmt.Sprintf("unknown decision %q", decision), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleListApprovals lists every file approval under one workflow-step
// approval gate.
func (a *app) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workflowStepApprovalID := r.URL.Query().Get("workflow_step_approval_id")
	if workflowStepApprovalID == "" {
		http.Error(w, "missing workflow_step_approval_id", http.StatusBadRequest)
		return
	}
	fileApprovals, err := a.approvals.ListFileApprovals(r.Context(), workflowStepApprovalID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fileApprovals)
}

func (a *app) startGRPCServer(ctx context.Context) error {
	addr := a.config.GRPC.Address
	a.logger.Info("starting gRPC server", zap.String("address", addr))

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.StreamInterceptor(otelgrpc.StreamServerInterceptor()),
	)
	grpc_health_v1.RegisterHealthServer(grpcServer, &healthServer{repo: a.repository})
	reflection.Register(grpcServer)

	lis, err := newListener(addr)
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gRPC server...")
		grpcServer.GracefulStop()
		return nil
	case err := <-errChan:
		return fmt.Errorf("gRPC server error: %w", err)
	}
}

func (a *app) startHTTPServer(ctx context.Context) error {
	addr := a.config.HTTP.Address
	a.logger.Info("starting HTTP server", zap.String("address", addr))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/executions", a.handleSubmitExecution)
	mux.HandleFunc("/v1/executions/", a.handleExecutionStatus)
	mux.HandleFunc("/v1/stats", a.handleStats)
	mux.HandleFunc("/v1/approvals/files", a.handleCreateFileChanges)
	mux.HandleFunc("/v1/approvals", a.handleListApprovals)
	mux.HandleFunc("/v1/approvals/", a.handleApprovalDecision)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := a.repository.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"degraded","reason":"database unreachable"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","service":"%s","version":"%s","timestamp":"%s"}`,
			serviceName, serviceVersion, time.Now().UTC().Format(time.RFC3339))
	})

	httpServer := &http.Server{Addr: addr, Handler: otelhttp.NewHandler(mux, "agent-core-http")}

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("HTTP server error: %w", err)
	}
}

// rotateSecrets rotates every secret due within 0 days (i.e. already past
// its rotation_due_at) for a workspace, replacing each with a fresh random
// value, logging failures without aborting the batch.
func (a *app) rotateSecrets(ctx context.Context, workspaceID string) error {
	secretsDue, err := a.secretsMgr.GetRotationDueSecrets(ctx, workspaceID, 0)
	if err != nil {
		return fmt.Errorf("list secrets due for rotation: %w", err)
	}
	a.logger.Info("rotating secrets", zap.Int("count", len(secretsDue)), zap.String("workspace_id", workspaceID))

	actor := secrets.Actor{UserID: "rotate-secrets-cli"}
	var failures int
	for _, s := range secretsDue {
		newValue, err := randomSecretValue()
		if err != nil {
			a.logger.Error("failed to generate rotation value", zap.String("secret_id", s.ID), zap.Error(err))
			failures++
			continue
		}
		if _, err := a.secretsMgr.RotateSecret(ctx, workspaceID, s.ID, newValue, actor); err != nil {
			a.logger.Error("failed to rotate secret", zap.String("secret_id", s.ID), zap.Error(err))
			failures++
			continue
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d secret rotations failed", failures, len(secretsDue))
	}
	return nil
}

func randomSecretValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
