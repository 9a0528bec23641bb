package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CostTracker records a completed LLM call for downstream budget/billing
// accounting. Implementations live outside this package (e.g. backed by
// internal/repo); a nil CostTracker simply skips logging.
type CostTracker interface {
	LogLLMCall(ctx context.Context, workspaceID, executionID, provider, model string, tokensPrompt, tokensCompletion int, latencyMS int64, metadata map[string]interface{}) error
}

// GenerateOptions carries the per-call overrides accepted by Service.Generate.
type GenerateOptions struct {
	WorkspaceID        string
	ExecutionID        string
	Provider           string // overrides routing when set together with Model
	Model              string
	Temperature        float64
	MaxTokens          int
	TaskType           string
	TaskComplexity     string
	BudgetRemainingUSD float64
	RequiredCapability string
	EnableFallback     *bool // nil uses the service default
	Metadata           map[string]interface{}
}

// Service is the facade tying providers, the router, and cost tracking
// together. It is the only entry point workflow/agent code should call to
// obtain a generation.
type Service struct {
	providers      map[string]Provider
	router         *Router
	costTracker    CostTracker
	enableFallback bool
	preferLocal    bool
	logger         *zap.Logger
}

// NewService constructs a Service. providers must be keyed by provider name
// ("openai", "anthropic", ...); at least one entry is expected, though this
// is not enforced here — an empty map simply fails every Generate call.
func NewService(providers map[string]Provider, router *Router, costTracker CostTracker, enableFallback, preferLocal bool, logger *zap.Logger) *Service {
	return &Service{
		providers:      providers,
		router:         router,
		costTracker:    costTracker,
		enableFallback: enableFallback,
		preferLocal:    preferLocal,
		logger:         logger,
	}
}

// IsAvailable implements AvailabilityChecker against the registered
// provider set, so the Router can be constructed with this Service.
func (s *Service) IsAvailable(provider string) bool {
	p, ok := s.providers[provider]
	if !ok {
		return false
	}
	return p.HealthCheck()
}

// Generate produces a completion, selecting a provider/model via the router
// when not explicitly given, and walking the fallback chain on provider
// failure unless fallback is disabled.
func (s *Service) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*LLMResponse, error) {
	enableFallback := s.enableFallback
	if opts.EnableFallback != nil {
		enableFallback = *opts.EnableFallback
	}

	if prompt == "" {
		return nil, ErrNoPrompt
	}

	var pm ProviderModel
	if opts.Provider != "" && opts.Model != "" {
		pm = ProviderModel{Provider: opts.Provider, Model: opts.Model}
	} else {
		var err error
		pm, err = s.router.SelectProvider(SelectionCriteria{
			Task:               opts.TaskType,
			BudgetRemainingUSD: opts.BudgetRemainingUSD,
			PreferLocal:        s.preferLocal,
			RequiredCapability: opts.RequiredCapability,
			TaskComplexity:     opts.TaskComplexity,
			TaskType:           opts.TaskType,
		})
		if err != nil {
			return nil, err
		}
	}

	resp, err := s.generateWithProvider(ctx, pm.Provider, pm.Model, prompt, opts)
	if err == nil {
		return resp, nil
	}
	if !IsProviderError(err) {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Warn("primary provider failed", zap.String("provider", pm.Provider), zap.String("model", pm.Model), zap.Error(err))
	}
	if !enableFallback {
		return nil, err
	}

	chain := s.router.GetFallbackChain(pm, "", opts.RequiredCapability)
	attempts := []AttemptedPair{{Provider: pm.Provider, Model: pm.Model, Err: err}}

	for _, fallback := range chain[1:] {
		if s.logger != nil {
			s.logger.Info("trying fallback provider", zap.String("provider", fallback.Provider), zap.String("model", fallback.Model))
		}
		resp, ferr := s.generateWithProvider(ctx, fallback.Provider, fallback.Model, prompt, opts)
		if ferr == nil {
			return resp, nil
		}
		attempts = append(attempts, AttemptedPair{Provider: fallback.Provider, Model: fallback.Model, Err: ferr})
		if !IsProviderError(ferr) {
			return nil, ferr
		}
		if s.logger != nil {
			s.logger.Warn("fallback provider failed", zap.String("provider", fallback.Provider), zap.String("model", fallback.Model), zap.Error(ferr))
		}
	}

	return nil, &AllProvidersFailedError{Attempts: attempts}
}

func (s *Service) generateWithProvider(ctx context.Context, provider, model, prompt string, opts GenerateOptions) (*LLMResponse, error) {
	instance, ok := s.providers[provider]
	if !ok {
		return nil, &ProviderError{Provider: provider, Model: model, Message: "provider not available"}
	}

	start := time.Now()
	resp, err := instance.Generate(model, GenerateRequest{
		Prompt:      prompt,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Metadata:    opts.Metadata,
	})
	if err != nil {
		s.router.TrackUsage(provider, model, false, time.Since(start).Milliseconds(), 0)
		return nil, err
	}

	s.router.TrackUsage(provider, model, true, resp.LatencyMS, resp.CostUSD)

	if s.costTracker != nil && opts.WorkspaceID != "" && opts.ExecutionID != "" {
		meta := map[string]interface{}{"temperature": opts.Temperature, "max_tokens": opts.MaxTokens}
		for k, v := range resp.Metadata {
			meta[k] = v
		}
		if err := s.costTracker.LogLLMCall(ctx, opts.WorkspaceID, opts.ExecutionID, provider, model, resp.TokensPrompt, resp.TokensCompletion, resp.LatencyMS, meta); err != nil && s.logger != nil {
			s.logger.Warn("cost tracker log failed", zap.Error(err))
		}
	}

	if s.logger != nil {
		s.logger.Info("llm generation successful",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.Int("tokens_total", resp.TokensTotal),
			zap.Float64("cost_usd", resp.CostUSD),
			zap.Int64("latency_ms", resp.LatencyMS),
		)
	}

	return resp, nil
}

// StreamGenerate streams a completion from a specific or routed
// provider/model.
func (s *Service) StreamGenerate(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	provider, model := opts.Provider, opts.Model
	if provider == "" || model == "" {
		pm, err := s.router.SelectProvider(SelectionCriteria{
			Task:               opts.TaskType,
			PreferLocal:        s.preferLocal,
			RequiredCapability: opts.RequiredCapability,
		})
		if err != nil {
			return nil, err
		}
		provider, model = pm.Provider, pm.Model
	}

	instance, ok := s.providers[provider]
	if !ok {
		return nil, &ProviderError{Provider: provider, Model: model, Message: "provider not available"}
	}

	return instance.StreamGenerate(model, GenerateRequest{
		Prompt:      prompt,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Metadata:    opts.Metadata,
	})
}

// AvailableProviders returns the registered provider names.
func (s *Service) AvailableProviders() []string {
	out := make([]string, 0, len(s.providers))
	for name := range s.providers {
		out = append(out, name)
	}
	return out
}

// ProviderByName returns a registered provider instance, if any.
func (s *Service) ProviderByName(name string) (Provider, bool) {
	p, ok := s.providers[name]
	return p, ok
}

// UsageStats returns usage statistics tracked by the router.
func (s *Service) UsageStats(provider string) map[string]usageStats {
	return s.router.UsageStats(provider)
}

// HealthCheck reports health for every registered provider.
func (s *Service) HealthCheck() map[string]bool {
	health := make(map[string]bool, len(s.providers))
	for name, p := range s.providers {
		health[name] = p.HealthCheck()
	}
	return health
}

// ErrNoPrompt is returned when Generate is called with an empty prompt.
var ErrNoPrompt = fmt.Errorf("llm: prompt must not be empty")
