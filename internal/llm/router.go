package llm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UsageCache persists periodic usage-stat snapshots so a restarted router
// keeps its fallback/cost bookkeeping warm instead of starting at zero.
type UsageCache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// MetricsRecorder is the narrow slice of observability.Metrics the router
// needs, kept local so this package doesn't import observability directly.
type MetricsRecorder interface {
	RecordLLMRequest(provider, model, status string, durationSeconds float64)
	RecordLLMCost(provider, model string, costUSD float64)
}

const usageSnapshotKey = "llm:router:usage_snapshot"
const usageSnapshotTTL = 24 * time.Hour

// RoutingStrategy selects how the router picks a (provider, model) pair.
type RoutingStrategy string

const (
	StrategyCostOptimized    RoutingStrategy = "cost_optimized"
	StrategyLatencyOptimized RoutingStrategy = "latency_optimized"
	StrategyQualityOptimized RoutingStrategy = "quality_optimized"
	StrategyLocalFirst       RoutingStrategy = "local_first"
	StrategyCapabilityMatch  RoutingStrategy = "capability_match"
	StrategyBalanced         RoutingStrategy = "balanced"
)

// ProviderModel is one (provider, model) pair.
type ProviderModel struct {
	Provider string
	Model    string
}

// FallbackChains holds the canonical, hand-curated fallback orderings. Order
// within each chain matters: it is the walk order on primary failure.
var FallbackChains = struct {
	HighQuality    []ProviderModel
	CostOptimized  []ProviderModel
	FastLatency    []ProviderModel
	LocalOnly      []ProviderModel
	CodeGeneration []ProviderModel
	LongContext    []ProviderModel
	Balanced       []ProviderModel
}{
	HighQuality: []ProviderModel{
		{"openai", "gpt-4"},
		{"anthropic", "claude-3-opus"},
		{"mistral", "mistral-large"},
		{"together", "meta-llama/llama-2-70b-chat-hf"},
	},
	CostOptimized: []ProviderModel{
		{"openai", "gpt-3.5-turbo"},
		{"anthropic", "claude-3-haiku"},
		{"mistral", "mistral-tiny"},
		{"together", "mistralai/mistral-7b-instruct-v0.2"},
		{"ollama", "mistral"},
	},
	FastLatency: []ProviderModel{
		{"openai", "gpt-3.5-turbo"},
		{"anthropic", "claude-3-haiku"},
		{"mistral", "mistral-small"},
		{"ollama", "mistral"},
	},
	LocalOnly: []ProviderModel{
		{"ollama", "mistral"},
		{"ollama", "llama2"},
		{"ollama", "codellama"},
	},
	CodeGeneration: []ProviderModel{
		{"openai", "gpt-4"},
		{"anthropic", "claude-3-sonnet"},
		{"together", "codellama/codellama-34b-instruct-hf"},
		{"ollama", "codellama"},
	},
	LongContext: []ProviderModel{
		{"anthropic", "claude-3-sonnet"},
		{"anthropic", "claude-3-haiku"},
		{"openai", "gpt-4-turbo"},
		{"mistral", "mistral-medium"},
	},
	Balanced: []ProviderModel{
		{"openai", "gpt-3.5-turbo"},
		{"anthropic", "claude-3-sonnet"},
		{"mistral", "mistral-medium"},
		{"together", "mistralai/mistral-7b-instruct-v0.2"},
		{"ollama", "mistral"},
	},
}

// usageStats tracks per-(provider,model) call counters.
type usageStats struct {
	TotalCalls      int
	SuccessfulCalls int
	FailedCalls     int
	TotalLatencyMS  int64
	TotalCostUSD    float64
}

// SelectionCriteria describes how a caller wants a provider chosen.
type SelectionCriteria struct {
	Task               string
	BudgetRemainingUSD float64
	LatencySensitive   bool
	PreferLocal        bool
	RequiredCapability string
	Strategy           RoutingStrategy
	TaskComplexity     string // XS, S, M, L, XL
	TaskType           string
}

// AvailabilityChecker reports whether a registered provider name is
// currently able to serve requests (implemented by the provider itself).
type AvailabilityChecker interface {
	IsAvailable(provider string) bool
}

// Router selects providers/models per strategy and tracks fallback chains
// and usage statistics. It holds no provider clients itself — availability
// is delegated to an AvailabilityChecker so the router stays a pure
// selection policy.
type Router struct {
	registry             *Registry
	availability         AvailabilityChecker
	defaultStrategy      RoutingStrategy
	defaultFallbackChain []ProviderModel
	logger               *zap.Logger

	mu      sync.Mutex
	stats   map[string]*usageStats
	cache   UsageCache
	metrics MetricsRecorder
}

// SetCache wires a UsageCache for persisting usage snapshots. Optional; the
// router works stats-in-memory-only when none is set.
func (r *Router) SetCache(cache UsageCache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = cache
}

// SetMetrics wires a MetricsRecorder. Optional; the router skips metrics
// recording entirely when none is set.
func (r *Router) SetMetrics(metrics MetricsRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = metrics
}

// LoadSnapshot restores a previously persisted usage snapshot from the
// cache, if one exists. Safe to call once at startup before traffic flows.
func (r *Router) LoadSnapshot(ctx context.Context) error {
	r.mu.Lock()
	cache := r.cache
	r.mu.Unlock()
	if cache == nil {
		return nil
	}
	raw, err := cache.Get(ctx, usageSnapshotKey)
	if err != nil {
		return nil
	}
	var snapshot map[string]*usageStats
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range snapshot {
		r.stats[key] = s
	}
	return nil
}

// persistSnapshot writes the current usage stats to the cache. Best-effort:
// a cache failure never fails the call that triggered it.
func (r *Router) persistSnapshot(ctx context.Context) {
	r.mu.Lock()
	cache := r.cache
	snapshot := make(map[string]*usageStats, len(r.stats))
	for key, s := range r.stats {
		copied := *s
		snapshot[key] = &copied
	}
	r.mu.Unlock()
	if cache == nil {
		return
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := cache.Set(ctx, usageSnapshotKey, string(encoded), usageSnapshotTTL); err != nil && r.logger != nil {
		r.logger.Warn("failed to persist router usage snapshot", zap.Error(err))
	}
}

// NewRouter constructs a Router. availability may be nil, in which case all
// registered providers are treated as available.
func NewRouter(registry *Registry, availability AvailabilityChecker, logger *zap.Logger) *Router {
	return &Router{
		registry:             registry,
		availability:         availability,
		defaultStrategy:      StrategyBalanced,
		defaultFallbackChain: FallbackChains.Balanced,
		logger:               logger,
		stats:                make(map[string]*usageStats),
	}
}

func (r *Router) isAvailable(provider string) bool {
	if r.availability == nil {
		return true
	}
	return r.availability.IsAvailable(provider)
}

// SelectProvider picks the best (provider, model) pair for the given
// criteria. It mirrors the Python router's strategy dispatch exactly:
// prefer_local takes priority over any explicit strategy value, and
// latency_sensitive over every strategy except local_first and
// cost_optimized.
func (r *Router) SelectProvider(c SelectionCriteria) (ProviderModel, error) {
	strategy := c.Strategy
	if strategy == "" {
		strategy = r.defaultStrategy
	}
	if c.Strategy == "" && c.TaskComplexity != "" {
		strategy = selectStrategyByComplexity(c.TaskComplexity)
	}

	if r.logger != nil {
		r.logger.Info("selecting llm provider",
			zap.String("task", c.Task),
			zap.String("strategy", string(strategy)),
			zap.Float64("budget_remaining", c.BudgetRemainingUSD),
			zap.Bool("latency_sensitive", c.LatencySensitive),
			zap.Bool("prefer_local", c.PreferLocal),
			zap.String("capability", c.RequiredCapability),
			zap.String("complexity", c.TaskComplexity),
		)
	}

	switch {
	case strategy == StrategyLocalFirst || c.PreferLocal:
		return r.selectLocalFirst(c.RequiredCapability), nil
	case strategy == StrategyCostOptimized:
		return r.selectCostOptimized(c.BudgetRemainingUSD, c.RequiredCapability, !c.PreferLocal), nil
	case strategy == StrategyLatencyOptimized || c.LatencySensitive:
		return r.selectLatencyOptimized(c.RequiredCapability, c.BudgetRemainingUSD), nil
	case strategy == StrategyQualityOptimized:
		return r.selectQualityOptimized(c.RequiredCapability), nil
	case strategy == StrategyCapabilityMatch:
		return r.selectCapabilityMatch(c.RequiredCapability), nil
	default:
		return r.selectBalanced(c.RequiredCapability), nil
	}
}

// selectStrategyByComplexity maps task complexity (XS..XL) onto a default
// strategy: trivial tasks optimise for cost, large ones for quality.
func selectStrategyByComplexity(complexity string) RoutingStrategy {
	switch complexity {
	case "XS", "S":
		return StrategyCostOptimized
	case "M":
		return StrategyBalanced
	case "L", "XL":
		return StrategyQualityOptimized
	default:
		return StrategyBalanced
	}
}

func (r *Router) selectLocalFirst(capability string) ProviderModel {
	if r.isAvailable("ollama") {
		cap := capability
		if cap == "" {
			cap = "code"
		}
		for _, cfg := range r.registry.FindByCapability(cap, 0, 0) {
			if cfg.Provider == "ollama" {
				return ProviderModel{"ollama", cfg.Model}
			}
		}
	}
	return r.selectCostOptimized(0, capability, false)
}

func (r *Router) selectCostOptimized(budgetRemaining float64, capability string, excludeLocal bool) ProviderModel {
	cfg, ok := r.registry.Cheapest(capability, excludeLocal)
	if ok && r.isAvailable(cfg.Provider) {
		return ProviderModel{cfg.Provider, cfg.Model}
	}
	return ProviderModel{"openai", "gpt-3.5-turbo"}
}

func (r *Router) selectLatencyOptimized(capability string, budgetRemaining float64) ProviderModel {
	maxCost := 0.0
	if budgetRemaining > 0 {
		maxCost = budgetRemaining / 1000
	}
	cfg, ok := r.registry.Fastest(capability, maxCost)
	if ok && r.isAvailable(cfg.Provider) {
		return ProviderModel{cfg.Provider, cfg.Model}
	}
	return ProviderModel{"openai", "gpt-3.5-turbo"}
}

func (r *Router) selectQualityOptimized(capability string) ProviderModel {
	for _, pm := range FallbackChains.HighQuality {
		if !r.isAvailable(pm.Provider) {
			continue
		}
		if capability == "" {
			return pm
		}
		if cfg, ok := r.registry.GetModelConfig(pm.Provider, pm.Model); ok && cfg.hasCapability(capability) {
			return pm
		}
	}
	return ProviderModel{"openai", "gpt-4"}
}

func (r *Router) selectCapabilityMatch(capability string) ProviderModel {
	if capability == "" {
		return ProviderModel{"openai", "gpt-3.5-turbo"}
	}
	for _, cfg := range r.registry.FindByCapability(capability, 0, 0) {
		if r.isAvailable(cfg.Provider) {
			return ProviderModel{cfg.Provider, cfg.Model}
		}
	}
	return ProviderModel{"openai", "gpt-3.5-turbo"}
}

func (r *Router) selectBalanced(capability string) ProviderModel {
	for _, pm := range FallbackChains.Balanced {
		if !r.isAvailable(pm.Provider) {
			continue
		}
		if capability == "" {
			return pm
		}
		if cfg, ok := r.registry.GetModelConfig(pm.Provider, pm.Model); ok && cfg.hasCapability(capability) {
			return pm
		}
	}
	return ProviderModel{"openai", "gpt-3.5-turbo"}
}

// GetFallbackChain returns the ordered walk of (provider, model) pairs for a
// primary selection: base chain for the strategy, filtered to capability
// (if any matches survive) and to currently-available providers, with the
// primary pair forced to the front.
func (r *Router) GetFallbackChain(primary ProviderModel, strategy RoutingStrategy, capability string) []ProviderModel {
	if strategy == "" {
		strategy = r.defaultStrategy
	}

	var base []ProviderModel
	switch strategy {
	case StrategyCostOptimized:
		base = FallbackChains.CostOptimized
	case StrategyLatencyOptimized:
		base = FallbackChains.FastLatency
	case StrategyQualityOptimized:
		base = FallbackChains.HighQuality
	case StrategyLocalFirst:
		base = FallbackChains.LocalOnly
	default:
		base = FallbackChains.Balanced
	}

	if capability != "" {
		var filtered []ProviderModel
		for _, pm := range base {
			if cfg, ok := r.registry.GetModelConfig(pm.Provider, pm.Model); ok && cfg.hasCapability(capability) {
				filtered = append(filtered, pm)
			}
		}
		if len(filtered) > 0 {
			base = filtered
		}
	}

	var available []ProviderModel
	for _, pm := range base {
		if r.isAvailable(pm.Provider) {
			available = append(available, pm)
		}
	}

	out := make([]ProviderModel, 0, len(available)+1)
	out = append(out, primary)
	for _, pm := range available {
		if pm == primary {
			continue
		}
		out = append(out, pm)
	}
	return out
}

// TrackUsage records one completed call's outcome for usage reporting.
func (r *Router) TrackUsage(provider, model string, success bool, latencyMS int64, costUSD float64) {
	key := provider + "/" + model
	r.mu.Lock()
	s, ok := r.stats[key]
	if !ok {
		s = &usageStats{}
		r.stats[key] = s
	}
	s.TotalCalls++
	if success {
		s.SuccessfulCalls++
	} else {
		s.FailedCalls++
	}
	s.TotalLatencyMS += latencyMS
	s.TotalCostUSD += costUSD
	metrics := r.metrics
	r.mu.Unlock()

	if metrics != nil {
		status := "success"
		if !success {
			status = "failure"
		}
		metrics.RecordLLMRequest(provider, model, status, float64(latencyMS)/1000.0)
		metrics.RecordLLMCost(provider, model, costUSD)
	}

	r.persistSnapshot(context.Background())
}

// UsageStats returns a snapshot of tracked usage, optionally filtered to one
// provider.
func (r *Router) UsageStats(provider string) map[string]usageStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]usageStats)
	for key, s := range r.stats {
		if provider != "" && !hasPrefix(key, provider+"/") {
			continue
		}
		out[key] = *s
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
