package llm

import (
	"sort"
	"strings"
)

// ModelConfig is one (provider, model) entry in the static registry.
type ModelConfig struct {
	Provider             string
	Model                string
	MaxTokens            int
	ContextWindow        int
	CostPer1kPrompt      float64
	CostPer1kCompletion  float64
	LatencyEstimateMS    int
	Capabilities         []string
}

// TotalCostPer1k is the prompt+completion cost used for cost comparisons.
func (m ModelConfig) TotalCostPer1k() float64 {
	return m.CostPer1kPrompt + m.CostPer1kCompletion
}

// IsLocal reports whether the model has zero cost (self-hosted).
func (m ModelConfig) IsLocal() bool {
	return m.TotalCostPer1k() == 0
}

func (m ModelConfig) hasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Registry is the static, read-only catalogue of known (provider, model)
// configurations. Content is embedded configuration, not runtime state.
type Registry struct {
	models map[string]map[string]ModelConfig
}

// NewRegistry constructs the registry, pre-populated with the known
// provider/model catalogue.
func NewRegistry() *Registry {
	return &Registry{models: defaultCatalogue()}
}

// GetModelConfig returns the exact-match config for a (provider, model)
// pair, case-folded.
func (r *Registry) GetModelConfig(provider, model string) (ModelConfig, bool) {
	p := strings.ToLower(provider)
	m := strings.ToLower(model)
	byModel, ok := r.models[p]
	if !ok {
		return ModelConfig{}, false
	}
	cfg, ok := byModel[m]
	return cfg, ok
}

// ListModels returns "provider/model" identifiers in stable alphabetical
// order, optionally filtered to one provider.
func (r *Registry) ListModels(provider string) []string {
	var out []string
	if provider != "" {
		p := strings.ToLower(provider)
		for model := range r.models[p] {
			out = append(out, p+"/"+model)
		}
	} else {
		for p, models := range r.models {
			for model := range models {
				out = append(out, p+"/"+model)
			}
		}
	}
	sort.Strings(out)
	return out
}

// FindByCapability returns every model matching capability, optionally
// capped by max cost and max latency.
func (r *Registry) FindByCapability(capability string, maxCostPer1k float64, maxLatencyMS int) []ModelConfig {
	var matches []ModelConfig
	for _, models := range r.models {
		for _, cfg := range models {
			if !cfg.hasCapability(capability) {
				continue
			}
			if maxCostPer1k > 0 && cfg.TotalCostPer1k() > maxCostPer1k {
				continue
			}
			if maxLatencyMS > 0 && cfg.LatencyEstimateMS > maxLatencyMS {
				continue
			}
			matches = append(matches, cfg)
		}
	}
	sortByProviderModel(matches)
	return matches
}

// Cheapest returns the model minimising total cost, tie-broken by lower
// latency; optionally filtered by capability and local-model exclusion.
func (r *Registry) Cheapest(capability string, excludeLocal bool) (ModelConfig, bool) {
	var best ModelConfig
	found := false
	for provider, models := range r.models {
		if excludeLocal && provider == "ollama" {
			continue
		}
		for _, cfg := range models {
			if capability != "" && !cfg.hasCapability(capability) {
				continue
			}
			if !found {
				best, found = cfg, true
				continue
			}
			if cfg.TotalCostPer1k() < best.TotalCostPer1k() ||
				(cfg.TotalCostPer1k() == best.TotalCostPer1k() && cfg.LatencyEstimateMS < best.LatencyEstimateMS) {
				best = cfg
			}
		}
	}
	return best, found
}

// Fastest returns the model minimising latency, tie-broken by lower cost;
// optionally filtered by capability and a max cost cap.
func (r *Registry) Fastest(capability string, maxCostPer1k float64) (ModelConfig, bool) {
	var best ModelConfig
	found := false
	for _, models := range r.models {
		for _, cfg := range models {
			if capability != "" && !cfg.hasCapability(capability) {
				continue
			}
			if maxCostPer1k > 0 && cfg.TotalCostPer1k() > maxCostPer1k {
				continue
			}
			if !found {
				best, found = cfg, true
				continue
			}
			if cfg.LatencyEstimateMS < best.LatencyEstimateMS ||
				(cfg.LatencyEstimateMS == best.LatencyEstimateMS && cfg.TotalCostPer1k() < best.TotalCostPer1k()) {
				best = cfg
			}
		}
	}
	return best, found
}

func sortByProviderModel(cfgs []ModelConfig) {
	sort.Slice(cfgs, func(i, j int) bool {
		if cfgs[i].Provider != cfgs[j].Provider {
			return cfgs[i].Provider < cfgs[j].Provider
		}
		return cfgs[i].Model < cfgs[j].Model
	})
}

func defaultCatalogue() map[string]map[string]ModelConfig {
	mk := func(provider, model string, maxTokens, contextWindow int, promptCost, completionCost float64, latencyMS int, caps ...string) ModelConfig {
		return ModelConfig{
			Provider:            provider,
			Model:               model,
			MaxTokens:           maxTokens,
			ContextWindow:       contextWindow,
			CostPer1kPrompt:     promptCost,
			CostPer1kCompletion: completionCost,
			LatencyEstimateMS:   latencyMS,
			Capabilities:        caps,
		}
	}

	catalogue := map[string]map[string]ModelConfig{
		"openai": {
			"gpt-4":              mk("openai", "gpt-4", 8192, 8192, 0.03, 0.06, 1000, "code", "reasoning", "analysis", "function_calling"),
			"gpt-4-turbo":        mk("openai", "gpt-4-turbo", 4096, 128000, 0.01, 0.03, 800, "code", "reasoning", "analysis", "function_calling", "vision"),
			"gpt-4-32k":          mk("openai", "gpt-4-32k", 32768, 32768, 0.06, 0.12, 1500, "code", "reasoning", "analysis", "long_context"),
			"gpt-3.5-turbo":      mk("openai", "gpt-3.5-turbo", 4096, 16385, 0.0005, 0.0015, 500, "code", "simple_analysis", "function_calling"),
			"gpt-3.5-turbo-16k":  mk("openai", "gpt-3.5-turbo-16k", 16384, 16384, 0.001, 0.002, 600, "code", "simple_analysis", "long_context"),
		},
		"anthropic": {
			"claude-3-opus":   mk("anthropic", "claude-3-opus", 4096, 200000, 0.015, 0.075, 1500, "code", "reasoning", "analysis", "long_context", "vision"),
			"claude-3-sonnet": mk("anthropic", "claude-3-sonnet", 4096, 200000, 0.003, 0.015, 800, "code", "reasoning", "analysis", "long_context"),
			"claude-3-haiku":  mk("anthropic", "claude-3-haiku", 4096, 200000, 0.00025, 0.00125, 500, "code", "simple_analysis", "long_context"),
			"claude-2.1":      mk("anthropic", "claude-2.1", 4096, 200000, 0.008, 0.024, 1000, "code", "reasoning", "analysis", "long_context"),
		},
		"mistral": {
			"mistral-large":  mk("mistral", "mistral-large", 4096, 32768, 0.008, 0.024, 1200, "code", "reasoning", "analysis"),
			"mistral-medium": mk("mistral", "mistral-medium", 4096, 32768, 0.0027, 0.0081, 1000, "code", "analysis"),
			"mistral-small":  mk("mistral", "mistral-small", 4096, 32768, 0.002, 0.006, 800, "code", "simple_analysis"),
			"mistral-tiny":   mk("mistral", "mistral-tiny", 4096, 32768, 0.00025, 0.00075, 600, "code"),
		},
		"ollama": {
			"llama2":          mk("ollama", "llama2", 4096, 4096, 0, 0, 5000, "code", "simple_analysis"),
			"llama2:13b":      mk("ollama", "llama2:13b", 4096, 4096, 0, 0, 8000, "code", "analysis"),
			"llama2:70b":      mk("ollama", "llama2:70b", 4096, 4096, 0, 0, 15000, "code", "reasoning", "analysis"),
			"mistral":         mk("ollama", "mistral", 8192, 32768, 0, 0, 4000, "code", "analysis"),
			"codellama":       mk("ollama", "codellama", 4096, 16384, 0, 0, 6000, "code"),
			"codellama:13b":   mk("ollama", "codellama:13b", 4096, 16384, 0, 0, 9000, "code"),
			"qwen3-coder:30b": mk("ollama", "qwen3-coder:30b", 8192, 32768, 0, 0, 12000, "code", "analysis", "reasoning"),
		},
		"together": {
			"mistralai/mistral-7b-instruct-v0.2":  mk("together", "mistralai/mistral-7b-instruct-v0.2", 8192, 32768, 0.0002, 0.0002, 1500, "code", "analysis"),
			"codellama/codellama-34b-instruct-hf":  mk("together", "codellama/codellama-34b-instruct-hf", 4096, 16384, 0.000776, 0.000776, 2000, "code"),
			"meta-llama/llama-2-70b-chat-hf":       mk("together", "meta-llama/llama-2-70b-chat-hf", 4096, 4096, 0.0009, 0.0009, 2500, "code", "reasoning", "analysis"),
		},
	}
	return catalogue
}
