package providers

import "github.com/n8n-work/agent-core/internal/llm"

// Credentials carries the configured API keys/endpoints for every hosted
// and local provider; zero-value fields mean "not configured" and the
// provider is omitted.
type Credentials struct {
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	MistralAPIKey    string
	TogetherAPIKey   string
	OpenRouterAPIKey string
	OllamaBaseURL    string
	PreferLocal      bool
}

// BuildProviders constructs the set of llm.Provider instances implied by
// creds, keyed by provider name. Ollama is always included when preferred
// or when no hosted provider is configured, mirroring the fallback-to-local
// behaviour of the reference service.
func BuildProviders(creds Credentials, registry *llm.Registry) map[string]llm.Provider {
	out := make(map[string]llm.Provider)

	if creds.OpenAIAPIKey != "" {
		out["openai"] = NewRESTProvider(RESTConfig{
			Name:    "openai",
			BaseURL: "https://api.openai.com/v1",
			APIKey:  creds.OpenAIAPIKey,
			Format:  FormatOpenAIChat,
		}, registry)
	}
	if creds.AnthropicAPIKey != "" {
		out["anthropic"] = NewRESTProvider(RESTConfig{
			Name:    "anthropic",
			BaseURL: "https://api.anthropic.com/v1",
			APIKey:  creds.AnthropicAPIKey,
			Format:  FormatAnthropicMessages,
		}, registry)
	}
	if creds.MistralAPIKey != "" {
		out["mistral"] = NewRESTProvider(RESTConfig{
			Name:    "mistral",
			BaseURL: "https://api.mistral.ai/v1",
			APIKey:  creds.MistralAPIKey,
			Format:  FormatOpenAIChat,
		}, registry)
	}
	if creds.TogetherAPIKey != "" {
		out["together"] = NewRESTProvider(RESTConfig{
			Name:    "together",
			BaseURL: "https://api.together.xyz/v1",
			APIKey:  creds.TogetherAPIKey,
			Format:  FormatOpenAIChat,
		}, registry)
	}
	if creds.OpenRouterAPIKey != "" {
		out["openrouter"] = NewRESTProvider(RESTConfig{
			Name:        "openrouter",
			BaseURL:     "https://openrouter.ai/api/v1",
			APIKey:      creds.OpenRouterAPIKey,
			Format:      FormatOpenAIChat,
			HTTPReferer: "https://github.com/n8n-work/agent-core",
			XTitle:      "agent-core",
		}, registry)
	}

	if creds.PreferLocal || len(out) == 0 {
		baseURL := creds.OllamaBaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		out["ollama"] = NewOllamaProvider(baseURL)
	}

	return out
}
