package providers

import (
	"encoding/json"
	"fmt"
	"time"

	resty "github.com/go-resty/resty/v2"

	"github.com/n8n-work/agent-core/internal/llm"
)

// OllamaProvider talks to a local Ollama daemon. Local models carry zero
// cost and are always considered available as long as the daemon answers.
type OllamaProvider struct {
	baseURL string
	client  *resty.Client
}

// NewOllamaProvider builds a client against baseURL (e.g. http://localhost:11434).
func NewOllamaProvider(baseURL string) *OllamaProvider {
	return &OllamaProvider{
		baseURL: baseURL,
		client:  resty.New().SetBaseURL(baseURL).SetTimeout(180 * time.Second),
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model              string `json:"model"`
	Response           string `json:"response"`
	Done               bool   `json:"done"`
	PromptEvalCount    int    `json:"prompt_eval_count"`
	EvalCount          int    `json:"eval_count"`
	TotalDurationNanos int64  `json:"total_duration"`
}

func (p *OllamaProvider) Generate(model string, req llm.GenerateRequest) (*llm.LLMResponse, error) {
	start := time.Now()

	resp, err := p.client.R().SetBody(ollamaGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}).Post("/api/generate")
	if err != nil {
		return nil, &llm.ProviderError{Provider: "ollama", Model: model, Message: err.Error()}
	}
	if resp.StatusCode() == 404 {
		return nil, &llm.ModelNotFoundError{ProviderError: llm.ProviderError{Provider: "ollama", Model: model, Message: "model not pulled: " + model}}
	}
	if resp.StatusCode() != 200 {
		return nil, &llm.ProviderError{Provider: "ollama", Model: model, Message: fmt.Sprintf("request failed with status %d", resp.StatusCode())}
	}

	var parsed ollamaGenerateResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, &llm.ProviderError{Provider: "ollama", Model: model, Message: "invalid response: " + err.Error()}
	}

	return &llm.LLMResponse{
		Content:          parsed.Response,
		Provider:         "ollama",
		Model:            model,
		TokensPrompt:     parsed.PromptEvalCount,
		TokensCompletion: parsed.EvalCount,
		TokensTotal:      parsed.PromptEvalCount + parsed.EvalCount,
		CostUSD:          0,
		LatencyMS:        time.Since(start).Milliseconds(),
		FinishReason:     "stop",
	}, nil
}

func (p *OllamaProvider) StreamGenerate(model string, req llm.GenerateRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.client.R().SetBody(ollamaGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Stream: true,
	}).SetDoNotParseResponse(true).Post("/api/generate")
	if err != nil {
		return nil, &llm.ProviderError{Provider: "ollama", Model: model, Message: err.Error()}
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer resp.RawBody().Close()

		dec := json.NewDecoder(resp.RawBody())
		for {
			var chunk ollamaGenerateResponse
			if err := dec.Decode(&chunk); err != nil {
				return
			}
			if chunk.Response != "" {
				out <- llm.StreamChunk{Content: chunk.Response}
			}
			if chunk.Done {
				out <- llm.StreamChunk{Done: true}
				return
			}
		}
	}()

	return out, nil
}

// HealthCheck pings the Ollama daemon's tag listing endpoint.
func (p *OllamaProvider) HealthCheck() bool {
	resp, err := p.client.R().Get("/api/tags")
	if err != nil {
		return false
	}
	return resp.StatusCode() == 200
}
