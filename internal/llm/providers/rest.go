// Package providers implements concrete llm.Provider adapters over HTTP
// (OpenAI-compatible chat, Anthropic messages, and a local Ollama client).
package providers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	resty "github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/n8n-work/agent-core/internal/llm"
)

// ChatFormat selects the request/response wire shape a REST endpoint expects.
type ChatFormat int

const (
	FormatOpenAIChat ChatFormat = iota
	FormatAnthropicMessages
)

// RESTConfig configures one hosted provider adapter.
type RESTConfig struct {
	Name        string
	BaseURL     string
	APIKey      string
	Format      ChatFormat
	HTTPReferer string // OpenRouter attribution headers
	XTitle      string
	Timeout     time.Duration
}

// RESTProvider is a generic HTTP-backed llm.Provider for hosted chat APIs.
// It wraps every call in a circuit breaker so a misbehaving provider trips
// out of the fallback chain instead of burning every remaining attempt on
// it.
type RESTProvider struct {
	cfg      RESTConfig
	client   *resty.Client
	registry *llm.Registry
	breaker  *gobreaker.CircuitBreaker
}

// NewRESTProvider builds a provider bound to registry for cost lookups.
func NewRESTProvider(cfg RESTConfig, registry *llm.Registry) *RESTProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	switch cfg.Format {
	case FormatAnthropicMessages:
		client.SetHeader("x-api-key", cfg.APIKey)
		client.SetHeader("anthropic-version", "2023-06-01")
	default:
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	if cfg.HTTPReferer != "" {
		client.SetHeader("HTTP-Referer", cfg.HTTPReferer)
	}
	if cfg.XTitle != "" {
		client.SetHeader("X-Title", cfg.XTitle)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})

	return &RESTProvider{cfg: cfg, client: client, registry: registry, breaker: breaker}
}

func (p *RESTProvider) Name() string { return p.cfg.Name }

type openAIChatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
		Delta        struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *RESTProvider) path() string {
	if p.cfg.Format == FormatAnthropicMessages {
		return "/messages"
	}
	return "/chat/completions"
}

// Generate issues a single non-streamed completion request.
func (p *RESTProvider) Generate(model string, req llm.GenerateRequest) (*llm.LLMResponse, error) {
	start := time.Now()

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.doGenerate(model, req)
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: "circuit open: " + err.Error()}
		}
		return nil, err
	}

	resp := result.(*llm.LLMResponse)
	resp.LatencyMS = latency
	return resp, nil
}

func (p *RESTProvider) doGenerate(model string, req llm.GenerateRequest) (*llm.LLMResponse, error) {
	var body interface{}
	if p.cfg.Format == FormatAnthropicMessages {
		body = anthropicRequest{
			Model:       model,
			Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}
	} else {
		body = openAIChatRequest{
			Model:       model,
			Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		}
	}

	resp, err := p.client.R().SetBody(body).Post(p.path())
	if err != nil {
		return nil, &llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: err.Error()}
	}

	if apiErr := p.statusError(model, resp.StatusCode(), resp.String()); apiErr != nil {
		return nil, apiErr
	}

	if p.cfg.Format == FormatAnthropicMessages {
		var parsed anthropicResponse
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			return nil, &llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: "invalid response: " + err.Error()}
		}
		content := ""
		if len(parsed.Content) > 0 {
			content = parsed.Content[0].Text
		}
		tokensPrompt := parsed.Usage.InputTokens
		tokensCompletion := parsed.Usage.OutputTokens
		return &llm.LLMResponse{
			Content:          content,
			Provider:         p.cfg.Name,
			Model:            model,
			TokensPrompt:     tokensPrompt,
			TokensCompletion: tokensCompletion,
			TokensTotal:      tokensPrompt + tokensCompletion,
			CostUSD:          p.cost(model, tokensPrompt, tokensCompletion),
			FinishReason:     parsed.StopReason,
			Metadata:         map[string]interface{}{"id": parsed.ID, "model": parsed.Model},
		}, nil
	}

	var parsed openAIChatResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, &llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: "invalid response: " + err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return nil, &llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: "no choices in response"}
	}

	return &llm.LLMResponse{
		Content:          parsed.Choices[0].Message.Content,
		Provider:         p.cfg.Name,
		Model:            model,
		TokensPrompt:     parsed.Usage.PromptTokens,
		TokensCompletion: parsed.Usage.CompletionTokens,
		TokensTotal:      parsed.Usage.TotalTokens,
		CostUSD:          p.cost(model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
		FinishReason:     parsed.Choices[0].FinishReason,
		Metadata:         map[string]interface{}{"id": parsed.ID, "model": parsed.Model},
	}, nil
}

func (p *RESTProvider) statusError(model string, status int, body string) error {
	switch status {
	case 0:
		return nil
	case 200:
		return nil
	case 401:
		return &llm.AuthenticationError{ProviderError: llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: "authentication failed"}}
	case 404:
		return &llm.ModelNotFoundError{ProviderError: llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: "model not found: " + model}}
	case 429:
		return &llm.RateLimitError{ProviderError: llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: "rate limit exceeded"}}
	default:
		return &llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: fmt.Sprintf("request failed with status %d: %s", status, body)}
	}
}

// StreamGenerate streams server-sent-event chat deltas.
func (p *RESTProvider) StreamGenerate(model string, req llm.GenerateRequest) (<-chan llm.StreamChunk, error) {
	var body interface{}
	if p.cfg.Format == FormatAnthropicMessages {
		body = anthropicRequest{
			Model:       model,
			Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stream:      true,
		}
	} else {
		body = openAIChatRequest{
			Model:       model,
			Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Stream:      true,
		}
	}

	resp, err := p.client.R().SetBody(body).SetDoNotParseResponse(true).Post(p.path())
	if err != nil {
		return nil, &llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: err.Error()}
	}
	if resp.StatusCode() == 429 {
		resp.RawBody().Close()
		return nil, &llm.RateLimitError{ProviderError: llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: "rate limit exceeded"}}
	}
	if resp.StatusCode() != 200 {
		resp.RawBody().Close()
		return nil, &llm.ProviderError{Provider: p.cfg.Name, Model: model, Message: fmt.Sprintf("streaming failed with status %d", resp.StatusCode())}
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer resp.RawBody().Close()

		scanner := bufio.NewScanner(resp.RawBody())
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if strings.TrimSpace(payload) == "[DONE]" {
				out <- llm.StreamChunk{Done: true}
				return
			}
			var chunk openAIChatResponse
			if jsonErr := json.Unmarshal([]byte(payload), &chunk); jsonErr != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			content := chunk.Choices[0].Delta.Content
			if content != "" {
				out <- llm.StreamChunk{Content: content}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- llm.StreamChunk{Err: err, Done: true}
		}
	}()

	return out, nil
}

func (p *RESTProvider) cost(model string, tokensPrompt, tokensCompletion int) float64 {
	cfg, ok := p.registry.GetModelConfig(p.cfg.Name, model)
	if !ok {
		return 0
	}
	return (float64(tokensPrompt)/1000)*cfg.CostPer1kPrompt + (float64(tokensCompletion)/1000)*cfg.CostPer1kCompletion
}

// HealthCheck reports whether the provider has credentials and its circuit
// breaker is not currently open.
func (p *RESTProvider) HealthCheck() bool {
	if p.cfg.APIKey == "" {
		return false
	}
	return p.breaker.State() != gobreaker.StateOpen
}
