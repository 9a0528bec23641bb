package llm

import (
	"context"
	"strings"
	"testing"
)

type fakeProvider struct {
	name      string
	healthy   bool
	err       error
	content   string
	callCount int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(model string, req GenerateRequest) (*LLMResponse, error) {
	f.callCount++
	if f.err != nil {
		return nil, f.err
	}
	return &LLMResponse{
		Content:          f.content,
		Provider:         f.name,
		Model:            model,
		TokensPrompt:     10,
		TokensCompletion: 5,
		TokensTotal:      15,
		CostUSD:          0.01,
		LatencyMS:        50,
		FinishReason:     "stop",
	}, nil
}

func (f *fakeProvider) StreamGenerate(model string, req GenerateRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Content: f.content, Done: true}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) HealthCheck() bool { return f.healthy }

type fakeCostTracker struct {
	calls []string
}

func (f *fakeCostTracker) LogLLMCall(ctx context.Context, workspaceID, executionID, provider, model string, tokensPrompt, tokensCompletion int, latencyMS int64, metadata map[string]interface{}) error {
	f.calls = append(f.calls, provider+"/"+model)
	return nil
}

// S2 — Fallback chain exercised.
func TestGenerate_FallbackOnRateLimit(t *testing.T) {
	primary := &fakeProvider{name: "openai", healthy: true, err: &RateLimitError{
		ProviderError:     ProviderError{Provider: "openai", Model: "gpt-3.5-turbo", Message: "rate limited"},
		RetryAfterSeconds: 5,
	}}
	fallback := &fakeProvider{name: "anthropic", healthy: true, content: "fallback"}

	providers := map[string]Provider{"openai": primary, "anthropic": fallback}
	router := NewRouter(NewRegistry(), nil, nil)
	tracker := &fakeCostTracker{}
	svc := NewService(providers, router, tracker, true, false, nil)

	resp, err := svc.Generate(context.Background(), "hi", GenerateOptions{
		Provider:    "openai",
		Model:       "gpt-3.5-turbo",
		WorkspaceID: "ws1",
		ExecutionID: "ex1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "anthropic" {
		t.Fatalf("expected fallback provider anthropic, got %s", resp.Provider)
	}
	if !strings.Contains(resp.Content, "fallback") {
		t.Fatalf("expected fallback content, got %q", resp.Content)
	}

	stats := svc.UsageStats("")
	if s := stats["openai/gpt-3.5-turbo"]; s.FailedCalls < 1 {
		t.Fatalf("expected primary failed_calls >= 1, got %+v", s)
	}
	if s := stats["anthropic/claude-3-sonnet"]; s.SuccessfulCalls < 1 {
		t.Fatalf("expected fallback successful_calls >= 1, got %+v", s)
	}

	if len(tracker.calls) != 1 || tracker.calls[0] != "anthropic/claude-3-sonnet" {
		t.Fatalf("expected cost tracker invoked exactly once for anthropic, got %+v", tracker.calls)
	}
}

// S3 — All providers fail.
func TestGenerate_AllProvidersFail(t *testing.T) {
	primary := &fakeProvider{name: "openai", healthy: true, err: &ProviderError{Provider: "openai", Model: "gpt-3.5-turbo", Message: "boom"}}
	fallback := &fakeProvider{name: "anthropic", healthy: true, err: &ProviderError{Provider: "anthropic", Model: "claude-3-sonnet", Message: "boom"}}

	providers := map[string]Provider{"openai": primary, "anthropic": fallback}
	router := NewRouter(NewRegistry(), nil, nil)
	tracker := &fakeCostTracker{}
	svc := NewService(providers, router, tracker, true, false, nil)

	_, err := svc.Generate(context.Background(), "hi", GenerateOptions{
		Provider: "openai",
		Model:    "gpt-3.5-turbo",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*AllProvidersFailedError); !ok {
		t.Fatalf("expected AllProvidersFailedError, got %T: %v", err, err)
	}

	if len(tracker.calls) != 0 {
		t.Fatalf("expected cost tracker invoked zero times, got %+v", tracker.calls)
	}

	stats := svc.UsageStats("")
	if s := stats["openai/gpt-3.5-turbo"]; s.FailedCalls != 1 {
		t.Fatalf("expected openai failed_calls == 1, got %+v", s)
	}
	if s := stats["anthropic/claude-3-sonnet"]; s.FailedCalls != 1 {
		t.Fatalf("expected anthropic failed_calls == 1, got %+v", s)
	}
}

func TestGenerate_FallbackDisabledPropagatesError(t *testing.T) {
	primary := &fakeProvider{name: "openai", healthy: true, err: &ProviderError{Provider: "openai", Model: "gpt-3.5-turbo", Message: "boom"}}
	providers := map[string]Provider{"openai": primary}
	router := NewRouter(NewRegistry(), nil, nil)
	svc := NewService(providers, router, nil, false, false, nil)

	_, err := svc.Generate(context.Background(), "hi", GenerateOptions{Provider: "openai", Model: "gpt-3.5-turbo"})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*AllProvidersFailedError); ok {
		t.Fatal("did not expect fallback walk when fallback disabled")
	}
}
