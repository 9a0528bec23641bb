// Package llm implements the LLM routing and fallback engine: a static
// model registry, a strategy-based router, the error taxonomy contract
// providers must honour, and the service facade that ties them together.
package llm

import "fmt"

// ProviderError is the base error kind raised by a provider client. The
// router's fallback chain only reacts to this family (see DESIGN.md, Open
// Question 1).
type ProviderError struct {
	Provider string
	Model    string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s/%s): %s", e.Provider, e.Model, e.Message)
}

// RateLimitError is a ProviderError variant signalling the provider is
// throttling; callers may additionally back off before the next attempt.
type RateLimitError struct {
	ProviderError
	RetryAfterSeconds int
}

// AuthenticationError is a ProviderError variant signalling bad credentials.
type AuthenticationError struct {
	ProviderError
}

// ModelNotFoundError is a ProviderError variant signalling an unknown model.
type ModelNotFoundError struct {
	ProviderError
}

// AttemptedPair records one (provider, model) combination tried during a
// fallback walk, and why it failed.
type AttemptedPair struct {
	Provider string
	Model    string
	Err      error
}

// AllProvidersFailedError is raised when every entry in the fallback chain
// (including the primary) has failed.
type AllProvidersFailedError struct {
	Attempts []AttemptedPair
}

func (e *AllProvidersFailedError) Error() string {
	msg := "all providers failed:"
	for _, a := range e.Attempts {
		msg += fmt.Sprintf(" %s/%s(%v)", a.Provider, a.Model, a.Err)
	}
	return msg
}

// IsProviderError reports whether err is a ProviderError or one of its
// variants (RateLimitError, AuthenticationError, ModelNotFoundError).
func IsProviderError(err error) bool {
	switch err.(type) {
	case *ProviderError, *RateLimitError, *AuthenticationError, *ModelNotFoundError:
		return true
	default:
		return false
	}
}

// ModelCapabilities carries an upper bound on what a model supports; used by
// provider clients to decide whether to honour optional request fields.
type ModelCapabilities struct {
	SupportsFunctionCalling bool
	SupportsVision          bool
	SupportsStreaming       bool
	MaxContextWindow        int
}

// LLMResponse is the contractual shape every provider call ultimately
// produces; its fields are relied on by downstream consumers (spec.md §6).
type LLMResponse struct {
	Content           string
	Provider          string
	Model             string
	TokensPrompt      int
	TokensCompletion  int
	TokensTotal       int
	CostUSD           float64
	LatencyMS         int64
	FinishReason      string
	Metadata          map[string]interface{}
}

// GenerateRequest is the common request shape passed to a Provider.
type GenerateRequest struct {
	Prompt      string
	SystemPrompt string
	MaxTokens   int
	Temperature float64
	Metadata    map[string]interface{}
}

// StreamChunk is one piece of a streamed generation; a non-nil Err
// terminates the stream with no further chunks.
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}

// Provider is the common interface every concrete LLM client implements.
// Concrete adapters live in internal/llm/providers.
type Provider interface {
	Name() string
	Generate(model string, req GenerateRequest) (*LLMResponse, error)
	StreamGenerate(model string, req GenerateRequest) (<-chan StreamChunk, error)
	HealthCheck() bool
}
