// Package llm provides the text-generation backends used by chat tasks.
package llm

import (
	"context"
	"fmt"
	"sync"
)

// Message represents an LLM message.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// ChatRequest represents a chat request to the LLM.
type ChatRequest struct {
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// UserPrompt builds a request holding a single user message.
func UserPrompt(prompt string) ChatRequest {
	return ChatRequest{Messages: []Message{{Role: "user", Content: prompt}}}
}

// ChatResponse represents a chat response from the LLM.
type ChatResponse struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Provider is the interface for LLM providers.
//
// Implementations make exactly one upstream call per Chat. Retries belong
// to the caller, so failures are reported as *errors.Error values whose
// retryability reflects the upstream condition.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string `toml:"provider" yaml:"provider"` // ollama, openai, anthropic, google, openai-compat or a preset
	Model     string `toml:"model" yaml:"model"`
	APIKey    string `toml:"api_key" yaml:"api_key"`
	BaseURL   string `toml:"base_url" yaml:"base_url"`
	MaxTokens int    `toml:"max_tokens" yaml:"max_tokens"`
}

// Defaults.
const (
	DefaultProvider  = "ollama"
	DefaultModel     = "llama3.2:latest"
	DefaultMaxTokens = 2048
)

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" && c.Model != "" {
		c.Provider = InferProviderFromModel(c.Model)
	}
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if c.Model == "" && c.Provider == DefaultProvider {
		c.Model = DefaultModel
	}
	if c.MaxTokens == 0 && c.Provider != DefaultProvider {
		c.MaxTokens = DefaultMaxTokens
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	if requiresAPIKey(c.Provider) && c.APIKey == "" {
		return fmt.Errorf("api key is required for provider %s", c.Provider)
	}
	return nil
}

// --- Mock Provider for Testing ---

// MockProvider is a mock LLM provider for testing. It is safe for
// concurrent use.
type MockProvider struct {
	mu          sync.Mutex
	response    string
	err         error
	lastRequest *ChatRequest
	callCount   int

	// ChatFunc can be overridden for custom behavior. It receives the
	// 1-based call number.
	ChatFunc func(ctx context.Context, call int, req ChatRequest) (*ChatResponse, error)
}

// NewMockProvider creates a new mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// SetResponse sets the response content.
func (p *MockProvider) SetResponse(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = content
}

// SetError sets an error to return.
func (p *MockProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// LastRequest returns the last request.
func (p *MockProvider) LastRequest() *ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRequest
}

// CallCount returns the number of Chat calls made.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// Chat implements the Provider interface.
func (p *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	p.callCount++
	call := p.callCount
	p.lastRequest = &req
	fn, response, err := p.ChatFunc, p.response, p.err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, call, req)
	}
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Content: response, StopReason: "stop", Model: "mock"}, nil
}
