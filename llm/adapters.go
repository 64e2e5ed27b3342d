package llm

import (
	"fmt"
	"strings"
)

// OpenAI-compatible presets. Each maps a provider name to its endpoint.
var compatPresets = map[string]string{
	"groq":          "https://api.groq.com/openai/v1",
	"mistral":       "https://api.mistral.ai/v1",
	"xai":           "https://api.x.ai/v1",
	"openrouter":    "https://openrouter.ai/api/v1",
	"ollama-openai": "http://localhost:11434/v1",
	"lmstudio":      "http://localhost:1234/v1",
}

// NewProvider creates a provider based on the configuration.
// If Provider is empty, it is inferred from the Model name, falling back
// to a local Ollama server.
func NewProvider(cfg Config) (Provider, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			Name:      "openai",
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "google":
		return NewGoogleProvider(GoogleConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "openai-compat", "litellm":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("base_url is required for provider %s", cfg.Provider)
		}
		return NewOpenAIProvider(OpenAIConfig{
			Name:      cfg.Provider,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	default:
		preset, ok := compatPresets[cfg.Provider]
		if !ok {
			return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = preset
		}
		return NewOpenAIProvider(OpenAIConfig{
			Name:      cfg.Provider,
			APIKey:    cfg.APIKey,
			BaseURL:   baseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	}
}

// requiresAPIKey reports whether the provider cannot work without a key.
func requiresAPIKey(provider string) bool {
	switch provider {
	case "openai", "anthropic", "google", "groq", "mistral", "xai", "openrouter":
		return true
	}
	return false
}

// InferProviderFromModel returns the provider name based on model name patterns.
// Models carrying an Ollama tag (name:tag) run on a local Ollama server.
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)

	switch {
	case strings.Contains(model, ":"):
		return "ollama"
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "chatgpt"):
		return "openai"
	case strings.HasPrefix(model, "gemini"), strings.HasPrefix(model, "gemma"):
		return "google"
	case strings.HasPrefix(model, "mistral"),
		strings.HasPrefix(model, "mixtral"),
		strings.HasPrefix(model, "codestral"):
		return "mistral"
	case strings.HasPrefix(model, "grok"):
		return "xai"
	case strings.HasPrefix(model, "llama"):
		return "ollama"
	}
	return ""
}
