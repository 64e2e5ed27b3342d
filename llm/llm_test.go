package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/telemetry"
)

func TestMockProvider_Response(t *testing.T) {
	provider := NewMockProvider()
	provider.SetResponse("Hello from LLM")

	resp, err := provider.Chat(context.Background(), UserPrompt("Hello"))
	if err != nil {
		t.Fatalf("chat error: %v", err)
	}
	if resp.Content != "Hello from LLM" {
		t.Errorf("expected 'Hello from LLM', got %s", resp.Content)
	}
	if provider.CallCount() != 1 {
		t.Errorf("expected 1 call, got %d", provider.CallCount())
	}
	if got := provider.LastRequest().Messages[0]; got.Role != "user" || got.Content != "Hello" {
		t.Errorf("unexpected last request message %+v", got)
	}
}

func TestMockProvider_ChatFuncSeesCallNumber(t *testing.T) {
	provider := NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, call int, req ChatRequest) (*ChatResponse, error) {
		if call < 3 {
			return nil, taskerrors.Upstream("backend down")
		}
		return &ChatResponse{Content: "ok"}, nil
	}

	for i := 1; i <= 2; i++ {
		if _, err := provider.Chat(context.Background(), UserPrompt("x")); !taskerrors.Is(err, taskerrors.ErrCodeUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}
	resp, err := provider.Chat(context.Background(), UserPrompt("x"))
	if err != nil || resp.Content != "ok" {
		t.Fatalf("call 3: got %v, %v", resp, err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Provider != "ollama" || cfg.Model != "llama3.2:latest" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.MaxTokens != 0 {
		t.Errorf("ollama should leave max tokens unset, got %d", cfg.MaxTokens)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	cfg = Config{Model: "claude-sonnet-4"}
	cfg.ApplyDefaults()
	if cfg.Provider != "anthropic" || cfg.MaxTokens != DefaultMaxTokens {
		t.Errorf("unexpected inferred config %+v", cfg)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected missing api key error")
	}
}

func TestInferProviderFromModel(t *testing.T) {
	tests := map[string]string{
		"llama3.2:latest":  "ollama",
		"qwen2.5:7b":       "ollama",
		"claude-3-5-haiku": "anthropic",
		"gpt-4o":           "openai",
		"o3-mini":          "openai",
		"gemini-2.0-flash": "google",
		"mistral-large":    "mistral",
		"grok-2":           "xai",
		"unknown-model":    "",
	}
	for model, want := range tests {
		if got := InferProviderFromModel(model); got != want {
			t.Errorf("InferProviderFromModel(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"default", Config{}, "*llm.OllamaProvider", false},
		{"openai", Config{Provider: "openai", Model: "gpt-4o", APIKey: "k"}, "*llm.OpenAIProvider", false},
		{"anthropic", Config{Provider: "anthropic", Model: "claude-3-5-haiku", APIKey: "k"}, "*llm.AnthropicProvider", false},
		{"preset", Config{Provider: "lmstudio", Model: "local"}, "*llm.OpenAIProvider", false},
		{"compat without url", Config{Provider: "openai-compat", Model: "m"}, "", true},
		{"compat", Config{Provider: "openai-compat", Model: "m", BaseURL: "http://localhost:4000/v1"}, "*llm.OpenAIProvider", false},
		{"unknown", Config{Provider: "nope", Model: "m"}, "", true},
		{"missing key", Config{Provider: "openai", Model: "gpt-4o"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := typeName(p); got != tt.want {
				t.Errorf("provider type = %s, want %s", got, tt.want)
			}
		})
	}
}

func typeName(p Provider) string {
	switch p.(type) {
	case *OllamaProvider:
		return "*llm.OllamaProvider"
	case *OpenAIProvider:
		return "*llm.OpenAIProvider"
	case *AnthropicProvider:
		return "*llm.AnthropicProvider"
	case *GoogleProvider:
		return "*llm.GoogleProvider"
	}
	return "?"
}

func TestOllamaProvider_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("expected path /api/chat, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("local server should not receive auth, got %s", r.Header.Get("Authorization"))
		}

		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "llama3.2:latest" || req.Stream {
			t.Errorf("unexpected request %+v", req)
		}
		if req.Options != nil {
			t.Errorf("num_predict should be omitted, got %+v", req.Options)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "What is machine learning?" {
			t.Errorf("unexpected messages %+v", req.Messages)
		}

		json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           "llama3.2:latest",
			Message:         ollamaMessage{Role: "assistant", Content: "A field of AI."},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 12,
			EvalCount:       5,
		})
	}))
	defer server.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, Model: "llama3.2:latest"})
	if err != nil {
		t.Fatalf("NewOllamaProvider: %v", err)
	}
	resp, err := p.Chat(context.Background(), UserPrompt("What is machine learning?"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "A field of AI." || resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestOllamaProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		retryable bool
		reason    string
	}{
		{http.StatusTooManyRequests, "slow down", true, "rate_limit"},
		{http.StatusServiceUnavailable, "loading model", true, ""},
		{http.StatusPaymentRequired, "payment required", false, "billing"},
		{http.StatusUnauthorized, "bad key", false, "auth"},
		{http.StatusNotFound, "model not found", false, ""},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.body, tt.status)
			}))
			defer server.Close()

			p, _ := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, Model: "m"})
			_, err := p.Chat(context.Background(), UserPrompt("hi"))
			if !taskerrors.Is(err, taskerrors.ErrCodeUpstream) {
				t.Fatalf("expected UPSTREAM, got %v", err)
			}
			if taskerrors.IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", taskerrors.IsRetryable(err), tt.retryable)
			}
			te := taskerrors.AsTaskError(err)
			if te.Metadata()["reason"] != tt.reason {
				t.Errorf("reason = %q, want %q", te.Metadata()["reason"], tt.reason)
			}
			if te.Metadata()["status"] != strconv.Itoa(tt.status) {
				t.Errorf("status metadata = %q", te.Metadata()["status"])
			}
		})
	}
}

func TestOllamaProvider_DeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p, _ := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, Model: "m"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Chat(ctx, UserPrompt("hi"))
	if !taskerrors.Is(err, taskerrors.ErrCodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestOllamaProvider_ConnectionRefusedIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	p, _ := NewOllamaProvider(OllamaConfig{BaseURL: url, Model: "m"})
	_, err := p.Chat(context.Background(), UserPrompt("hi"))
	if !taskerrors.Is(err, taskerrors.ErrCodeUpstream) || !taskerrors.IsRetryable(err) {
		t.Fatalf("expected retryable UPSTREAM, got %v", err)
	}
}

func TestClassifyError_PassesTaskErrorsThrough(t *testing.T) {
	orig := taskerrors.InvalidInput("bad prompt")
	if got := classifyError("x", orig); got != orig {
		t.Errorf("expected task error to pass through, got %v", got)
	}
	if got := classifyError("x", errors.New("insufficient credits")); taskerrors.IsRetryable(got) {
		t.Errorf("billing text should not be retryable: %v", got)
	}
}

func TestWithTracing(t *testing.T) {
	cfg := Config{Provider: "mock", Model: "mock"}
	mock := NewMockProvider()
	if WithTracing(mock, cfg, nil) != Provider(mock) {
		t.Error("nil tracer should return the provider unchanged")
	}

	mock.SetResponse("traced")
	p := WithTracing(mock, cfg, telemetry.NoopTracer())
	resp, err := p.Chat(context.Background(), UserPrompt("hi"))
	if err != nil || resp.Content != "traced" {
		t.Fatalf("got %v, %v", resp, err)
	}
}

func TestPromptText(t *testing.T) {
	if got := promptText(UserPrompt("What time is it?")); got != "What time is it?" {
		t.Errorf("single message = %q", got)
	}
	req := ChatRequest{Messages: []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}}
	if got := promptText(req); got != "system: be brief\nuser: hi" {
		t.Errorf("several messages = %q", got)
	}
}
