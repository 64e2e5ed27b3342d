package llm

import (
	"context"
	"strings"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/telemetry"
)

// traced records one client span per Chat call.
type traced struct {
	next   Provider
	cfg    Config
	tracer *telemetry.Tracer
}

// WithTracing wraps p so every call opens an llm.chat span under the
// current attempt span. A nil tracer returns p unchanged.
func WithTracing(p Provider, cfg Config, tracer *telemetry.Tracer) Provider {
	if tracer == nil {
		return p
	}
	return &traced{next: p, cfg: cfg, tracer: tracer}
}

func (t *traced) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := t.tracer.StartLLMSpan(ctx, "llm.chat")
	resp, err := t.next.Chat(ctx, req)

	opts := telemetry.LLMSpanOptions{
		Provider: t.cfg.Provider,
		Model:    t.cfg.Model,
	}
	if err != nil {
		opts.ErrorCode = string(taskerrors.Code(err))
	}
	if resp != nil {
		if resp.Model != "" {
			opts.Model = resp.Model
		}
		opts.TokensIn = resp.InputTokens
		opts.TokensOut = resp.OutputTokens
		opts.StopReason = resp.StopReason
		opts.Response = resp.Content
	}
	if t.tracer.Debug() {
		opts.Prompt = promptText(req)
	}
	t.tracer.EndLLMSpan(span, opts, err)
	return resp, err
}

// promptText flattens the request; dispatcher prompts are a single user
// message, so the role tag is only added when there are several.
func promptText(req ChatRequest) string {
	if len(req.Messages) == 1 {
		return req.Messages[0].Content
	}
	var b strings.Builder
	for i, m := range req.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
