package provider

import (
	"context"

	"go.uber.org/zap"
)

// OllamaProvider uses Ollama's native /api/chat endpoint.
type OllamaProvider struct {
	httpBackend
}

// NewOllamaProvider creates a provider for a local Ollama server.
func NewOllamaProvider(cfg ProviderConfig, logger *zap.Logger) *OllamaProvider {
	return &OllamaProvider{newHTTPBackend(cfg, "http://localhost:11434", logger)}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

// Chat sends a non-streaming chat request.
func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	or := ollamaChatRequest{Model: req.Model, Messages: req.Messages}
	if req.Temperature != nil || req.MaxTokens > 0 {
		or.Options = map[string]any{}
		if req.Temperature != nil {
			or.Options["temperature"] = *req.Temperature
		}
		if req.MaxTokens > 0 {
			or.Options["num_predict"] = req.MaxTokens
		}
	}

	var out ollamaChatResponse
	if err := p.do(ctx, "/api/chat", or, &out); err != nil {
		return nil, err
	}
	return &ChatResponse{
		Model:        out.Model,
		Content:      out.Message.Content,
		FinishReason: out.DoneReason,
		Usage: Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
	}, nil
}

// HealthCheck queries /api/tags.
func (p *OllamaProvider) HealthCheck(ctx context.Context) error {
	return p.do(ctx, "/api/tags", nil, nil)
}
