package oracle

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/provider"
)

// ChatRouter is the part of provider.Router the reasoning oracle needs.
type ChatRouter interface {
	Route(ctx context.Context, agentID string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// LLM is a ReasoningOracle backed by chat-completion providers.
type LLM struct {
	router      ChatRouter
	model       string
	temperature *float64
	guard       *guard
}

// NewLLM builds a guarded reasoning oracle routed through router.
func NewLLM(router ChatRouter, model string, temperature *float64, s Settings, meter metric.Meter, logger *zap.Logger) (*LLM, error) {
	g, err := newGuard(s, meter, logger)
	if err != nil {
		return nil, err
	}
	return &LLM{router: router, model: model, temperature: temperature, guard: g}, nil
}

// Reason sends p and returns the trimmed completion text. Blank output counts
// as ErrOracleMalformedResponse and is retried like any other failure.
func (l *LLM) Reason(ctx context.Context, p Prompt) (string, error) {
	req := &provider.ChatRequest{
		Model:       l.model,
		Temperature: l.temperature,
		MaxTokens:   p.MaxTokens,
	}
	if p.Temperature != nil {
		req.Temperature = p.Temperature
	}
	if p.System != "" {
		req.Messages = append(req.Messages, provider.Message{Role: "system", Content: p.System})
	}
	req.Messages = append(req.Messages, provider.Message{Role: "user", Content: p.User})

	var text string
	err := l.guard.do(ctx, "reason", func(ctx context.Context) error {
		resp, err := l.router.Route(ctx, p.AgentID, req)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(resp.Content)
		if text == "" {
			return fmt.Errorf("%w: empty completion", ErrOracleMalformedResponse)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}
