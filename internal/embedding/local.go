package embedding

import (
	"context"
	"fmt"
)

// LocalProvider implements Provider against Ollama's batch /api/embed endpoint.
type LocalProvider struct {
	endpoint string
	model    string
	dim      dimension
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	p := &LocalProvider{endpoint: endpoint, model: model}
	p.dim.configured = cfg.Dimension
	return p
}

type localRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type localResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed sends texts to the Ollama endpoint and returns embeddings.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result localResponse
	if err := postJSON(ctx, p.endpoint+"/api/embed", "", localRequest{Model: p.model, Input: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(result.Embeddings), len(texts))
	}
	p.dim.observe(result.Embeddings)
	return result.Embeddings, nil
}

// Dimension returns the observed vector length, or the configured default.
func (p *LocalProvider) Dimension() int { return p.dim.get() }
