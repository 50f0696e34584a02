package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider embeds text with a Gemini embedding model.
type GeminiProvider struct {
	client *genai.Client
	model  string
	dim    dimension
}

// NewGeminiProvider creates a Gemini embedder using cfg.APIKey.
func NewGeminiProvider(ctx context.Context, cfg Config) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding: gemini requires an api key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create genai client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-embedding-001"
	}
	p := &GeminiProvider{client: client, model: model}
	p.dim.configured = cfg.Dimension
	return p, nil
}

// Embed sends all texts in one EmbedContent call.
func (p *GeminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	ec := &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"}
	if p.dim.configured > 0 {
		ec.OutputDimensionality = genai.Ptr(int32(p.dim.configured))
	}
	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, ec)
	if err != nil {
		return nil, fmt.Errorf("embedding: gemini embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	p.dim.observe(out)
	return out, nil
}

// Dimension returns the observed vector length, or the configured default.
func (p *GeminiProvider) Dimension() int { return p.dim.get() }
