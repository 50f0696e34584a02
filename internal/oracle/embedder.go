package oracle

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/embedding"
)

// Embedder is an EmbeddingOracle over an embedding.Provider.
type Embedder struct {
	provider embedding.Provider
	guard    *guard
}

// NewEmbedder builds a guarded embedding oracle.
func NewEmbedder(p embedding.Provider, s Settings, meter metric.Meter, logger *zap.Logger) (*Embedder, error) {
	g, err := newGuard(s, meter, logger)
	if err != nil {
		return nil, err
	}
	return &Embedder{provider: p, guard: g}, nil
}

// Embed returns the vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := e.guard.do(ctx, "embed", func(ctx context.Context) error {
		out, err := e.provider.Embed(ctx, []string{text})
		if err != nil {
			return err
		}
		if len(out) != 1 || len(out[0]) == 0 {
			return fmt.Errorf("%w: empty embedding", ErrOracleMalformedResponse)
		}
		vec = out[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (e *Embedder) Dimension() int { return e.provider.Dimension() }
